// Package observe provides application-wide observability primitives for
// Stagehand: OpenTelemetry metrics, structured logging setup, and the
// Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Stagehand metrics.
const meterName = "github.com/stagehand-live/stagehand"

// Metrics holds all OpenTelemetry metric instruments for the worker.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DispatchDuration tracks agent dispatch latency (context assembly
	// through send-accepted). Use with attribute:
	//   attribute.String("agent", ...)
	DispatchDuration metric.Float64Histogram

	// CheckpointDuration tracks checkpoint write latency.
	CheckpointDuration metric.Float64Histogram

	// ReplayDuration tracks transcript replay latency during recovery.
	ReplayDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksIngested counts transcript chunks routed into runtimes. Use with
	// attributes:
	//   attribute.String("event_id", ...), attribute.Bool("final", ...)
	ChunksIngested metric.Int64Counter

	// ChunksDropped counts non-final chunks evicted by full ingest queues.
	ChunksDropped metric.Int64Counter

	// ChunksDelayed counts final chunks admitted past the block budget.
	ChunksDelayed metric.Int64Counter

	// AgentDispatches counts Cards/Facts dispatches. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("status", ...)
	AgentDispatches metric.Int64Counter

	// FallbackResults counts Cards results produced by the fallback path.
	FallbackResults metric.Int64Counter

	// PromptTokens records the token total of each assembled prompt. Use
	// with attribute:
	//   attribute.String("agent", ...)
	PromptTokens metric.Int64Histogram

	// --- Error counters ---

	// CheckpointFailures counts checkpoint writes that exhausted retries.
	CheckpointFailures metric.Int64Counter

	// SessionErrors counts session ERROR transitions. Use with attribute:
	//   attribute.String("agent", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRuntimes tracks the number of live event runtimes.
	ActiveRuntimes metric.Int64UpDownCounter

	// ActiveSessions tracks the number of open provider sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks queued records across all per-event queues.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for dispatch-path latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// tokenBuckets covers the prompt budget range.
var tokenBuckets = []float64{64, 128, 256, 512, 1024, 1536, 2048, 4096}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DispatchDuration, err = m.Float64Histogram("stagehand.dispatch.duration",
		metric.WithDescription("Latency of agent dispatch by agent type."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CheckpointDuration, err = m.Float64Histogram("stagehand.checkpoint.duration",
		metric.WithDescription("Latency of checkpoint writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplayDuration, err = m.Float64Histogram("stagehand.replay.duration",
		metric.WithDescription("Latency of transcript replay during recovery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PromptTokens, err = m.Int64Histogram("stagehand.prompt.tokens",
		metric.WithDescription("Token total of assembled prompts by agent."),
		metric.WithExplicitBucketBoundaries(tokenBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksIngested, err = m.Int64Counter("stagehand.chunks.ingested",
		metric.WithDescription("Total transcript chunks routed into runtimes."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("stagehand.chunks.dropped",
		metric.WithDescription("Total non-final chunks dropped by full queues."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDelayed, err = m.Int64Counter("stagehand.chunks.delayed",
		metric.WithDescription("Total final chunks admitted past the block budget."),
	); err != nil {
		return nil, err
	}
	if met.AgentDispatches, err = m.Int64Counter("stagehand.agent.dispatches",
		metric.WithDescription("Total agent dispatches by agent and status."),
	); err != nil {
		return nil, err
	}
	if met.FallbackResults, err = m.Int64Counter("stagehand.fallback.results",
		metric.WithDescription("Total Cards results produced by the fallback path."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.CheckpointFailures, err = m.Int64Counter("stagehand.checkpoint.failures",
		metric.WithDescription("Total checkpoint writes that exhausted retries."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("stagehand.session.errors",
		metric.WithDescription("Total session ERROR transitions by agent."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRuntimes, err = m.Int64UpDownCounter("stagehand.active_runtimes",
		metric.WithDescription("Number of live event runtimes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("stagehand.active_sessions",
		metric.WithDescription("Number of open provider sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("stagehand.queue.depth",
		metric.WithDescription("Queued records across all per-event queues."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("stagehand.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDispatch records one agent dispatch with its outcome.
func (m *Metrics) RecordDispatch(ctx context.Context, agent, status string) {
	m.AgentDispatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("status", status),
		),
	)
}

// RecordIngest records one routed transcript chunk.
func (m *Metrics) RecordIngest(ctx context.Context, eventID string, final bool) {
	m.ChunksIngested.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event_id", eventID),
			attribute.Bool("final", final),
		),
	)
}

// RecordSessionError records one session ERROR transition.
func (m *Metrics) RecordSessionError(ctx context.Context, agent string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent", agent)),
	)
}
