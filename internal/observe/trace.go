package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all worker spans.
const tracerName = "github.com/stagehand-live/stagehand"

// Tracer returns the worker's [trace.Tracer] from the globally registered
// provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span named name. The caller must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the active trace id, or "" when ctx carries no
// valid span. The trace id doubles as the request correlation identifier
// surfaced in the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base (the default logger when nil) enriched with trace_id
// and span_id when ctx carries an active span, so request-scoped log lines
// correlate with their trace.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	if l == nil {
		l = slog.Default()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
