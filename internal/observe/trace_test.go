package observe

import (
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer swaps in an in-memory tracer provider for the test.
func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestStartSpanRecords(t *testing.T) {
	exp := withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch cards")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "dispatch cards" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if CorrelationID(ctx) == "" {
		t.Error("no trace id in span context")
	}
}

func TestCorrelationIDWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID on empty context = %q, want empty", got)
	}
}

func TestCorrelationIDMatchesTraceID(t *testing.T) {
	withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	want := span.SpanContext().TraceID().String()
	if got := CorrelationID(ctx); got != want {
		t.Errorf("CorrelationID = %q, want %q", got, want)
	}
}

func TestLoggerCarriesTraceAttrs(t *testing.T) {
	withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	if l := Logger(ctx, nil); l == nil {
		t.Fatal("Logger returned nil")
	}
	// Without a span the base logger comes back unchanged.
	base := slog.Default()
	if l := Logger(context.Background(), base); l != base {
		t.Error("Logger without span must return the base logger as is")
	}
}

func TestTracerReturnsValidTracer(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
