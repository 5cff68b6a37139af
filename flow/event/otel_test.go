package event

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelHandler) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)

	return exporter, NewOTelHandler(otel.Tracer("orca-test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestOTelHandler_SpanPerEvent(t *testing.T) {
	exporter, h := newTestTracer(t)

	h.Handle(Event{
		RunID:   "run-001",
		Seq:     7,
		Kind:    KindSuccess,
		Node:    "summarize",
		Payload: map[string]any{"duration_ms": int64(42), "tokens": 150},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name != "success" {
		t.Errorf("span name = %q, want %q", span.Name, "success")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["orca.run_id"]; got != "run-001" {
		t.Errorf("run_id attr = %v", got)
	}
	if got := attrs["orca.seq"]; got != int64(7) {
		t.Errorf("seq attr = %v", got)
	}
	if got := attrs["orca.node"]; got != "summarize" {
		t.Errorf("node attr = %v", got)
	}
	if got := attrs["orca.duration_ms"]; got != int64(42) {
		t.Errorf("duration attr = %v", got)
	}
	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelHandler_ErrorStatus(t *testing.T) {
	exporter, h := newTestTracer(t)

	h.Handle(Event{
		RunID:   "run-001",
		Seq:     2,
		Kind:    KindFailure,
		Node:    "rank",
		Payload: map[string]any{"error": "connection refused"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "connection refused" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
}
