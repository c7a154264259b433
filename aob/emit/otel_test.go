package emit_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aobuild/aob-go/aob/emit"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitterSpanPerEvent(t *testing.T) {
	exporter, tp := newTestTracer(t)
	e := emit.NewOTelEmitter(tp.Tracer("test"))

	e.Emit(emit.Event{
		CorrelationID: "run-1",
		Seq:           3,
		NodeID:        "summarize",
		Msg:           "node.completed",
		Meta:          map[string]any{"attempt": 2, "duration_ms": int64(140)},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "node.completed" {
		t.Errorf("Expected span named node.completed, got %q", span.Name)
	}
	if !span.EndTime.After(span.StartTime) {
		t.Errorf("Expected span ended immediately")
	}

	attrs := attributeMap(span.Attributes)
	if attrs["aob.correlation_id"] != "run-1" {
		t.Errorf("Expected correlation id attribute, got %v", attrs)
	}
	if attrs["aob.seq"] != int64(3) {
		t.Errorf("Expected seq attribute 3, got %v", attrs["aob.seq"])
	}
	if attrs["aob.node"] != "summarize" {
		t.Errorf("Expected node attribute, got %v", attrs["aob.node"])
	}
	if attrs["aob.meta.attempt"] != int64(2) {
		t.Errorf("Expected attempt meta attribute, got %v", attrs["aob.meta.attempt"])
	}
	if attrs["aob.meta.duration_ms"] != int64(140) {
		t.Errorf("Expected duration meta attribute, got %v", attrs["aob.meta.duration_ms"])
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer(t)
	e := emit.NewOTelEmitter(tp.Tracer("test"))

	e.Emit(emit.Event{
		CorrelationID: "run-1",
		NodeID:        "call",
		Msg:           "decision_deferred",
		Meta:          map[string]any{"error": "collector down"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("Expected error status, got %v", span.Status.Code)
	}
	if span.Status.Description != "collector down" {
		t.Errorf("Expected error description, got %q", span.Status.Description)
	}
	if len(span.Events) == 0 {
		t.Errorf("Expected recorded error event")
	}
}

func TestOTelEmitterOmitsEmptyNode(t *testing.T) {
	exporter, tp := newTestTracer(t)
	e := emit.NewOTelEmitter(tp.Tracer("test"))

	e.Emit(emit.Event{CorrelationID: "run-1", Msg: "workflow.started"})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if _, ok := attributeMap(spans[0].Attributes)["aob.node"]; ok {
		t.Errorf("Expected no node attribute for workflow-level events")
	}
}
