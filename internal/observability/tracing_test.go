package observability

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingTracer builds a Tracer backed by an in-memory span recorder, so
// tests can assert on exported spans without a collector.
func recordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestNilTracerIsSafe(t *testing.T) {
	var tr *Tracer

	ctx, span := tr.TraceReply(context.Background(), "coder", "lobby")
	span.End()

	_, span = tr.TraceLLMStream(ctx, "claude")
	tr.RecordError(span, errors.New("boom"))
	span.End()

	_, span = tr.TraceToolExecution(ctx, "lookup")
	span.End()
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tr, shutdown := NewTracer(TraceConfig{})
	if tr != nil {
		t.Fatalf("expected nil Tracer without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown returned error: %v", err)
	}
}

func TestTraceReplyRecordsAttributes(t *testing.T) {
	tr, recorder := recordingTracer()

	_, span := tr.TraceReply(context.Background(), "coder", "lobby")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "reply.run" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	found := map[string]string{}
	for _, attr := range spans[0].Attributes() {
		found[string(attr.Key)] = attr.Value.AsString()
	}
	if found["entity_id"] != "coder" || found["room_id"] != "lobby" {
		t.Fatalf("unexpected attributes: %v", found)
	}
}

func TestTraceToolExecutionNamesSpanByTool(t *testing.T) {
	tr, recorder := recordingTracer()

	_, span := tr.TraceToolExecution(context.Background(), "run_shell")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "tool.run_shell" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
}

func TestRecordErrorMarksSpanFailed(t *testing.T) {
	tr, recorder := recordingTracer()

	_, span := tr.TraceLLMStream(context.Background(), "claude")
	tr.RecordError(span, errors.New("stream reset"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Description != "stream reset" {
		t.Fatalf("expected error status, got %+v", spans[0].Status())
	}
	if len(spans[0].Events()) == 0 {
		t.Fatalf("expected a recorded error event")
	}
}

func TestGetTraceID(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Fatalf("expected empty trace id without a span, got %q", id)
	}

	tr, _ := recordingTracer()
	ctx, span := tr.TraceReply(context.Background(), "coder", "lobby")
	defer span.End()

	if id := GetTraceID(ctx); id == "" {
		t.Fatalf("expected non-empty trace id inside a span")
	}
}
