package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing for the orchestrator's three hot
// paths: one span per reply, one per LLM stream cycle, one per tool
// execution. A nil *Tracer is valid everywhere and records nothing, so
// callers never need to guard their span calls.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures tracing. An empty Endpoint disables export
// entirely (spans become no-ops).
type TraceConfig struct {
	// ServiceName identifies this process in traces (default "mindroomd").
	ServiceName string

	// ServiceVersion identifies the running build.
	ServiceVersion string

	// Environment names the deployment environment (production, staging, dev).
	Environment string

	// Endpoint is the OTLP gRPC collector endpoint (e.g. "localhost:4317").
	Endpoint string

	// SamplingRate is the fraction of traces recorded (0.0–1.0, default 1.0).
	SamplingRate float64

	// EnableInsecure disables TLS for the OTLP connection (dev only).
	EnableInsecure bool
}

// NewTracer builds a Tracer and returns it with a shutdown function that
// flushes pending spans. With no Endpoint configured, or if the exporter
// cannot be constructed, the returned Tracer records nothing and shutdown
// is a no-op.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	noShutdown := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return nil, noShutdown
	}

	if config.ServiceName == "" {
		config.ServiceName = "mindroomd"
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, noShutdown
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName)}
	return t, provider.Shutdown
}

var noopTracer = noop.NewTracerProvider().Tracer("")

// Start begins a span. Safe on a nil Tracer.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noopTracer.Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records err on span and marks the span failed. Safe on a
// nil Tracer and a nil err.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceReply starts the span covering one full ReplyTask.
func (t *Tracer) TraceReply(ctx context.Context, entityID, roomID string) (context.Context, trace.Span) {
	return t.Start(ctx, "reply.run",
		attribute.String("entity_id", entityID),
		attribute.String("room_id", roomID),
	)
}

// TraceLLMStream starts the span covering one LLM stream cycle (an
// initial call or a post-tool continuation).
func (t *Tracer) TraceLLMStream(ctx context.Context, modelRef string) (context.Context, trace.Span) {
	return t.Start(ctx, "llm.stream",
		attribute.String("llm.model_ref", modelRef),
	)
}

// TraceToolExecution starts the span covering one tool invocation.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool."+toolName,
		attribute.String("tool.name", toolName),
	)
}

// GetTraceID returns the active trace id from ctx, or "" when no
// recording span is present — used to correlate log lines with traces.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
