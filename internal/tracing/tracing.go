// Package tracing wires OpenTelemetry spans around the coordination server's
// suspension points: key-value round trips, resolver network probes, and the
// chat reaction retry loop.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the package-level tracer used when callers don't hold a *Layer.
var Tracer trace.Tracer = otel.Tracer("watchparty-server")

// Config controls tracer provider construction.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
	Exporter       string // "stdout" or "otlp"
	OTLPEndpoint   string
	SamplerRatio   float64
}

// Init initializes the global OpenTelemetry tracer provider and returns a
// shutdown function. When cfg.Enabled is false, tracing is a no-op.
func Init(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		Tracer = otel.Tracer(cfg.ServiceName)
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		exporter, err = otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		fallthrough
	default:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))
	if cfg.SamplerRatio >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	Tracer = tp.Tracer(cfg.ServiceName)
	return tp.Shutdown, nil
}

// Layer bundles domain-specific span-starting helpers over a tracer.
type Layer struct {
	tracer trace.Tracer
}

func NewLayer(tracer trace.Tracer) *Layer {
	return &Layer{tracer: tracer}
}

func GetLayer() *Layer {
	return NewLayer(Tracer)
}

// TraceKVOperation starts a client-kind span for a C1 key-value call.
func (l *Layer) TraceKVOperation(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, "kv."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("kv.system", "redis"),
		attribute.String("kv.operation", op),
	)
	return ctx, span
}

// TraceResolverProbe starts an internal-kind span for a C5 network probe.
func (l *Layer) TraceResolverProbe(ctx context.Context, step string) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, "resolver."+step, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("resolver.step", step))
	return ctx, span
}

// TraceReactionRetry starts an internal-kind span for one attempt of the
// chat reaction read-modify-write loop.
func (l *Layer) TraceReactionRetry(ctx context.Context, attempt int) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, "chat.reaction_retry", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.Int("chat.retry_attempt", attempt))
	return ctx, span
}

// TraceWebSocketEvent starts a server-kind span for one inbound event.
func (l *Layer) TraceWebSocketEvent(ctx context.Context, event string) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, "event."+event, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("event.name", event))
	return ctx, span
}

// RecordError records err on the span and marks it errored, if err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
