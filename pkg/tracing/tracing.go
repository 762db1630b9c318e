package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider holds the installed provider so main can flush it on
// shutdown. Zero value when tracing is disabled.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "roomcast",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-exporting tracer provider as the global otel
// provider. When disabled the otel default no-op provider stays in place and
// every span helper below becomes free.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	sampler := tracesdk.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = tracesdk.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes buffered spans. Safe on the disabled zero value.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("roomcast").Start(ctx, name, opts...)
}

// RecordError marks the current span failed and attaches the error.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Common span attributes
var (
	RoomIDKey     = attribute.Key("room.id")
	UsernameKey   = attribute.Key("peer.username")
	ProducerIDKey = attribute.Key("producer.id")
	ConsumerIDKey = attribute.Key("consumer.id")
	PipelineKey   = attribute.Key("pipeline")
)

// TraceHTTPRequest traces an HTTP request
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return startSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceSignaling traces one signaling request from a peer
func TraceSignaling(ctx context.Context, method string, room, username string) (context.Context, trace.Span) {
	return startSpan(ctx, fmt.Sprintf("signal.%s", method),
		trace.WithAttributes(
			attribute.String("signal.method", method),
			RoomIDKey.String(room),
			UsernameKey.String(username),
		),
	)
}

// TracePipeline traces a transcoding pipeline operation
func TracePipeline(ctx context.Context, pipeline, operation string, room string) (context.Context, trace.Span) {
	return startSpan(ctx, fmt.Sprintf("pipeline.%s.%s", pipeline, operation),
		trace.WithAttributes(
			PipelineKey.String(pipeline),
			RoomIDKey.String(room),
		),
	)
}

// TraceStoreOperation traces a room store round trip
func TraceStoreOperation(ctx context.Context, operation string, room string) (context.Context, trace.Span) {
	return startSpan(ctx, fmt.Sprintf("store.%s", operation),
		trace.WithAttributes(
			attribute.String("store.operation", operation),
			RoomIDKey.String(room),
		),
	)
}
