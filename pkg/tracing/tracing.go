package tracing

import (
	"context"
	"fmt"
	"time"

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

// TracerProvider owns the SDK provider. The zero value, returned when
// tracing is disabled, is a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config selects the exporter and resource. PeerID, when set, is stamped on
// the resource so spans from both ends of a call can be told apart.
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	PeerID      string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "callcore",
		Version:     "dev",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-exporting provider and the W3C propagators as the
// otel globals. Sampling follows the parent span when there is one.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Version),
		attribute.String("environment", cfg.Environment),
	}
	if cfg.PeerID != "" {
		attrs = append(attrs, PeerIDKey.String(cfg.PeerID))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

const instrumentationName = "callcore"

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, name, opts...)
}

// AddSpanAttributes is a no-op for spans that are not sampled.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the current span failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// Common span attributes
var (
	CallIDKey    = attribute.Key("call.id")
	PeerIDKey    = attribute.Key("peer.id")
	RoleKey      = attribute.Key("call.role")
	EventKey     = attribute.Key("signaling.event")
	DirectionKey = attribute.Key("signaling.direction")
	TierKey      = attribute.Key("quality.tier")
	TransportKey = attribute.Key("call.transport")
	RestartKey   = attribute.Key("ice.restart")
	DurationKey  = attribute.Key("duration")
)

// TraceHTTPRequest names the span after the method; route is the
// parametrized path.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceSignaling traces one signaling message. direction is "in" or "out".
func TraceSignaling(ctx context.Context, direction, event, callID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signaling.%s", event),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			DirectionKey.String(direction),
			EventKey.String(event),
			CallIDKey.String(callID),
		),
	)
}

// TraceNegotiation traces an SDP step (offer, answer, remote-description).
func TraceNegotiation(ctx context.Context, step, callID string, restart bool) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("webrtc.%s", step),
		trace.WithAttributes(
			CallIDKey.String(callID),
			RestartKey.Bool(restart),
		),
	)
}

// TraceRelay traces a relay room operation.
func TraceRelay(ctx context.Context, operation, callID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("relay.%s", operation),
		trace.WithAttributes(
			CallIDKey.String(callID),
			TransportKey.String("relayed"),
		),
	)
}

// TraceDatabaseOperation traces one history store call.
func TraceDatabaseOperation(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("db.%s", operation),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.table", table),
		),
	)
}

// MeasureDuration annotates the current span with the elapsed milliseconds.
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	duration := time.Since(start)
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(duration.Milliseconds()),
	)
}
