package observability

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// otelSpanWrapper wraps an OpenTelemetry span to implement the Span interface
type otelSpanWrapper struct {
	span trace.Span
}

// End implements Span.End
func (o *otelSpanWrapper) End() {
	o.span.End()
}

// SetStatus implements Span.SetStatus
func (o *otelSpanWrapper) SetStatus(code int, description string) {
	var statusCode codes.Code
	switch code {
	case 1:
		statusCode = codes.Ok
	case 2:
		statusCode = codes.Error
	default:
		statusCode = codes.Unset
	}
	o.span.SetStatus(statusCode, description)
}

// SetAttribute implements Span.SetAttribute
func (o *otelSpanWrapper) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		o.span.SetAttributes(attribute.String(key, v))
	case int:
		o.span.SetAttributes(attribute.Int(key, v))
	case int64:
		o.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		o.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		o.span.SetAttributes(attribute.Bool(key, v))
	default:
		o.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

// AddEvent implements Span.AddEvent
func (o *otelSpanWrapper) AddEvent(name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	o.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError implements Span.RecordError
func (o *otelSpanWrapper) RecordError(err error) {
	o.span.RecordError(err)
}

// SpanContext implements Span.SpanContext
func (o *otelSpanWrapper) SpanContext() trace.SpanContext {
	return o.span.SpanContext()
}

// Span attribute keys shared across components
const (
	CacheTierAttributeKey = attribute.Key("cache.tier")
	CacheKeyAttributeKey  = attribute.Key("cache.key")
	DBStatementKindKey    = attribute.Key("db.statement_kind")
	AuthOperationKey      = attribute.Key("auth.operation")
)

// InitTracing initializes OpenTelemetry tracing and returns a shutdown func
func InitTracing(cfg TracingConfig) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "kosherhub"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	ctx := context.Background()

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	SetTracer(otel.Tracer(cfg.ServiceName))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}, nil
}

var (
	globalTracer     trace.Tracer
	globalTracerInit bool
)

// SetTracer sets the global tracer
func SetTracer(t trace.Tracer) {
	globalTracer = t
	globalTracerInit = true
}

// GetTracer returns the global tracer, or a noop tracer before InitTracing
func GetTracer() trace.Tracer {
	if !globalTracerInit {
		return trace.NewNoopTracerProvider().Tracer("")
	}
	return globalTracer
}

// StartSpan starts a new span and returns the wrapped span and context
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, otelSpan := GetTracer().Start(ctx, name)
	return ctx, &otelSpanWrapper{span: otelSpan}
}

// SetSpanStatus records err on the current span when err is non-nil
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attributes...)
}
