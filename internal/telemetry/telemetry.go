// Package telemetry configures OpenTelemetry tracing for the preloader.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config selects the service name and how many traces are kept.
type Config struct {
	ServiceName string
	// SampleRatio is the fraction of root traces recorded; 0 records none.
	SampleRatio float64
}

// InitTracerProvider installs the global tracer provider and the W3C
// propagators used by the Pub/Sub publisher. Finished spans are written to
// logger at debug level unless opts supply another processor.
func InitTracerProvider(
	ctx context.Context,
	cfg Config,
	logger *zap.Logger,
	opts ...sdktrace.TracerProviderOption,
) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nginx-cache-preloader"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if len(opts) == 0 && logger != nil && cfg.SampleRatio > 0 {
		base = append(base, sdktrace.WithBatcher(NewLogExporter(logger)))
	}
	tp := sdktrace.NewTracerProvider(append(base, opts...)...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("github.com/JakeFAU/nginx-cache-preloader/" + name)
}

// LogExporter writes finished spans to a zap logger.
type LogExporter struct {
	logger *zap.Logger
}

// NewLogExporter returns an exporter logging through logger.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	return &LogExporter{logger: logger.Named("trace")}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		ce := e.logger.Check(zap.DebugLevel, "span")
		if ce == nil {
			return nil
		}
		fields := []zap.Field{
			zap.String("name", s.Name()),
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.String("span_id", s.SpanContext().SpanID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		}
		if s.Parent().IsValid() {
			fields = append(fields, zap.String("parent_id", s.Parent().SpanID().String()))
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		ce.Write(fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}
