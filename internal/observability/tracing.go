package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig holds tracing configuration.
type TracerConfig struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
}

// InitTracer sets up an OTLP/HTTP TracerProvider and registers its shutdown.
// An empty endpoint yields a no-op provider.
func InitTracer(ctx context.Context, cfg TracerConfig, shutdown *ShutdownCoordinator) (trace.TracerProvider, error) {
	if cfg.Endpoint == "" {
		return tracenoop.NewTracerProvider(), nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("init otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	if shutdown != nil {
		shutdown.Register("tracer", tp.Shutdown)
	}
	return tp, nil
}
