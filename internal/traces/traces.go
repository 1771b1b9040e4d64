// Package traces wires OpenTelemetry tracing for transfer processing.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mulehunter/mulehunter"

// Span attribute keys shared by every component that traces a transfer.
const (
	KeySourceAccount = attribute.Key("transfer.source")
	KeyTargetAccount = attribute.Key("transfer.target")
	KeyAmount        = attribute.Key("transfer.amount")
	KeyTransferID    = attribute.Key("transfer.id")
	KeyVerdict       = attribute.Key("scorer.verdict")
	KeyScoreSource   = attribute.Key("scorer.source")
)

// Config selects the exporter and sampling. An empty Endpoint disables
// export and leaves the global no-op provider in place.
type Config struct {
	Endpoint    string
	ServiceName string
	Version     string
	SampleRatio float64
}

// Init installs a global tracer provider and W3C propagation. The returned
// function flushes and stops the exporter.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as errored. A nil err leaves the span untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
