package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config contains OpenTelemetry configuration
type Config struct {
	// Enable tracing
	Enabled bool

	// Service identity recorded on every span
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLP gRPC collector address (e.g., localhost:4317)
	Endpoint string

	// Insecure sends spans without TLS
	Insecure bool

	// Fraction of root spans kept; children follow their parent
	SamplingRatio float64

	// Bound on one export
	Timeout time.Duration

	// Additional resource attributes
	Attributes map[string]string
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "livesync",
		ServiceVersion: "dev",
		Environment:    "development",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SamplingRatio:  0.1,
		Timeout:        5 * time.Second,
		Attributes:     map[string]string{},
	}
}

// Option adjusts Setup
type Option func(*setupOptions)

type setupOptions struct {
	exporter sdktrace.SpanExporter
}

// WithSpanExporter sends spans to exporter instead of the OTLP collector
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *setupOptions) {
		o.exporter = exporter
	}
}

// Setup installs the global tracer provider and propagator. The returned
// function flushes pending spans and stops the provider.
func Setup(ctx context.Context, config Config, opts ...Option) (shutdown func(context.Context) error, err error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var o setupOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := log.With().Str("component", "telemetry").Logger()
	logger.Info().
		Str("service", config.ServiceName).
		Str("environment", config.Environment).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Setting up OpenTelemetry tracing")

	exporter := o.exporter
	if exporter == nil {
		if exporter, err = newOTLPExporter(ctx, config); err != nil {
			return nil, err
		}
	}

	res, err := newResource(ctx, config)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(config.Timeout)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		logger.Info().Msg("Shutting down OpenTelemetry tracing")
		if err := provider.ForceFlush(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush spans")
		}
		return provider.Shutdown(ctx)
	}, nil
}

func newOTLPExporter(ctx context.Context, config Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithTimeout(config.Timeout),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	return exporter, nil
}

// newResource describes this process to the collector
func newResource(ctx context.Context, config Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(config.ServiceName)}
	if config.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(config.ServiceVersion))
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
