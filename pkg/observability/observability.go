// Package observability wires Kernel's structured logging, metrics, and
// request tracing. Kernel exports no OTLP endpoint by default — metrics and
// spans are held in-process (the stream worker's success/failure counters,
// per-request spans) via the OpenTelemetry API — but when
// OTEL_EXPORTER_OTLP_ENDPOINT is configured both are shipped over OTLP/gRPC,
// following this codebase's practice of treating OTLP export as an optional
// downstream concern rather than a prerequisite for instrumentation.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the observability Provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string

	// OTLPEndpoint, if set, ships metrics and spans to an OTLP/gRPC
	// collector at this host:port in addition to in-process consumption.
	OTLPEndpoint string
	OTLPInsecure bool
}

// DefaultConfig returns Kernel's default observability configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "kernel",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		LogLevel:       "info",
	}
}

// Provider bundles Kernel's structured logger, meter, and tracer.
type Provider struct {
	config        *Config
	logger        *slog.Logger
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	tracerProvider *sdktrace.TracerProvider
	tracer        trace.Tracer
}

// New constructs a Provider: a JSON slog.Logger at the configured level, an
// OpenTelemetry MeterProvider, and a TracerProvider. Both the meter and
// tracer providers export over OTLP/gRPC when config.OTLPEndpoint is set;
// otherwise instruments and spans are created but never leave the process,
// so they stay cheap in Lite Mode and in tests.
func New(config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(config.LogLevel),
	})).With("service", config.ServiceName)

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("kernel.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	tracerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if config.OTLPEndpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
		if config.OTLPInsecure {
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		}

		metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: otlp metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))

		traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: otlp trace exporter: %w", err)
		}
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(traceExporter))
	}

	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(meterProvider)
	meter := meterProvider.Meter("kernel")

	tracerProvider := sdktrace.NewTracerProvider(tracerOpts...)
	otel.SetTracerProvider(tracerProvider)
	tracer := tracerProvider.Tracer("kernel")

	return &Provider{
		config:         config,
		logger:         logger,
		meterProvider:  meterProvider,
		meter:          meter,
		tracerProvider: tracerProvider,
		tracer:         tracer,
	}, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the configured structured logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// Meter returns the configured meter, for instrument construction.
func (p *Provider) Meter() metric.Meter { return p.meter }

// Tracer returns the configured tracer, for request-scoped spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and releases the meter and tracer providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// WithTimeout is a small convenience wrapper around context.WithTimeout for
// deriving a bounded context from an HTTP request's context for DB/signer
// calls. Kernel's handlers call context.WithTimeout directly.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
