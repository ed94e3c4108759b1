// Package telemetry installs the OpenTelemetry meter and tracer providers
// used by the relay's instruments and ingest spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultExportInterval is how often metrics are pushed to the collector
const DefaultExportInterval = 15 * time.Second

// Config configures metric and trace export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string        // e.g. "localhost:4317"; empty keeps telemetry in-process
	Insecure       bool          // plaintext gRPC to the collector
	ExportInterval time.Duration // push interval, default 15s
	SampleRate     float64       // fraction of traces kept; 0 or >= 1 keeps all
}

// Provider owns the SDK meter and tracer providers.
type Provider struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	logger         *slog.Logger
}

// Setup builds meter and tracer providers, installs them as the global
// providers and returns them. Without an endpoint neither has an exporter:
// instruments and spans work but nothing leaves the process. extra readers
// (tests, admin views) are attached to the meter provider.
func Setup(ctx context.Context, config Config, logger *slog.Logger, extra ...sdkmetric.Reader) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telemetry")

	if config.ExportInterval <= 0 {
		config.ExportInterval = DefaultExportInterval
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range extra {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	if config.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		}
		if config.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}

		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.ExportInterval),
		)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)

	tp, err := newTracerProvider(ctx, config, res)
	if err != nil {
		mp.Shutdown(ctx)
		return nil, err
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"interval", config.ExportInterval,
		"sample_rate", config.SampleRate,
	)

	return &Provider{meterProvider: mp, tracerProvider: tp, logger: logger}, nil
}

func newTracerProvider(ctx context.Context, config Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	sampler := sdktrace.AlwaysSample()
	if config.SampleRate > 0 && config.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	if config.OTLPEndpoint != "" {
		exporterOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
		}
		if config.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

// MeterProvider returns the SDK meter provider
func (p *Provider) MeterProvider() *sdkmetric.MeterProvider {
	return p.meterProvider
}

// TracerProvider returns the SDK tracer provider
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tracerProvider
}

// Shutdown flushes pending spans and metrics and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		errs = append(errs, err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
