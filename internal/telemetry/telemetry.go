package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the meter and tracer providers of the process. A zero
// Telemetry is valid: every recording method becomes a no-op and Handler
// answers 404.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	exporter       *prometheus.Exporter

	instruments
}

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint adds a periodic OTLP gRPC metric reader next to Prometheus.
	OTLPEndpoint string
}

func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	readers, err := metricReaders(ctx, exporter, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}

	t := &Telemetry{
		meterProvider:  sdkmetric.NewMeterProvider(mpOpts...),
		tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
		exporter:       exporter,
	}

	otel.SetMeterProvider(t.meterProvider)
	otel.SetTracerProvider(t.tracerProvider)

	t.tracer = t.tracerProvider.Tracer(cfg.ServiceName)

	if err := t.instruments.register(t.meterProvider.Meter(cfg.ServiceName)); err != nil {
		return nil, fmt.Errorf("failed to register instruments: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(t.meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

func metricReaders(ctx context.Context, exporter *prometheus.Exporter, otlpEndpoint string) ([]sdkmetric.Reader, error) {
	readers := []sdkmetric.Reader{exporter}

	if otlpEndpoint == "" {
		return readers, nil
	}

	otlp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(otlpEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	return append(readers, sdkmetric.NewPeriodicReader(otlp)), nil
}

// Tracer falls back to the global tracer when telemetry is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// Handler serves the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}
