// Package telemetry sets up OpenTelemetry metric export.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/hayesraffle/QuickCapture/internal/debug"
)

// Config defines what Init needs. An empty Endpoint disables export.
type Config struct {
	ServiceName  string
	Endpoint     string // host:port of an OTLP gRPC collector
	ExportPeriod time.Duration
	Insecure     bool
}

// Init returns the meter provider to build instruments on and a
// cleanup that flushes and stops the exporter.
func Init(ctx context.Context, cfg Config) (metric.MeterProvider, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		debug.Verbose("Telemetry disabled")
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "quickcapture"
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exporter, err := otlpmetricgrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	mp := NewMeterProvider(cfg.ServiceName, sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(cfg.ExportPeriod)))
	otel.SetMeterProvider(mp)
	debug.Info("Exporting metrics to %s every %v", cfg.Endpoint, cfg.ExportPeriod)

	cleanup := func(ctx context.Context) error {
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down meter provider: %w", err)
		}
		return nil
	}
	return mp, cleanup, nil
}

// NewMeterProvider builds an SDK provider tagged with serviceName that
// reads through reader.
func NewMeterProvider(serviceName string, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
}
