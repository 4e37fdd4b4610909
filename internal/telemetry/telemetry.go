// Package telemetry exports the relay's OpenTelemetry metrics over OTLP/gRPC.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects whether and where metrics are exported.
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Endpoint    string        `mapstructure:"otlp_endpoint"`
	Interval    time.Duration `mapstructure:"interval"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "studybuddy",
		Interval:    30 * time.Second,
	}
}

// Shutdown flushes pending metrics and stops the exporter.
type Shutdown func(context.Context) error

// Init builds a meter provider that pushes to an OTLP collector every
// cfg.Interval and installs it globally. When export is disabled it returns
// a no-op provider and leaves the global one untouched.
func Init(ctx context.Context, cfg Config, log *logger.Logger) (metric.MeterProvider, Shutdown, error) {
	if !cfg.Enabled {
		log.Info("Metrics export disabled")
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
	if cfg.Endpoint != "" {
		opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.WithFields(map[string]interface{}{
		"service":  cfg.ServiceName,
		"endpoint": cfg.Endpoint,
		"interval": cfg.Interval.String(),
	}).Info("OpenTelemetry metrics initialized")

	return mp, mp.Shutdown, nil
}
