package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// OTelExporter pushes OpenTelemetry metrics (including the otelhttp server and client
// instruments) to an OTLP/HTTP collector.
type OTelExporter struct {
	provider *metric.MeterProvider
}

// NewOTelExporter installs a global MeterProvider exporting to endpoint every interval.
// endpoint may be a full URL or host:port (plain HTTP).
func NewOTelExporter(ctx context.Context, serviceName, endpoint string, interval time.Duration) (*OTelExporter, error) {
	var opt otlpmetrichttp.Option
	if strings.Contains(endpoint, "://") {
		opt = otlpmetrichttp.WithEndpointURL(endpoint)
	} else {
		opt = otlpmetrichttp.WithEndpoint(endpoint)
	}
	opts := []otlpmetrichttp.Option{opt}
	if !strings.HasPrefix(endpoint, "https://") {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	provider := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return &OTelExporter{provider: provider}, nil
}

// Shutdown flushes and stops the exporter.
func (e *OTelExporter) Shutdown(ctx context.Context) error {
	if e == nil || e.provider == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
