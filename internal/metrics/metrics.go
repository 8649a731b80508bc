// Package metrics configures the OpenTelemetry meter provider that the registry and scoring instruments report to.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/alecthomas/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/block/ctfplug/internal/logging"
)

type Config struct {
	ServiceName        string        `hcl:"service-name,optional" help:"Service name for metrics." default:"ctfplug"`
	EnablePrometheus   bool          `name:"prometheus" hcl:"prometheus,optional" help:"Enable the Prometheus exporter, served on /metrics." default:"true"`
	EnableOTLP         bool          `name:"otlp" hcl:"otlp,optional" help:"Enable the OTLP exporter." default:"false"`
	OTLPEndpoint       string        `name:"otlp-endpoint" hcl:"otlp-endpoint,optional" help:"OTLP endpoint URL." default:"http://localhost:4318"`
	OTLPInsecure       bool          `name:"otlp-insecure" hcl:"otlp-insecure,optional" help:"Use an insecure connection for OTLP." default:"false"`
	OTLPExportInterval time.Duration `name:"otlp-interval" hcl:"otlp-interval,optional" help:"OTLP export interval." default:"60s"`
}

// Client owns the global meter provider.
type Client struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// New creates a meter provider with the configured exporters and installs it as the global provider.
//
// Instruments created from otel.Meter before New are rebound to the new provider.
func New(ctx context.Context, cfg Config) (*Client, error) {
	logger := logging.FromContext(ctx)

	if !cfg.EnablePrometheus && !cfg.EnableOTLP {
		return nil, errors.New("at least one exporter (Prometheus or OTLP) must be enabled")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, errors.Errorf("failed to create resource: %w", err)
	}

	options := []sdkmetric.Option{sdkmetric.WithResource(res)}
	client := &Client{}
	exporters := []string{}

	if cfg.EnablePrometheus {
		client.registry = prometheus.NewRegistry()
		exporter, err := prometheusexporter.New(prometheusexporter.WithRegisterer(client.registry))
		if err != nil {
			return nil, errors.Errorf("failed to create Prometheus exporter: %w", err)
		}
		options = append(options, sdkmetric.WithReader(exporter))
		exporters = append(exporters, "prometheus")
	}

	if cfg.EnableOTLP {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, errors.Errorf("failed to create OTLP exporter: %w", err)
		}
		options = append(options, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTLPExportInterval))))
		exporters = append(exporters, "otlp")
	}

	client.provider = sdkmetric.NewMeterProvider(options...)
	otel.SetMeterProvider(client.provider)

	logger.InfoContext(ctx, "Metrics initialised",
		"service", cfg.ServiceName,
		"exporters", exporters,
		"otlp_endpoint", cfg.OTLPEndpoint)
	return client, nil
}

// Close flushes and shuts down the meter provider.
func (c *Client) Close(ctx context.Context) error {
	if err := c.provider.Shutdown(ctx); err != nil {
		return errors.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}

// Handler serves the Prometheus exposition format, or 404 if Prometheus is disabled.
func (c *Client) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
