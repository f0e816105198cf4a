// Package telemetry sets up OpenTelemetry metrics and tracing for physcoord.
// Metrics are exported through a private Prometheus registry whose handler
// is mounted on the admin API and, optionally, on a dedicated port.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

type Config struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// InstanceID distinguishes HA peers; it becomes service.instance.id.
	InstanceID string `yaml:"instance_id"`
	// PrometheusPort additionally serves /metrics on its own port. Zero
	// leaves only the admin API route.
	PrometheusPort int `yaml:"prometheus_port"`
	// TraceSampleRatio outside (0, 1] means always sample.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry is the active tracer and meter. MetricsHandler is nil when
// telemetry is disabled.
type Telemetry struct {
	Tracer         trace.Tracer
	Meter          metric.Meter
	MetricsHandler http.Handler
}

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(ctx context.Context) error

// Noop returns telemetry whose tracer and meter discard everything.
func Noop() *Telemetry {
	return &Telemetry{
		Tracer: nooptrace.NewTracerProvider().Tracer(""),
		Meter:  noop.NewMeterProvider().Meter(""),
	}
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(cfg.InstanceID)))
	}
	own, err := resource.New(context.Background(), attrs...)
	if err != nil {
		return nil, err
	}
	return resource.Merge(resource.Default(), own)
}

// New installs global providers and returns them with a shutdown function.
func New(cfg Config) (*Telemetry, ShutdownFunc, error) {
	if !cfg.Enabled {
		return Noop(), func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "physcoord"
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	ratio := cfg.TraceSampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	var metricsServer *http.Server
	if cfg.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", handler)
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				otel.Handle(fmt.Errorf("prometheus http server failed: %w", err))
			}
		}()
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var err error
		if metricsServer != nil {
			err = multierr.Append(err, metricsServer.Shutdown(ctx))
		}
		err = multierr.Append(err, tracerProvider.Shutdown(ctx))
		return multierr.Append(err, meterProvider.Shutdown(ctx))
	}

	return &Telemetry{
		Tracer:         tracerProvider.Tracer(cfg.ServiceName),
		Meter:          meterProvider.Meter(cfg.ServiceName),
		MetricsHandler: handler,
	}, shutdown, nil
}
