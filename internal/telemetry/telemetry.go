// Package telemetry exports workflow and task metrics through OpenTelemetry
// and serves them in the Prometheus text format.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of every meter and tracer.
const ScopeName = "github.com/rendis/flowcore"

// Service owns the meter provider and the Prometheus registry behind /metrics.
type Service struct {
	meter    metric.Meter
	tracer   trace.Tracer
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
	enabled  bool
}

// New creates the telemetry service. When disabled every instrument is a
// no-op and Handler answers 503.
func New(ctx context.Context, enabled bool, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !enabled {
		logger.DebugContext(ctx, "telemetry disabled, using no-op meter")
		return &Service{
			meter:  noop.NewMeterProvider().Meter(ScopeName),
			tracer: otel.Tracer(ScopeName),
		}, nil
	}
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("initialize prometheus exporter: %w", err)
	}
	svc := newService(sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)))
	svc.registry = registry
	logger.InfoContext(ctx, "telemetry initialized")
	return svc, nil
}

// NewWithReader creates an enabled service collecting into reader, without
// a Prometheus registry.
func NewWithReader(reader sdkmetric.Reader) *Service {
	return newService(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
}

func newService(provider *sdkmetric.MeterProvider) *Service {
	return &Service{
		meter:    provider.Meter(ScopeName),
		tracer:   otel.Tracer(ScopeName),
		provider: provider,
		enabled:  true,
	}
}

// Meter returns the meter for custom instruments.
func (s *Service) Meter() metric.Meter { return s.meter }

// Enabled reports whether metrics are collected.
func (s *Service) Enabled() bool { return s.enabled }

// Handler serves the collected metrics for scraping.
func (s *Service) Handler() http.Handler {
	if s.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "telemetry disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}
