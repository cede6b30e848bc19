// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a
// Prometheus exporter. It returns the HTTP handler for the /metrics
// endpoint and a shutdown function to call on application exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// EngineMetrics bundles the pipeline engine's instruments. Instruments are
// created against the global meter provider, so they no-op until
// InitMetrics has run.
type EngineMetrics struct {
	RunsTotal  metric.Int64Counter
	JobsTotal  metric.Int64Counter
	CacheHits  metric.Int64Counter
	JobSeconds metric.Float64Histogram
}

// NewEngineMetrics creates the engine's instruments.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("gantry")

	runs, err := meter.Int64Counter("gantry_runs_total",
		metric.WithDescription("Completed pipeline runs by terminal status"))
	if err != nil {
		return nil, err
	}
	jobs, err := meter.Int64Counter("gantry_jobs_total",
		metric.WithDescription("Completed jobs by terminal status"))
	if err != nil {
		return nil, err
	}
	hits, err := meter.Int64Counter("gantry_cache_hits_total",
		metric.WithDescription("Jobs served entirely from the artifact cache"))
	if err != nil {
		return nil, err
	}
	seconds, err := meter.Float64Histogram("gantry_job_duration_seconds",
		metric.WithDescription("Wall-clock duration of executed jobs"))
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		RunsTotal:  runs,
		JobsTotal:  jobs,
		CacheHits:  hits,
		JobSeconds: seconds,
	}, nil
}
