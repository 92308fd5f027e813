// Package metrics exposes ingestion run metrics in Prometheus format on
// an embedded listener, for the external monitoring stack.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RowsTotal    *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	LastRunEpoch prometheus.Gauge
}

// New registers the engine collectors on a fresh registry and returns
// both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloud_pricing_runs_total",
			Help: "Ingestion runs by source and final status.",
		}, []string{"source", "status"}),
		RowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloud_pricing_rows_total",
			Help: "Rows touched by ingestion runs, by outcome.",
		}, []string{"source", "outcome"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloud_pricing_run_duration_seconds",
			Help:    "End-to-end ingestion run duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		LastRunEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cloud_pricing_last_run_timestamp_seconds",
			Help: "Unix time of the most recent finished run.",
		}),
	}
	return m, reg
}

// Serve starts the /metrics listener in the background. Returns the
// server so the caller can shut it down with the run.
func Serve(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	return srv
}
