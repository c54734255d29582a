package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_import_records_total",
			Help: "Records processed by the import pipeline, by source and outcome.",
		},
		[]string{"source", "action"}, // created, updated, merged, skipped, error
	)

	SourceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_import_source_runs_total",
			Help: "Per-source import jobs by final status.",
		},
		[]string{"source", "status"},
	)

	FetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_import_fetch_failures_total",
			Help: "Adapter fetch failures by source and kind.",
		},
		[]string{"source", "kind"},
	)

	SourceConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "citypulse_source_consecutive_failures",
			Help: "Consecutive failed runs per source.",
		},
		[]string{"source"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citypulse_import_run_duration_seconds",
			Help:    "Wall time of a full import run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	ResolutionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_resolution_requests_total",
			Help: "Best-effort lookups (geocode, classify) by outcome.",
		},
		[]string{"stage", "result"}, // hit, miss, error, cached
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "citypulse_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_notifications_total",
			Help: "Notifications produced by the matcher, by reason.",
		},
		[]string{"reason"},
	)
)

func ObserveRecord(source, action string) {
	RecordsProcessed.WithLabelValues(source, action).Inc()
}

func ObserveResolution(stage, result string) {
	ResolutionRequests.WithLabelValues(stage, result).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
