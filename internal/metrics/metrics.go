// Package metrics provides Prometheus metrics for the pipeline engine,
// grounded on orchid's pkg/metrics (same promauto-vec style, new names for
// this domain: fetch pages/retries, rows written, run duration).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchPagesTotal tracks pages fetched per module.
	FetchPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apitap",
			Subsystem: "fetch",
			Name:      "pages_total",
			Help:      "Total number of source pages fetched per module",
		},
		[]string{"module"},
	)

	// FetchRetriesTotal tracks retried page requests per module.
	FetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apitap",
			Subsystem: "fetch",
			Name:      "retries_total",
			Help:      "Total number of retried page fetches per module",
		},
		[]string{"module"},
	)

	// RowsWrittenTotal tracks rows written to the sink per module.
	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apitap",
			Subsystem: "sink",
			Name:      "rows_written_total",
			Help:      "Total number of rows written to the destination table per module",
		},
		[]string{"module", "table"},
	)

	// RunDuration tracks module run duration in seconds.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apitap",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Duration of a full module run in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"module", "status"},
	)

	// RunsTotal tracks run completions by outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apitap",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total number of module runs by outcome",
		},
		[]string{"module", "status"},
	)
)

// RecordRun records a completed run's outcome and duration.
func RecordRun(module, status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(module, status).Inc()
	RunDuration.WithLabelValues(module, status).Observe(durationSeconds)
}
