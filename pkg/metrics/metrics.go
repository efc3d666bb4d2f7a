// Package metrics defines the Prometheus collectors reported by a
// co-occurrence run and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for a run.
type Metrics struct {
	UnitsTotal          *prometheus.CounterVec
	UnitDuration        prometheus.Histogram
	RecordsSeenTotal    prometheus.Counter
	RecordsMatchedTotal prometheus.Counter
	RecordErrorsTotal   prometheus.Counter
	PairsAddedTotal     prometheus.Counter
	CheckpointFlushes   *prometheus.CounterVec
	FlushDuration       prometheus.Histogram
	NonZeroCells        prometheus.Gauge
	UnitsRemaining      prometheus.Gauge
	ActiveWorkers       prometheus.Gauge
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		UnitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cooccurrence_units_total",
				Help: "Source units finished, by status (ok, failed, aborted).",
			},
			[]string{"status"},
		),
		UnitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cooccurrence_unit_duration_seconds",
				Help:    "Wall time to stream and accumulate one source unit.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		RecordsSeenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cooccurrence_records_seen_total",
				Help: "Records decoded from completed source units.",
			},
		),
		RecordsMatchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cooccurrence_records_matched_total",
				Help: "Records with at least two qualifying concepts.",
			},
		),
		RecordErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cooccurrence_record_parse_errors_total",
				Help: "Malformed records skipped inside readable units.",
			},
		),
		PairsAddedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cooccurrence_pairs_added_total",
				Help: "Unordered concept pairs counted.",
			},
		),
		CheckpointFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cooccurrence_checkpoint_flushes_total",
				Help: "Checkpoint flush operations by status.",
			},
			[]string{"status"},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cooccurrence_checkpoint_flush_duration_seconds",
				Help:    "Time to persist cursor and matrix snapshot.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		NonZeroCells: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cooccurrence_nonzero_cells",
				Help: "Non-zero cells of the symmetric matrix at the last flush.",
			},
		),
		UnitsRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cooccurrence_units_remaining",
				Help: "Source units not yet completed in this run.",
			},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cooccurrence_active_workers",
				Help: "Workers currently streaming a source unit.",
			},
		),
	}

	reg.MustRegister(
		m.UnitsTotal,
		m.UnitDuration,
		m.RecordsSeenTotal,
		m.RecordsMatchedTotal,
		m.RecordErrorsTotal,
		m.PairsAddedTotal,
		m.CheckpointFlushes,
		m.FlushDuration,
		m.NonZeroCells,
		m.UnitsRemaining,
		m.ActiveWorkers,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
