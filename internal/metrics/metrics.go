// Package metrics holds the Prometheus instrumentation for the platform.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/etlmon/backend/internal/core"
)

// Metrics holds all Prometheus metrics for the execution engine
type Metrics struct {
	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RecordsLoaded     *prometheus.CounterVec
	RecordsIngested   *prometheus.CounterVec

	// Lock metrics
	ActiveLocks prometheus.Gauge

	// Backfill metrics
	BackfillsTotal *prometheus.CounterVec
	GapScansTotal  prometheus.Counter
	GapsDetected   *prometheus.CounterVec

	// Source metrics
	SourceQueryDuration *prometheus.HistogramVec
	BreakerState        *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlmon_executions_total",
				Help: "Total number of loader executions by terminal status",
			},
			[]string{"loader", "status"}, // status: SUCCESS, PARTIAL, FAILED
		),

		ExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etlmon_execution_duration_seconds",
				Help:    "Wall-clock duration of one loader execution",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"loader"},
		),

		RecordsLoaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlmon_records_loaded_total",
				Help: "Raw rows returned by source queries",
			},
			[]string{"loader"},
		),

		RecordsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlmon_records_ingested_total",
				Help: "Aggregated signal rows written to the signals store",
			},
			[]string{"loader"},
		),

		ActiveLocks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "etlmon_active_locks",
				Help: "Execution locks currently held by this replica",
			},
		),

		BackfillsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlmon_backfills_total",
				Help: "Backfill jobs finished by terminal status",
			},
			[]string{"loader", "status"}, // status: SUCCESS, FAILED, CANCELLED
		),

		GapScansTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "etlmon_gap_scans_total",
				Help: "Completed gap scanner passes",
			},
		),

		GapsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlmon_gaps_detected_total",
				Help: "Gaps detected by kind",
			},
			[]string{"loader", "kind"}, // kind: START_GAP, END_GAP, TIMELINE_GAP
		),

		SourceQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etlmon_source_query_duration_seconds",
				Help:    "Duration of queries against external source databases",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "etlmon_source_breaker_state",
				Help: "Circuit breaker state per source (0 closed, 1 half-open, 2 open)",
			},
			[]string{"source"},
		),
	}
}

// ObserveExecution records one finished loader execution. Satisfies the
// pipeline's Metrics interface.
func (m *Metrics) ObserveExecution(loaderCode string, status core.HistoryStatus, duration time.Duration, loaded, ingested int64) {
	m.ExecutionsTotal.WithLabelValues(loaderCode, string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(loaderCode).Observe(duration.Seconds())
	m.RecordsLoaded.WithLabelValues(loaderCode).Add(float64(loaded))
	m.RecordsIngested.WithLabelValues(loaderCode).Add(float64(ingested))
}

// ObserveBackfill records one finished backfill job.
func (m *Metrics) ObserveBackfill(loaderCode string, status core.BackfillStatus) {
	m.BackfillsTotal.WithLabelValues(loaderCode, string(status)).Inc()
}

// ObserveGapScan records a scanner pass and its findings.
func (m *Metrics) ObserveGapScan(gapsByKind map[string]int, loaderCode string) {
	m.GapScansTotal.Inc()
	for kind, n := range gapsByKind {
		m.GapsDetected.WithLabelValues(loaderCode, kind).Add(float64(n))
	}
}

// ObserveSourceQuery records one source query round trip.
func (m *Metrics) ObserveSourceQuery(sourceCode string, duration time.Duration) {
	m.SourceQueryDuration.WithLabelValues(sourceCode).Observe(duration.Seconds())
}

// SetBreakerState mirrors a breaker state change into the gauge.
func (m *Metrics) SetBreakerState(sourceCode string, state int) {
	m.BreakerState.WithLabelValues(sourceCode).Set(float64(state))
}

// LockAcquired and LockReleased track this replica's held locks.
func (m *Metrics) LockAcquired() { m.ActiveLocks.Inc() }
func (m *Metrics) LockReleased() { m.ActiveLocks.Dec() }
