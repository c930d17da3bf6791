// Package metrics exposes storygate's Prometheus collectors.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for gates, drift, locks and rollbacks.
//
// All record methods are safe to call on a nil *Metrics.
type Metrics struct {
	GateResultsTotal   *prometheus.CounterVec
	DriftReportsTotal  *prometheus.CounterVec
	LockConflictsTotal prometheus.Counter
	LocksEvictedTotal  prometheus.Counter
	RollbacksTotal     *prometheus.CounterVec
	RollbackDuration   prometheus.Histogram
}

// NewMetrics creates and registers the collectors with the default registry.
//
// Registration happens once per process; later calls return the same set.
//
// Metrics:
//   - storygate_gate_results_total{gate,passed}
//   - storygate_drift_reports_total{severity}
//   - storygate_lock_conflicts_total
//   - storygate_locks_evicted_total
//   - storygate_rollbacks_total{status}
//   - storygate_rollback_duration_seconds
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			GateResultsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "storygate_gate_results_total",
					Help: "Total number of gate evaluations",
				},
				[]string{"gate", "passed"},
			),

			DriftReportsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "storygate_drift_reports_total",
					Help: "Total number of drift reports by severity",
				},
				[]string{"severity"},
			),

			LockConflictsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "storygate_lock_conflicts_total",
					Help: "Total number of lock acquisitions refused because of a live holder",
				},
			),

			LocksEvictedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "storygate_locks_evicted_total",
					Help: "Total number of stale locks evicted",
				},
			),

			RollbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "storygate_rollbacks_total",
					Help: "Total number of rollbacks by final status",
				},
				[]string{"status"}, // "completed", "partial", "failed"
			),

			RollbackDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "storygate_rollback_duration_seconds",
					Help:    "Duration of rollback execution in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
				},
			),
		}
	})

	return globalMetrics
}

// RecordGateResult records one gate evaluation.
func (m *Metrics) RecordGateResult(gate string, passed bool) {
	if m == nil {
		return
	}
	m.GateResultsTotal.WithLabelValues(gate, strconv.FormatBool(passed)).Inc()
}

// RecordDriftReport records a drift report of the given severity.
func (m *Metrics) RecordDriftReport(severity string) {
	if m == nil {
		return
	}
	m.DriftReportsTotal.WithLabelValues(severity).Inc()
}

// RecordLockConflict records a refused acquisition.
func (m *Metrics) RecordLockConflict() {
	if m == nil {
		return
	}
	m.LockConflictsTotal.Inc()
}

// RecordLockEviction records a stale lock eviction.
func (m *Metrics) RecordLockEviction() {
	if m == nil {
		return
	}
	m.LocksEvictedTotal.Inc()
}

// RecordRollback records a finished rollback with its duration.
func (m *Metrics) RecordRollback(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(status).Inc()
	m.RollbackDuration.Observe(durationSeconds)
}
