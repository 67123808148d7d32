// Package metrics holds the Prometheus collectors for runs, leases, gaps and retries.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests and one-shot CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "possync"

type Metrics struct {
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	recordsLoaded    *prometheus.CounterVec
	ledgerWriteErrs  *prometheus.CounterVec
	orphansKilled    *prometheus.CounterVec
	leaseHeld        *prometheus.CounterVec
	gapsDetected     *prometheus.GaugeVec
	recoveries       *prometheus.CounterVec
	pendingRetries   *prometheus.GaugeVec
	exhaustedRetries *prometheus.CounterVec
	lastCycle        *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "source_runs_total",
			Help: "Source executions by terminal status.",
		}, []string{"job_kind", "mode", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "source_run_duration_seconds",
			Help:    "Wall time of one source execution including retries.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"job_kind", "mode"}),
		recordsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_loaded_total",
			Help: "Records reported loaded by the run callback.",
		}, []string{"job_kind"}),
		ledgerWriteErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_write_errors_total",
			Help: "Ledger writes that failed and were swallowed.",
		}, []string{"op"}),
		orphansKilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orphans_killed_total",
			Help: "Running rows marked killed by orphan cleanup.",
		}, []string{"job_kind"}),
		leaseHeld: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lease_held_total",
			Help: "Triggers skipped or rejected because another run held the lease.",
		}, []string{"job_kind", "trigger"}),
		gapsDetected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "coverage_gaps",
			Help: "Uncovered business-hour gaps found by the last detection pass.",
		}, []string{"job_kind"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gap_recoveries_total",
			Help: "Gap replays by outcome.",
		}, []string{"job_kind", "outcome"}),
		pendingRetries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_retries",
			Help: "Sources waiting for a scheduled retry.",
		}, []string{"job_kind"}),
		exhaustedRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_exhausted_total",
			Help: "Sources dropped from retries after reaching max_retries.",
		}, []string{"job_kind"}),
		lastCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_cycle_timestamp_seconds",
			Help: "Unix time the last daily cycle finished.",
		}, []string{"job_kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.runs, m.runDuration, m.recordsLoaded, m.ledgerWriteErrs, m.orphansKilled,
			m.leaseHeld, m.gapsDetected, m.recoveries, m.pendingRetries, m.exhaustedRetries, m.lastCycle,
		)
	}
	return m
}

func (m *Metrics) ObserveRun(jobKind, mode, status string, took time.Duration, loaded int64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(jobKind, mode, status).Inc()
	m.runDuration.WithLabelValues(jobKind, mode).Observe(took.Seconds())
	if loaded > 0 {
		m.recordsLoaded.WithLabelValues(jobKind).Add(float64(loaded))
	}
}

func (m *Metrics) LedgerWriteError(op string) {
	if m == nil {
		return
	}
	m.ledgerWriteErrs.WithLabelValues(op).Inc()
}

func (m *Metrics) OrphansKilled(jobKind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.orphansKilled.WithLabelValues(jobKind).Add(float64(n))
}

func (m *Metrics) LeaseHeld(jobKind, trigger string) {
	if m == nil {
		return
	}
	m.leaseHeld.WithLabelValues(jobKind, trigger).Inc()
}

func (m *Metrics) GapsDetected(jobKind string, n int) {
	if m == nil {
		return
	}
	m.gapsDetected.WithLabelValues(jobKind).Set(float64(n))
}

func (m *Metrics) Recovery(jobKind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "recovered"
	}
	m.recoveries.WithLabelValues(jobKind, outcome).Inc()
}

func (m *Metrics) PendingRetries(jobKind string, n int) {
	if m == nil {
		return
	}
	m.pendingRetries.WithLabelValues(jobKind).Set(float64(n))
}

func (m *Metrics) RetryExhausted(jobKind string) {
	if m == nil {
		return
	}
	m.exhaustedRetries.WithLabelValues(jobKind).Inc()
}

func (m *Metrics) CycleFinished(jobKind string, at time.Time) {
	if m == nil {
		return
	}
	m.lastCycle.WithLabelValues(jobKind).Set(float64(at.Unix()))
}
