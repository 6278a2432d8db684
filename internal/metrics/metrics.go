// Package metrics holds the Prometheus collectors for the ledger.
package metrics

import (
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Write outcomes
const (
	OutcomeCreated  = "created"
	OutcomeExisting = "existing"
	OutcomeRejected = "rejected"
	OutcomeAborted  = "aborted"
	OutcomeFailed   = "failed"
)

// LedgerMetrics groups the ledger collectors. A nil *LedgerMetrics is valid
// and records nothing.
type LedgerMetrics struct {
	writes          *prometheus.CounterVec
	writeDuration   *prometheus.HistogramVec
	driftAccounts   *prometheus.GaugeVec
	driftPoints     *prometheus.GaugeVec
	driftScans      *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

// NewLedgerMetrics registers the collectors with reg
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &LedgerMetrics{
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_writes_total",
			Help: "Ledger write requests by reason and outcome.",
		}, []string{"reason", "outcome"}),
		writeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_write_duration_seconds",
			Help:    "Time spent applying a ledger entry, including the account lock wait.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"outcome"}),
		driftAccounts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_drift_accounts",
			Help: "Accounts whose cached balance disagreed with the ledger on the last scan.",
		}, []string{"tenant"}),
		driftPoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_drift_points",
			Help: "Sum of absolute drift found on the last scan.",
		}, []string{"tenant"}),
		driftScans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_drift_scans_total",
			Help: "Drift scans run, by result.",
		}, []string{"result"}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_reconciliations_total",
			Help: "Explicit balance reconciliations by tenant.",
		}, []string{"tenant"}),
	}
}

// ObserveWrite records one write request
func (m *LedgerMetrics) ObserveWrite(reason models.Reason, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.writes.WithLabelValues(string(reason), outcome).Inc()
	m.writeDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// ObserveDriftScan replaces the drift gauges with the findings of one scan.
// An empty tenant means the scan covered all tenants.
func (m *LedgerMetrics) ObserveDriftScan(tenant string, records []models.DriftRecord) {
	if m == nil {
		return
	}
	if tenant == "" {
		tenant = "all"
	}

	var points int64
	for _, r := range records {
		if r.Drift < 0 {
			points -= r.Drift
		} else {
			points += r.Drift
		}
	}
	m.driftAccounts.WithLabelValues(tenant).Set(float64(len(records)))
	m.driftPoints.WithLabelValues(tenant).Set(float64(points))

	result := "clean"
	if len(records) > 0 {
		result = "drift"
	}
	m.driftScans.WithLabelValues(result).Inc()
}

// ObserveDriftScanError counts a scan that failed to run
func (m *LedgerMetrics) ObserveDriftScanError() {
	if m == nil {
		return
	}
	m.driftScans.WithLabelValues("error").Inc()
}

// ObserveReconciliation counts one explicit balance overwrite
func (m *LedgerMetrics) ObserveReconciliation(tenant string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(tenant).Inc()
}
