package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	ItemsAdministered *prometheus.CounterVec
	SubtestsStopped   *prometheus.CounterVec
	PolicyViolations  *prometheus.CounterVec
	ReportsBuilt      prometheus.Counter
	DIFItemsFlagged   *prometheus.GaugeVec
	ExposureFlushes   prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ItemsAdministered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chccat_items_administered_total",
			Help: "Items administered, by domain",
		}, []string{"domain"}),
		SubtestsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chccat_subtests_stopped_total",
			Help: "Subtests that reached a stop, by domain and reason",
		}, []string{"domain", "reason"}),
		PolicyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chccat_policy_violations_total",
			Help: "Anchor or family policy violations at subtest end",
		}, []string{"domain", "policy"}),
		ReportsBuilt: f.NewCounter(prometheus.CounterOpts{
			Name: "chccat_reports_built_total",
			Help: "Final score reports built",
		}),
		DIFItemsFlagged: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chccat_dif_items_flagged",
			Help: "Items flagged by the last DIF screen, by domain",
		}, []string{"domain"}),
		ExposureFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "chccat_exposure_flushes_total",
			Help: "Exposure ledger flushes to the persister",
		}),
	}
}

func (m *Metrics) IncrementAdministered(domain string) {
	if m == nil {
		return
	}
	m.ItemsAdministered.WithLabelValues(domain).Inc()
}

func (m *Metrics) IncrementStopped(domain, reason string) {
	if m == nil {
		return
	}
	m.SubtestsStopped.WithLabelValues(domain, reason).Inc()
}

func (m *Metrics) IncrementPolicyViolation(domain, policy string) {
	if m == nil {
		return
	}
	m.PolicyViolations.WithLabelValues(domain, policy).Inc()
}

func (m *Metrics) IncrementReports() {
	if m == nil {
		return
	}
	m.ReportsBuilt.Inc()
}

func (m *Metrics) SetFlagged(domain string, n int) {
	if m == nil {
		return
	}
	m.DIFItemsFlagged.WithLabelValues(domain).Set(float64(n))
}

func (m *Metrics) IncrementFlushes() {
	if m == nil {
		return
	}
	m.ExposureFlushes.Inc()
}
