package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics aggregates the counters and gauges for the lending flow.
type LendingMetrics struct {
	loansCreated     prometheus.Counter
	loansRepaid      prometheus.Counter
	tranchesReleased prometheus.Counter
	tranchesClaimed  prometheus.Counter
	vaultEntries     *prometheus.CounterVec
	vaultTotal       prometheus.Gauge
	approvals        prometheus.Counter
	mirrorFailures   *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the process-wide lending metrics, registering them on
// first use.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			loansCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circlefund_loans_created_total",
				Help: "Count of loans created.",
			}),
			loansRepaid: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circlefund_loans_repaid_total",
				Help: "Count of loans fully repaid.",
			}),
			tranchesReleased: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circlefund_tranches_released_total",
				Help: "Count of tranches released by quorum.",
			}),
			tranchesClaimed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circlefund_tranches_claimed_total",
				Help: "Count of tranches claimed by borrowers.",
			}),
			vaultEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "circlefund_vault_entries_total",
				Help: "Count of vault ledger entries by kind.",
			}, []string{"kind"}),
			vaultTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "circlefund_vault_total_cents",
				Help: "Current vault total in minor units.",
			}),
			approvals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circlefund_proof_approvals_total",
				Help: "Count of recorded proof approvals.",
			}),
			mirrorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "circlefund_mirror_failures_total",
				Help: "Number of failed chain mirror calls by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			lendingRegistry.loansCreated,
			lendingRegistry.loansRepaid,
			lendingRegistry.tranchesReleased,
			lendingRegistry.tranchesClaimed,
			lendingRegistry.vaultEntries,
			lendingRegistry.vaultTotal,
			lendingRegistry.approvals,
			lendingRegistry.mirrorFailures,
		)
	})
	return lendingRegistry
}

// LoanCreated increments the created-loan counter.
func (m *LendingMetrics) LoanCreated() { m.loansCreated.Inc() }

// LoanRepaid increments the repaid-loan counter.
func (m *LendingMetrics) LoanRepaid() { m.loansRepaid.Inc() }

// TrancheReleased increments the released-tranche counter.
func (m *LendingMetrics) TrancheReleased() { m.tranchesReleased.Inc() }

// TrancheClaimed increments the claimed-tranche counter.
func (m *LendingMetrics) TrancheClaimed() { m.tranchesClaimed.Inc() }

// VaultEntry counts a ledger entry by kind.
func (m *LendingMetrics) VaultEntry(kind string) { m.vaultEntries.WithLabelValues(kind).Inc() }

// SetVaultTotal records the current vault total.
func (m *LendingMetrics) SetVaultTotal(cents int64) { m.vaultTotal.Set(float64(cents)) }

// ApprovalRecorded increments the approval counter.
func (m *LendingMetrics) ApprovalRecorded() { m.approvals.Inc() }

// MirrorFailure counts a failed mirror call by operation.
func (m *LendingMetrics) MirrorFailure(operation string) {
	m.mirrorFailures.WithLabelValues(operation).Inc()
}
