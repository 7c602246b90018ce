package ledger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Payment outcomes, used as the "outcome" label.
const (
	outcomeApplied    = "applied"
	outcomeReplayed   = "replayed"
	outcomeValidation = "rejected_validation"
	outcomeState      = "rejected_state"
	outcomeExcess     = "rejected_excess"
	outcomeFailed     = "failed"
)

var (
	paymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_payments_total",
			Help: "Payment requests handled by the coordinator, by outcome",
		},
		[]string{"outcome"},
	)

	txConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_tx_conflicts_total",
			Help: "Optimistic concurrency conflicts seen by the coordinator",
		},
	)

	applyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_apply_duration_seconds",
			Help:    "Duration of ApplyPayment including retries",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
		},
	)
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeApplied
	case errors.Is(err, ErrValidation):
		return outcomeValidation
	case errors.Is(err, ErrInvalidLoanState):
		return outcomeState
	case errors.Is(err, ErrExcessPayment):
		return outcomeExcess
	default:
		return outcomeFailed
	}
}
