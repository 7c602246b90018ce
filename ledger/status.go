/*
status.go - StatusDeriver

PURPOSE:
  Computes a loan's lifecycle status from its ledger and installments.
  Pure: the result depends only on (state, asOf). Status is recomputed
  wholesale on every evaluation, never patched incrementally, so a loan
  moves from overdue back to active once arrears are cleared.

PRIORITY (first match wins):
  1. completed  outstanding balance <= 0
  2. defaulted  an unpaid installment is DefaultAfterDays or more past due
  3. overdue    an unpaid installment's due date has passed
  4. active     otherwise

  Defaulted is re-derivable like every other status.

SEE ALSO:
  - aggregate.go: Recompute calls DeriveStatus after updating totals
*/
package ledger

import "time"

// DefaultAfterDays is how far past due an unpaid installment must be for the
// loan to count as defaulted.
const DefaultAfterDays = 90

// DeriveStatus returns the loan status for state as of asOf.
func DeriveStatus(state *LoanState, asOf time.Time) Status {
	if !state.Loan.OutstandingBalance.IsPositive() {
		return StatusCompleted
	}

	today := Day(asOf)
	overdue := false
	for _, inst := range state.Installments {
		if !inst.Unpaid() {
			continue
		}
		due := Day(inst.DueDate)
		if !due.Before(today) {
			continue
		}
		if DaysBetween(due, today) >= DefaultAfterDays {
			return StatusDefaulted
		}
		overdue = true
	}
	if overdue {
		return StatusOverdue
	}
	return StatusActive
}

// DeriveInstallmentStatus returns paid, overdue or pending for inst.
func DeriveInstallmentStatus(inst Installment, asOf time.Time) InstallmentStatus {
	switch {
	case !inst.Unpaid():
		return InstallmentPaid
	case Day(inst.DueDate).Before(Day(asOf)):
		return InstallmentOverdue
	default:
		return InstallmentPending
	}
}
