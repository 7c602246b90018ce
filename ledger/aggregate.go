/*
aggregate.go - Ledger aggregate recompute and invariant checks

PURPOSE:
  Rebuilds every derived field of a LoanState from its primary facts
  (installment amounts paid and the ad-hoc payment total):

    totalPaid        = sum(installment.AmountPaid) + AdHocPaid
    outstanding      = max(0, totalPayable - totalPaid)
    upcomingDueDate  = earliest unpaid installment's due date, or nil
    installment.Status, loan.Status via the StatusDeriver

  Nothing here is incremental. Running Recompute twice yields the same state.

INVARIANTS (CheckInvariants):
  conservation      sum(amountPaid) + adHoc == totalPaid
  outstanding       outstanding == max(0, totalPayable - totalPaid)
  installment_cap   0 <= amountPaid <= amountDue
  derived_status    loan.Status == DeriveStatus(state, asOf)
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Recompute updates all derived fields of state in place. It reports
// whether anything observable changed.
func Recompute(state *LoanState, asOf time.Time) bool {
	before := state.Clone()

	SortInstallments(state.Installments)

	paid := state.AdHocPaid
	var upcoming *time.Time
	for i := range state.Installments {
		inst := &state.Installments[i]
		inst.Status = DeriveInstallmentStatus(*inst, asOf)
		paid = paid.Add(inst.AmountPaid)
		if upcoming == nil && inst.Unpaid() {
			d := inst.DueDate
			upcoming = &d
		}
	}

	loan := &state.Loan
	loan.TotalPaid = paid
	loan.OutstandingBalance = decimal.Max(decimal.Zero, loan.TotalPayable.Sub(paid))
	if loan.OutstandingBalance.IsZero() {
		upcoming = nil
	}
	loan.UpcomingDueDate = upcoming

	// Origination statuses stay put until the first payment lands;
	// everything else, pending included, is derived.
	if !preDerivation(loan.Status) || !loan.TotalPaid.IsZero() {
		loan.Status = DeriveStatus(state, asOf)
	}

	return changed(before, state)
}

// preDerivation reports statuses owned by origination.
func preDerivation(s Status) bool {
	switch s {
	case StatusDraft, StatusRejected, StatusApproved:
		return true
	}
	return false
}

func changed(a, b *LoanState) bool {
	la, lb := a.Loan, b.Loan
	if la.Status != lb.Status ||
		!la.TotalPaid.Equal(lb.TotalPaid) ||
		!la.OutstandingBalance.Equal(lb.OutstandingBalance) ||
		!timePtrEqual(la.UpcomingDueDate, lb.UpcomingDueDate) {
		return true
	}
	if len(a.Installments) != len(b.Installments) {
		return true
	}
	byID := make(map[InstallmentID]Installment, len(a.Installments))
	for _, inst := range a.Installments {
		byID[inst.ID] = inst
	}
	for _, inst := range b.Installments {
		prev, ok := byID[inst.ID]
		if !ok || prev.Status != inst.Status || !prev.AmountPaid.Equal(inst.AmountPaid) {
			return true
		}
	}
	return false
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// CheckInvariants verifies the post-commit invariants of state.
func CheckInvariants(state *LoanState, asOf time.Time) error {
	sum := state.AdHocPaid
	for _, inst := range state.Installments {
		if inst.AmountPaid.IsNegative() || inst.AmountPaid.GreaterThan(inst.AmountDue) {
			return &InvariantError{
				Rule:   "installment_cap",
				Detail: fmt.Sprintf("installment %s paid %s of %s", inst.ID, inst.AmountPaid, inst.AmountDue),
			}
		}
		sum = sum.Add(inst.AmountPaid)
	}

	loan := state.Loan
	if !sum.Equal(loan.TotalPaid) {
		return &InvariantError{
			Rule:   "conservation",
			Detail: fmt.Sprintf("components sum to %s, totalPaid is %s", sum, loan.TotalPaid),
		}
	}

	want := decimal.Max(decimal.Zero, loan.TotalPayable.Sub(loan.TotalPaid))
	if !loan.OutstandingBalance.Equal(want) {
		return &InvariantError{
			Rule:   "outstanding",
			Detail: fmt.Sprintf("outstanding %s, expected %s", loan.OutstandingBalance, want),
		}
	}

	if !(preDerivation(loan.Status) && loan.TotalPaid.IsZero()) {
		if derived := DeriveStatus(state, asOf); loan.Status != derived {
			return &InvariantError{
				Rule:   "derived_status",
				Detail: fmt.Sprintf("status %s, derived %s", loan.Status, derived),
			}
		}
	}
	return nil
}
