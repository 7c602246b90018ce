/*
allocator.go - PaymentAllocator

PURPOSE:
  Decides how a payment amount is spread. Pure: no I/O, no clock, no
  mutation of its inputs. The same inputs always produce the same plan.

MODES:
  Scheduled: the loan has installments. Unpaid installments are filled
             oldest-first (DueDate, then Sequence, then ID).
  Ad-hoc:    the loan has no installments. The whole amount applies to
             the undivided outstanding balance.

EXAMPLE:
  Jan 1 ($100 due), Feb 1 ($100 due), payment $150
    → [{Jan, 100}, {Feb, 50}]

  Outstanding $200, payment $250
    → ExcessPaymentError{Remainder: 50}

SEE ALSO:
  - coordinator.go: Applies the plan inside a transaction
*/
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

type AllocationMode string

const (
	ModeScheduled AllocationMode = "scheduled"
	ModeAdHoc     AllocationMode = "ad_hoc"
)

// Allocation is one unit of a plan.
type Allocation struct {
	InstallmentID InstallmentID // empty in ad-hoc mode
	Amount        decimal.Decimal
}

type Plan struct {
	Mode        AllocationMode
	LoanID      LoanID
	Allocations []Allocation
	Total       decimal.Decimal
}

// Allocate builds the allocation plan for amount. The caller validates that
// amount is positive.
func Allocate(loan Loan, installments []Installment, amount decimal.Decimal) (Plan, error) {
	if len(installments) == 0 {
		return allocateAdHoc(loan, amount)
	}
	return allocateScheduled(loan, installments, amount)
}

func allocateAdHoc(loan Loan, amount decimal.Decimal) (Plan, error) {
	if amount.GreaterThan(loan.OutstandingBalance) {
		return Plan{}, &ExcessPaymentError{
			LoanID:      loan.ID,
			Requested:   amount,
			Allocatable: loan.OutstandingBalance,
			Remainder:   amount.Sub(loan.OutstandingBalance),
		}
	}
	return Plan{
		Mode:        ModeAdHoc,
		LoanID:      loan.ID,
		Allocations: []Allocation{{Amount: amount}},
		Total:       amount,
	}, nil
}

func allocateScheduled(loan Loan, installments []Installment, amount decimal.Decimal) (Plan, error) {
	unpaid := make([]Installment, 0, len(installments))
	for _, inst := range installments {
		if inst.Unpaid() {
			unpaid = append(unpaid, inst)
		}
	}
	SortInstallments(unpaid)

	plan := Plan{Mode: ModeScheduled, LoanID: loan.ID, Total: decimal.Zero}
	remaining := amount
	for _, inst := range unpaid {
		if !remaining.IsPositive() {
			break
		}
		apply := decimal.Min(remaining, inst.Remaining())
		plan.Allocations = append(plan.Allocations, Allocation{InstallmentID: inst.ID, Amount: apply})
		plan.Total = plan.Total.Add(apply)
		remaining = remaining.Sub(apply)
	}

	if remaining.IsPositive() {
		return Plan{}, &ExcessPaymentError{
			LoanID:      loan.ID,
			Requested:   amount,
			Allocatable: plan.Total,
			Remainder:   remaining,
		}
	}
	return plan, nil
}

// SortInstallments orders installments by DueDate, then Sequence, then ID.
// Storage order never leaks into allocation.
func SortInstallments(insts []Installment) {
	sort.SliceStable(insts, func(i, j int) bool {
		a, b := insts[i], insts[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.ID < b.ID
	})
}
