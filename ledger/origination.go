package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ORIGINATION - Building a consistent initial LoanState
// =============================================================================

// PayableFunc computes the total payable for a loan. It stands in for the
// external interest calculator.
type PayableFunc func(principal, annualRate decimal.Decimal, months int) decimal.Decimal

// FlatInterest returns principal × (1 + rate × months / 12), rounded to cents.
func FlatInterest(principal, annualRate decimal.Decimal, months int) decimal.Decimal {
	years := decimal.NewFromInt(int64(months)).Div(decimal.NewFromInt(12))
	return principal.Mul(decimal.NewFromInt(1).Add(annualRate.Mul(years))).Round(2)
}

type LoanParams struct {
	ID             LoanID // generated when empty
	AgencyID       AgencyID
	Principal      decimal.Decimal
	InterestRate   decimal.Decimal
	DurationMonths int
	// TotalPayable overrides the computed amount when non-zero.
	TotalPayable decimal.Decimal
	Currency     string
	// Status defaults to pending.
	Status Status
}

type InstallmentParams struct {
	ID        InstallmentID // generated when empty
	DueDate   time.Time
	AmountDue decimal.Decimal
}

// NewLoan validates params and returns a fresh state with nothing paid.
//
// TotalPayable resolution: explicit value, else the schedule total when a
// schedule is given, else payable(principal, rate, months). An explicit
// value given with a schedule must equal the schedule total.
func NewLoan(p LoanParams, schedule []InstallmentParams, payable PayableFunc, now time.Time) (*LoanState, error) {
	if p.AgencyID == "" {
		return nil, &ValidationError{Field: "agency_id", Reason: "is required"}
	}
	if !p.Principal.IsPositive() {
		return nil, &ValidationError{Field: "principal", Reason: "must be greater than zero"}
	}
	if p.InterestRate.IsNegative() {
		return nil, &ValidationError{Field: "interest_rate", Reason: "must not be negative"}
	}

	status := p.Status
	if status == "" {
		status = StatusPending
	}
	switch status {
	case StatusDraft, StatusApproved, StatusPending, StatusActive:
	default:
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not an origination status", status)}
	}

	id := p.ID
	if id == "" {
		id = LoanID(uuid.NewString())
	}

	installments := make([]Installment, 0, len(schedule))
	scheduled := decimal.Zero
	for i, sp := range schedule {
		if !sp.AmountDue.IsPositive() {
			return nil, &ValidationError{Field: fmt.Sprintf("installments[%d].amount_due", i), Reason: "must be greater than zero"}
		}
		if sp.DueDate.IsZero() {
			return nil, &ValidationError{Field: fmt.Sprintf("installments[%d].due_date", i), Reason: "is required"}
		}
		instID := sp.ID
		if instID == "" {
			instID = InstallmentID(uuid.NewString())
		}
		installments = append(installments, Installment{
			ID:         instID,
			LoanID:     id,
			Sequence:   i + 1,
			DueDate:    Day(sp.DueDate),
			AmountDue:  sp.AmountDue,
			AmountPaid: decimal.Zero,
			Status:     InstallmentPending,
		})
		scheduled = scheduled.Add(sp.AmountDue)
	}

	total := p.TotalPayable
	switch {
	case total.IsPositive():
	case len(installments) > 0:
		total = scheduled
	case payable != nil:
		total = payable(p.Principal, p.InterestRate, p.DurationMonths)
	default:
		total = p.Principal
	}
	// A schedule that does not sum to the total leaves a balance no
	// installment can absorb, so the loan could never complete.
	if len(installments) > 0 && !scheduled.Equal(total) {
		return nil, &ValidationError{
			Field:  "installments",
			Reason: fmt.Sprintf("sum %s does not match total payable %s", scheduled, total),
		}
	}

	state := &LoanState{
		Loan: Loan{
			ID:                 id,
			AgencyID:           p.AgencyID,
			Principal:          p.Principal,
			InterestRate:       p.InterestRate,
			DurationMonths:     p.DurationMonths,
			TotalPayable:       total,
			TotalPaid:          decimal.Zero,
			OutstandingBalance: total,
			Status:             status,
			Currency:           p.Currency,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		Installments: installments,
		AdHocPaid:    decimal.Zero,
	}
	SortInstallments(state.Installments)
	for i := range state.Installments {
		state.Installments[i].Status = DeriveInstallmentStatus(state.Installments[i], now)
	}
	if len(state.Installments) > 0 {
		d := state.Installments[0].DueDate
		state.Loan.UpcomingDueDate = &d
	}
	return state, nil
}
