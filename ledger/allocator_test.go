package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func inst(id string, seq int, due time.Time, amountDue, paid string) ledger.Installment {
	return ledger.Installment{
		ID:         ledger.InstallmentID(id),
		LoanID:     "loan-1",
		Sequence:   seq,
		DueDate:    due,
		AmountDue:  dec(amountDue),
		AmountPaid: dec(paid),
		Status:     ledger.InstallmentPending,
	}
}

func loanWith(total, paid string) ledger.Loan {
	t, p := dec(total), dec(paid)
	return ledger.Loan{
		ID:                 "loan-1",
		AgencyID:           "agency-1",
		TotalPayable:       t,
		TotalPaid:          p,
		OutstandingBalance: decimal.Max(decimal.Zero, t.Sub(p)),
		Status:             ledger.StatusActive,
	}
}

// =============================================================================
// SCHEDULED MODE
// =============================================================================

func TestAllocate_OldestFirst_SpillsIntoNextInstallment(t *testing.T) {
	// GIVEN: Jan 1 and Feb 1 installments of 100 each, nothing paid
	// WHEN: 150 is paid
	// THEN: Jan is filled, Feb receives the remaining 50
	insts := []ledger.Installment{
		inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "0"),
		inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "0"),
	}

	plan, err := ledger.Allocate(loanWith("200", "0"), insts, dec("150"))
	require.NoError(t, err)

	assert.Equal(t, ledger.ModeScheduled, plan.Mode)
	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, ledger.InstallmentID("jan"), plan.Allocations[0].InstallmentID)
	assert.True(t, dec("100").Equal(plan.Allocations[0].Amount))
	assert.Equal(t, ledger.InstallmentID("feb"), plan.Allocations[1].InstallmentID)
	assert.True(t, dec("50").Equal(plan.Allocations[1].Amount))
	assert.True(t, dec("150").Equal(plan.Total))
}

func TestAllocate_SkipsPaidAndFillsPartial(t *testing.T) {
	// GIVEN: Jan fully paid, Feb 40 of 100 paid
	// WHEN: 60 is paid
	// THEN: Only Feb is touched and becomes exactly full
	insts := []ledger.Installment{
		inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "100"),
		inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "40"),
		inst("mar", 3, ledger.Date(2025, time.March, 1), "100", "0"),
	}

	plan, err := ledger.Allocate(loanWith("300", "140"), insts, dec("60"))
	require.NoError(t, err)

	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, ledger.InstallmentID("feb"), plan.Allocations[0].InstallmentID)
	assert.True(t, dec("60").Equal(plan.Allocations[0].Amount))
}

func TestAllocate_SameDueDate_OrderedBySequence(t *testing.T) {
	// GIVEN: Two installments due the same day, supplied out of order
	// WHEN: 30 is paid
	// THEN: The lower sequence is filled first
	due := ledger.Date(2025, time.January, 1)
	insts := []ledger.Installment{
		inst("b", 2, due, "50", "0"),
		inst("a", 1, due, "20", "0"),
	}

	plan, err := ledger.Allocate(loanWith("70", "0"), insts, dec("30"))
	require.NoError(t, err)

	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, ledger.InstallmentID("a"), plan.Allocations[0].InstallmentID)
	assert.True(t, dec("20").Equal(plan.Allocations[0].Amount))
	assert.Equal(t, ledger.InstallmentID("b"), plan.Allocations[1].InstallmentID)
	assert.True(t, dec("10").Equal(plan.Allocations[1].Amount))
}

func TestAllocate_Excess_ReportsRemainder(t *testing.T) {
	// GIVEN: 200 left across two installments
	// WHEN: 250 is paid
	// THEN: ExcessPaymentError with remainder 50, no plan
	insts := []ledger.Installment{
		inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "0"),
		inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "0"),
	}

	_, err := ledger.Allocate(loanWith("200", "0"), insts, dec("250"))
	require.ErrorIs(t, err, ledger.ErrExcessPayment)

	var excess *ledger.ExcessPaymentError
	require.ErrorAs(t, err, &excess)
	assert.True(t, dec("50").Equal(excess.Remainder), "remainder: %s", excess.Remainder)
	assert.True(t, dec("200").Equal(excess.Allocatable))
}

func TestAllocate_DoesNotMutateInputs(t *testing.T) {
	insts := []ledger.Installment{
		inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "0"),
		inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "0"),
	}

	_, err := ledger.Allocate(loanWith("200", "0"), insts, dec("150"))
	require.NoError(t, err)

	assert.Equal(t, ledger.InstallmentID("feb"), insts[0].ID, "input order must be preserved")
	assert.True(t, insts[0].AmountPaid.IsZero())
	assert.True(t, insts[1].AmountPaid.IsZero())
}

// =============================================================================
// AD-HOC MODE
// =============================================================================

func TestAllocate_AdHoc_WholeAmountAgainstBalance(t *testing.T) {
	// GIVEN: A loan without installments, 500 outstanding
	// WHEN: 120 is paid
	// THEN: One ad-hoc allocation of 120
	plan, err := ledger.Allocate(loanWith("500", "0"), nil, dec("120"))
	require.NoError(t, err)

	assert.Equal(t, ledger.ModeAdHoc, plan.Mode)
	require.Len(t, plan.Allocations, 1)
	assert.Empty(t, plan.Allocations[0].InstallmentID)
	assert.True(t, dec("120").Equal(plan.Allocations[0].Amount))
}

func TestAllocate_AdHoc_ExactBalanceAllowed(t *testing.T) {
	plan, err := ledger.Allocate(loanWith("500", "380"), nil, dec("120"))
	require.NoError(t, err)
	assert.True(t, dec("120").Equal(plan.Total))
}

func TestAllocate_AdHoc_Excess(t *testing.T) {
	_, err := ledger.Allocate(loanWith("500", "380"), nil, dec("120.01"))

	var excess *ledger.ExcessPaymentError
	require.ErrorAs(t, err, &excess)
	assert.True(t, dec("0.01").Equal(excess.Remainder))
}
