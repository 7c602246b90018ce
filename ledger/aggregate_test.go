package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/ledger"
)

func TestRecompute_DerivesTotalsAndUpcoming(t *testing.T) {
	// GIVEN: Jan paid, Feb half paid, 10 paid ad-hoc
	// WHEN: Recompute runs in mid-January
	// THEN: totals add up and the upcoming date is Feb 1
	st := &ledger.LoanState{
		Loan: ledger.Loan{ID: "loan-1", AgencyID: "agency-1", TotalPayable: dec("300"), Status: ledger.StatusActive},
		Installments: []ledger.Installment{
			inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "50"),
			inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "100"),
			inst("mar", 3, ledger.Date(2025, time.March, 1), "100", "0"),
		},
		AdHocPaid: dec("10"),
	}

	changed := ledger.Recompute(st, ledger.Date(2025, time.January, 15))
	assert.True(t, changed)

	assert.True(t, dec("160").Equal(st.Loan.TotalPaid), "totalPaid: %s", st.Loan.TotalPaid)
	assert.True(t, dec("140").Equal(st.Loan.OutstandingBalance))
	require.NotNil(t, st.Loan.UpcomingDueDate)
	assert.Equal(t, ledger.Date(2025, time.February, 1), *st.Loan.UpcomingDueDate)
	assert.Equal(t, ledger.StatusActive, st.Loan.Status)

	assert.Equal(t, ledger.InstallmentID("jan"), st.Installments[0].ID, "installments are kept sorted")
	assert.Equal(t, ledger.InstallmentPaid, st.Installments[0].Status)
	assert.Equal(t, ledger.InstallmentPending, st.Installments[1].Status)

	require.NoError(t, ledger.CheckInvariants(st, ledger.Date(2025, time.January, 15)))
}

func TestRecompute_Idempotent(t *testing.T) {
	st := scheduledState("200",
		inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "30"),
		inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "0"))
	asOf := ledger.Date(2025, time.January, 20)

	ledger.Recompute(st, asOf)
	first := st.Clone()

	changed := ledger.Recompute(st, asOf)
	assert.False(t, changed)
	assert.Equal(t, first.Loan.Status, st.Loan.Status)
	assert.True(t, first.Loan.TotalPaid.Equal(st.Loan.TotalPaid))
	assert.True(t, first.Loan.OutstandingBalance.Equal(st.Loan.OutstandingBalance))
	assert.Equal(t, first.Loan.UpcomingDueDate, st.Loan.UpcomingDueDate)
}

func TestRecompute_OverpaidLoanClampsOutstanding(t *testing.T) {
	// GIVEN: Installments that sum above a lowered total payable
	// THEN: Outstanding never goes negative and the loan is completed
	st := &ledger.LoanState{
		Loan:         ledger.Loan{ID: "loan-1", TotalPayable: dec("90"), Status: ledger.StatusActive},
		Installments: []ledger.Installment{inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "100")},
		AdHocPaid:    dec("0"),
	}
	ledger.Recompute(st, ledger.Date(2025, time.January, 2))

	assert.True(t, st.Loan.OutstandingBalance.IsZero())
	assert.Nil(t, st.Loan.UpcomingDueDate)
	assert.Equal(t, ledger.StatusCompleted, st.Loan.Status)
}

func TestRecompute_CompletedClearsUpcoming(t *testing.T) {
	st := scheduledState("100", inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "100"))
	assert.Nil(t, st.Loan.UpcomingDueDate)
	assert.Equal(t, ledger.StatusCompleted, st.Loan.Status)
}

func TestRecompute_OverdueReturnsToActive(t *testing.T) {
	// GIVEN: A loan that is overdue on Jan
	// WHEN: Jan's arrears are cleared
	// THEN: Status goes back to active
	asOf := ledger.Date(2025, time.January, 10)
	st := scheduledState("200",
		inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "0"),
		inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "0"))
	ledger.Recompute(st, asOf)
	require.Equal(t, ledger.StatusOverdue, st.Loan.Status)

	st.Installments[0].AmountPaid = dec("100")
	ledger.Recompute(st, asOf)
	assert.Equal(t, ledger.StatusActive, st.Loan.Status)
}

func TestRecompute_ApprovedKeptUntilFirstPayment(t *testing.T) {
	asOf := ledger.Date(2025, time.January, 10)
	st := &ledger.LoanState{
		Loan:         ledger.Loan{ID: "loan-1", TotalPayable: dec("100"), Status: ledger.StatusApproved},
		Installments: []ledger.Installment{inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "0")},
		AdHocPaid:    dec("0"),
	}

	ledger.Recompute(st, asOf)
	assert.Equal(t, ledger.StatusApproved, st.Loan.Status)
	require.NoError(t, ledger.CheckInvariants(st, asOf))

	st.Installments[0].AmountPaid = dec("10")
	ledger.Recompute(st, asOf)
	assert.Equal(t, ledger.StatusOverdue, st.Loan.Status)
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestCheckInvariants_DetectsViolations(t *testing.T) {
	asOf := ledger.Date(2025, time.January, 10)
	valid := func() *ledger.LoanState {
		st := scheduledState("200",
			inst("jan", 1, ledger.Date(2025, time.January, 1), "100", "100"),
			inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "0"))
		ledger.Recompute(st, asOf)
		return st
	}
	require.NoError(t, ledger.CheckInvariants(valid(), asOf))

	tests := []struct {
		name   string
		mutate func(st *ledger.LoanState)
		rule   string
	}{
		{"overpaid installment", func(st *ledger.LoanState) { st.Installments[1].AmountPaid = dec("101") }, "installment_cap"},
		{"negative installment", func(st *ledger.LoanState) { st.Installments[1].AmountPaid = dec("-1") }, "installment_cap"},
		{"total paid drift", func(st *ledger.LoanState) { st.Loan.TotalPaid = dec("99") }, "conservation"},
		{"outstanding drift", func(st *ledger.LoanState) { st.Loan.OutstandingBalance = dec("1") }, "outstanding"},
		{"stale status", func(st *ledger.LoanState) { st.Loan.Status = ledger.StatusOverdue }, "derived_status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := valid()
			tt.mutate(st)

			err := ledger.CheckInvariants(st, asOf)
			require.ErrorIs(t, err, ledger.ErrInvariantViolation)

			var inv *ledger.InvariantError
			require.ErrorAs(t, err, &inv)
			assert.Equal(t, tt.rule, inv.Rule)
		})
	}
}
