package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/ledger"
)

func TestFlatInterest(t *testing.T) {
	assert.True(t, dec("1120").Equal(ledger.FlatInterest(dec("1000"), dec("0.12"), 12)))
	assert.True(t, dec("1060").Equal(ledger.FlatInterest(dec("1000"), dec("0.12"), 6)))
	assert.True(t, dec("1000").Equal(ledger.FlatInterest(dec("1000"), dec("0"), 24)))
}

func TestNewLoan_WithSchedule(t *testing.T) {
	// GIVEN: A schedule supplied out of order
	// THEN: Installments are sorted, numbered, and total payable is their sum
	now := ledger.Date(2024, time.December, 1)
	st, err := ledger.NewLoan(ledger.LoanParams{
		ID:        "loan-1",
		AgencyID:  "agency-1",
		Principal: dec("180"),
	}, []ledger.InstallmentParams{
		{ID: "feb", DueDate: ledger.Date(2025, time.February, 1), AmountDue: dec("100")},
		{ID: "jan", DueDate: ledger.Date(2025, time.January, 1).Add(15 * time.Hour), AmountDue: dec("100")},
	}, ledger.FlatInterest, now)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusPending, st.Loan.Status)
	assert.True(t, dec("200").Equal(st.Loan.TotalPayable))
	assert.True(t, dec("200").Equal(st.Loan.OutstandingBalance))
	assert.True(t, st.Loan.TotalPaid.IsZero())

	require.Len(t, st.Installments, 2)
	assert.Equal(t, ledger.InstallmentID("jan"), st.Installments[0].ID)
	assert.Equal(t, ledger.Date(2025, time.January, 1), st.Installments[0].DueDate, "due dates are truncated to the day")
	require.NotNil(t, st.Loan.UpcomingDueDate)
	assert.Equal(t, ledger.Date(2025, time.January, 1), *st.Loan.UpcomingDueDate)
}

func TestNewLoan_AdHocUsesPayableFunc(t *testing.T) {
	st, err := ledger.NewLoan(ledger.LoanParams{
		AgencyID:       "agency-1",
		Principal:      dec("1000"),
		InterestRate:   dec("0.12"),
		DurationMonths: 12,
	}, nil, ledger.FlatInterest, time.Now())
	require.NoError(t, err)

	assert.NotEmpty(t, st.Loan.ID, "id is generated")
	assert.Empty(t, st.Installments)
	assert.True(t, dec("1120").Equal(st.Loan.TotalPayable))
	assert.Nil(t, st.Loan.UpcomingDueDate)
}

func TestNewLoan_ExplicitTotalOverrides(t *testing.T) {
	st, err := ledger.NewLoan(ledger.LoanParams{
		AgencyID:     "agency-1",
		Principal:    dec("1000"),
		TotalPayable: dec("1234.56"),
	}, nil, ledger.FlatInterest, time.Now())
	require.NoError(t, err)
	assert.True(t, dec("1234.56").Equal(st.Loan.TotalPayable))
}

func TestNewLoan_ExplicitTotalMatchingSchedule(t *testing.T) {
	// GIVEN: An explicit total equal to the schedule sum
	// WHEN: The loan is built
	// THEN: It is accepted and outstanding equals the total
	jan := ledger.Date(2025, time.January, 1)
	st, err := ledger.NewLoan(ledger.LoanParams{
		AgencyID:     "agency-1",
		Principal:    dec("180"),
		TotalPayable: dec("200.00"),
	}, []ledger.InstallmentParams{
		{DueDate: jan, AmountDue: dec("100")},
		{DueDate: jan.AddDate(0, 1, 0), AmountDue: dec("100")},
	}, ledger.FlatInterest, jan)
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(st.Loan.OutstandingBalance))
}

func TestNewLoan_Rejects(t *testing.T) {
	jan := ledger.Date(2025, time.January, 1)
	tests := []struct {
		name     string
		params   ledger.LoanParams
		schedule []ledger.InstallmentParams
	}{
		{"missing agency", ledger.LoanParams{Principal: dec("100")}, nil},
		{"zero principal", ledger.LoanParams{AgencyID: "a", Principal: dec("0")}, nil},
		{"negative rate", ledger.LoanParams{AgencyID: "a", Principal: dec("100"), InterestRate: dec("-0.1")}, nil},
		{"derived status", ledger.LoanParams{AgencyID: "a", Principal: dec("100"), Status: ledger.StatusCompleted}, nil},
		{"zero installment", ledger.LoanParams{AgencyID: "a", Principal: dec("100")},
			[]ledger.InstallmentParams{{DueDate: jan, AmountDue: dec("0")}}},
		{"missing due date", ledger.LoanParams{AgencyID: "a", Principal: dec("100")},
			[]ledger.InstallmentParams{{AmountDue: dec("10")}}},
		{"schedule above total", ledger.LoanParams{AgencyID: "a", Principal: dec("100"), TotalPayable: dec("50")},
			[]ledger.InstallmentParams{{DueDate: jan, AmountDue: dec("60")}}},
		{"schedule below total", ledger.LoanParams{AgencyID: "a", Principal: dec("300"), TotalPayable: dec("300")},
			[]ledger.InstallmentParams{{DueDate: jan, AmountDue: dec("100")}, {DueDate: jan.AddDate(0, 1, 0), AmountDue: dec("100")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.NewLoan(tt.params, tt.schedule, ledger.FlatInterest, jan)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}
