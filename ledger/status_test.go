package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/loan-ledger/ledger"
)

func scheduledState(total string, insts ...ledger.Installment) *ledger.LoanState {
	st := &ledger.LoanState{Loan: loanWith(total, "0"), Installments: insts, AdHocPaid: dec("0")}
	ledger.Recompute(st, ledger.Date(2025, time.January, 1))
	return st
}

func TestDeriveStatus(t *testing.T) {
	jan := ledger.Date(2025, time.January, 1)

	tests := []struct {
		name  string
		state *ledger.LoanState
		asOf  time.Time
		want  ledger.Status
	}{
		{
			name:  "nothing due yet is active",
			state: scheduledState("100", inst("jan", 1, jan, "100", "0")),
			asOf:  ledger.Date(2024, time.December, 15),
			want:  ledger.StatusActive,
		},
		{
			name:  "due today is not yet overdue",
			state: scheduledState("100", inst("jan", 1, jan, "100", "0")),
			asOf:  jan.Add(23 * time.Hour),
			want:  ledger.StatusActive,
		},
		{
			name:  "one day past due is overdue",
			state: scheduledState("100", inst("jan", 1, jan, "100", "0")),
			asOf:  ledger.Date(2025, time.January, 2),
			want:  ledger.StatusOverdue,
		},
		{
			name:  "89 days past due is still overdue",
			state: scheduledState("100", inst("jan", 1, jan, "100", "0")),
			asOf:  ledger.Date(2025, time.March, 31),
			want:  ledger.StatusOverdue,
		},
		{
			name:  "90 days past due is defaulted",
			state: scheduledState("100", inst("jan", 1, jan, "100", "0")),
			asOf:  ledger.Date(2025, time.April, 1),
			want:  ledger.StatusDefaulted,
		},
		{
			name:  "partially paid past due installment is overdue",
			state: scheduledState("200", inst("jan", 1, jan, "100", "99.99"), inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "0")),
			asOf:  ledger.Date(2025, time.January, 10),
			want:  ledger.StatusOverdue,
		},
		{
			name:  "past due but paid is active",
			state: scheduledState("200", inst("jan", 1, jan, "100", "100"), inst("feb", 2, ledger.Date(2025, time.February, 1), "100", "0")),
			asOf:  ledger.Date(2025, time.January, 10),
			want:  ledger.StatusActive,
		},
		{
			name:  "fully paid is completed even long after due dates",
			state: scheduledState("100", inst("jan", 1, jan, "100", "100")),
			asOf:  ledger.Date(2026, time.January, 1),
			want:  ledger.StatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ledger.DeriveStatus(tt.state, tt.asOf))
		})
	}
}

func TestDeriveStatus_AdHocLoan(t *testing.T) {
	// GIVEN: A loan with no schedule
	// THEN: Active while a balance remains, completed once it is zero
	open := &ledger.LoanState{Loan: loanWith("500", "100")}
	assert.Equal(t, ledger.StatusActive, ledger.DeriveStatus(open, ledger.Date(2030, time.January, 1)))

	closed := &ledger.LoanState{Loan: loanWith("500", "500")}
	assert.Equal(t, ledger.StatusCompleted, ledger.DeriveStatus(closed, ledger.Date(2030, time.January, 1)))
}

func TestDeriveInstallmentStatus(t *testing.T) {
	jan := ledger.Date(2025, time.January, 1)

	assert.Equal(t, ledger.InstallmentPending, ledger.DeriveInstallmentStatus(inst("a", 1, jan, "100", "50"), jan))
	assert.Equal(t, ledger.InstallmentOverdue, ledger.DeriveInstallmentStatus(inst("a", 1, jan, "100", "50"), jan.AddDate(0, 0, 1)))
	assert.Equal(t, ledger.InstallmentPaid, ledger.DeriveInstallmentStatus(inst("a", 1, jan, "100", "100"), jan.AddDate(0, 0, 1)))
}

func TestStatus_Payable(t *testing.T) {
	payable := []ledger.Status{ledger.StatusPending, ledger.StatusApproved, ledger.StatusActive, ledger.StatusOverdue}
	for _, s := range payable {
		assert.True(t, s.Payable(), "%s should accept payments", s)
	}
	closed := []ledger.Status{ledger.StatusDraft, ledger.StatusRejected, ledger.StatusDefaulted, ledger.StatusCompleted}
	for _, s := range closed {
		assert.False(t, s.Payable(), "%s should not accept payments", s)
	}
}
