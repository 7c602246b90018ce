// Package storetest is a behavioural suite every ledger.TxStore must pass.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/ledger"
)

// Opener returns an empty store. It registers its own cleanup.
type Opener func(t *testing.T) ledger.TxStore

var (
	created = time.Date(2024, time.December, 1, 9, 30, 0, 0, time.UTC)
	jan1    = ledger.Date(2025, time.January, 1)
	feb1    = ledger.Date(2025, time.February, 1)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, open(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, open(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, open(t)) })
	t.Run("ListLoansScopedByAgency", func(t *testing.T) { testListLoans(t, open(t)) })
	t.Run("TxCommitsWrites", func(t *testing.T) { testTxCommits(t, open(t)) })
	t.Run("TxErrorRollsBack", func(t *testing.T) { testTxRollback(t, open(t)) })
	t.Run("DuplicateRecordConflicts", func(t *testing.T) { testDuplicateRecord(t, open(t)) })
	t.Run("AdHocTotalFromRecords", func(t *testing.T) { testAdHoc(t, open(t)) })
	t.Run("CoordinatorConcurrentPayments", func(t *testing.T) { testConcurrentPayments(t, open(t)) })
}

func newState(agency ledger.AgencyID, id ledger.LoanID) *ledger.LoanState {
	st, err := ledger.NewLoan(ledger.LoanParams{
		ID:             id,
		AgencyID:       agency,
		Principal:      dec("180"),
		InterestRate:   dec("0.1"),
		DurationMonths: 2,
		Currency:       "KES",
		Status:         ledger.StatusActive,
	}, []ledger.InstallmentParams{
		{ID: "feb", DueDate: feb1, AmountDue: dec("100")},
		{ID: "jan", DueDate: jan1, AmountDue: dec("100")},
	}, ledger.FlatInterest, created)
	if err != nil {
		panic(err)
	}
	return st
}

func newAdHocState(agency ledger.AgencyID, id ledger.LoanID, total string) *ledger.LoanState {
	st, err := ledger.NewLoan(ledger.LoanParams{
		ID:           id,
		AgencyID:     agency,
		Principal:    dec(total),
		TotalPayable: dec(total),
		Status:       ledger.StatusActive,
	}, nil, nil, created)
	if err != nil {
		panic(err)
	}
	return st
}

func testCreateAndLoad(t *testing.T, s ledger.TxStore) {
	// GIVEN: A loan with a schedule supplied out of order
	// WHEN: It is created and loaded back
	// THEN: Money, dates, and installment order survive the round trip
	ctx := context.Background()
	st := newState("agency-1", "loan-1")
	require.NoError(t, s.CreateLoan(ctx, st))

	got, err := s.LoadLoan(ctx, st.Loan.Key())
	require.NoError(t, err)

	l := got.Loan
	assert.Equal(t, ledger.LoanID("loan-1"), l.ID)
	assert.Equal(t, ledger.AgencyID("agency-1"), l.AgencyID)
	assert.True(t, dec("180").Equal(l.Principal))
	assert.True(t, dec("0.1").Equal(l.InterestRate))
	assert.Equal(t, 2, l.DurationMonths)
	assert.True(t, dec("200").Equal(l.TotalPayable))
	assert.True(t, l.TotalPaid.IsZero())
	assert.True(t, dec("200").Equal(l.OutstandingBalance))
	assert.Equal(t, ledger.StatusActive, l.Status)
	assert.Equal(t, "KES", l.Currency)
	assert.Equal(t, int64(1), l.Version)
	assert.True(t, created.Equal(l.CreatedAt))
	require.NotNil(t, l.UpcomingDueDate)
	assert.True(t, jan1.Equal(*l.UpcomingDueDate))

	require.Len(t, got.Installments, 2)
	assert.Equal(t, ledger.InstallmentID("jan"), got.Installments[0].ID)
	assert.True(t, jan1.Equal(got.Installments[0].DueDate))
	assert.True(t, dec("100").Equal(got.Installments[0].AmountDue))
	assert.Nil(t, got.Installments[0].LastPaymentDate)
	assert.Equal(t, ledger.InstallmentID("feb"), got.Installments[1].ID)
	assert.True(t, got.AdHocPaid.IsZero())
}

func testCreateDuplicate(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateLoan(ctx, newState("agency-1", "loan-1")))
	assert.ErrorIs(t, s.CreateLoan(ctx, newState("agency-1", "loan-1")), ledger.ErrLoanExists)

	// Same loan id under another agency is a different loan.
	assert.NoError(t, s.CreateLoan(ctx, newState("agency-2", "loan-1")))
}

func testNotFound(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	key := ledger.LoanKey{AgencyID: "agency-1", LoanID: "missing"}

	_, err := s.LoadLoan(ctx, key)
	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)

	_, err = s.Payments(ctx, key)
	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)

	err = s.WithLoanTx(ctx, key, func(ledger.LoanTx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)
}

func testListLoans(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateLoan(ctx, newState("agency-1", "loan-b")))
	require.NoError(t, s.CreateLoan(ctx, newState("agency-1", "loan-a")))
	require.NoError(t, s.CreateLoan(ctx, newState("agency-2", "loan-c")))

	keys, err := s.ListLoans(ctx, "agency-1")
	require.NoError(t, err)
	assert.Equal(t, []ledger.LoanKey{
		{AgencyID: "agency-1", LoanID: "loan-a"},
		{AgencyID: "agency-1", LoanID: "loan-b"},
	}, keys)

	keys, err = s.ListLoans(ctx, "agency-3")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testTxCommits(t *testing.T, s ledger.TxStore) {
	// GIVEN: A transaction that pays 40 on Jan
	// THEN: After commit the installment, loan and record are visible and
	//       the version has moved on
	ctx := context.Background()
	st := newState("agency-1", "loan-1")
	require.NoError(t, s.CreateLoan(ctx, st))
	key := st.Loan.Key()
	paidAt := time.Date(2024, time.December, 15, 14, 0, 0, 0, time.UTC)

	err := s.WithLoanTx(ctx, key, func(tx ledger.LoanTx) error {
		cur, err := tx.Load(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), cur.Loan.Version)

		inst := cur.Installments[0]
		inst.AmountPaid = dec("40")
		inst.LastPaymentAmount = dec("40")
		inst.LastPaymentDate = &paidAt
		if err := tx.SaveInstallment(ctx, inst); err != nil {
			return err
		}
		if err := tx.AppendPayment(ctx, ledger.PaymentRecord{
			ID: "txn-1", TransactionID: "txn-1", LoanID: key.LoanID, AgencyID: key.AgencyID,
			InstallmentID: inst.ID, Amount: dec("40"), Method: "cash", RecordedBy: "tester",
			RecordedAt: paidAt, PaidAt: paidAt, Type: ledger.PaymentScheduled,
		}); err != nil {
			return err
		}

		cur.Loan.TotalPaid = dec("40")
		cur.Loan.OutstandingBalance = dec("160")
		cur.Loan.UpdatedAt = paidAt
		return tx.SaveLoan(ctx, cur.Loan)
	})
	require.NoError(t, err)

	got, err := s.LoadLoan(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Loan.Version)
	assert.True(t, dec("40").Equal(got.Loan.TotalPaid))
	assert.True(t, dec("160").Equal(got.Loan.OutstandingBalance))
	assert.True(t, paidAt.Equal(got.Loan.UpdatedAt))
	assert.True(t, dec("40").Equal(got.Installments[0].AmountPaid))
	require.NotNil(t, got.Installments[0].LastPaymentDate)
	assert.True(t, paidAt.Equal(*got.Installments[0].LastPaymentDate))

	records, err := s.PaymentsByTransaction(ctx, key, "txn-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.InstallmentID("jan"), records[0].InstallmentID)
	assert.True(t, dec("40").Equal(records[0].Amount))
	assert.Equal(t, ledger.PaymentScheduled, records[0].Type)
	assert.Nil(t, records[0].BalanceBefore)

	none, err := s.PaymentsByTransaction(ctx, key, "txn-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTxRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	st := newState("agency-1", "loan-1")
	require.NoError(t, s.CreateLoan(ctx, st))
	key := st.Loan.Key()
	boom := fmt.Errorf("boom")

	err := s.WithLoanTx(ctx, key, func(tx ledger.LoanTx) error {
		cur, err := tx.Load(ctx)
		if err != nil {
			return err
		}
		cur.Loan.TotalPaid = dec("10")
		if err := tx.AppendPayment(ctx, ledger.PaymentRecord{
			ID: "txn-1", TransactionID: "txn-1", LoanID: key.LoanID, AgencyID: key.AgencyID,
			Amount: dec("10"), Method: "cash", RecordedAt: created, PaidAt: created, Type: ledger.PaymentAdHoc,
		}); err != nil {
			return err
		}
		if err := tx.SaveLoan(ctx, cur.Loan); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.LoadLoan(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Loan.Version)
	assert.True(t, got.Loan.TotalPaid.IsZero())

	records, err := s.Payments(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testDuplicateRecord(t *testing.T, s ledger.TxStore) {
	// GIVEN: A committed record "txn-1"
	// WHEN: Another transaction appends the same record id
	// THEN: The store reports a concurrent modification
	ctx := context.Background()
	st := newAdHocState("agency-1", "loan-1", "500")
	require.NoError(t, s.CreateLoan(ctx, st))
	key := st.Loan.Key()

	appendOnce := func() error {
		return s.WithLoanTx(ctx, key, func(tx ledger.LoanTx) error {
			cur, err := tx.Load(ctx)
			if err != nil {
				return err
			}
			if err := tx.AppendPayment(ctx, ledger.PaymentRecord{
				ID: "txn-1", TransactionID: "txn-1", LoanID: key.LoanID, AgencyID: key.AgencyID,
				Amount: dec("10"), Method: "cash", RecordedAt: created, PaidAt: created, Type: ledger.PaymentAdHoc,
			}); err != nil {
				return err
			}
			return tx.SaveLoan(ctx, cur.Loan)
		})
	}

	require.NoError(t, appendOnce())
	assert.ErrorIs(t, appendOnce(), ledger.ErrConcurrentModification)

	records, err := s.Payments(ctx, key)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func testAdHoc(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	st := newAdHocState("agency-1", "loan-1", "500")
	require.NoError(t, s.CreateLoan(ctx, st))

	coord := ledger.NewCoordinator(s, ledger.WithClock(ledger.FixedClock(created)))
	for i, amt := range []string{"120", "30.50"} {
		_, err := coord.ApplyPayment(ctx, ledger.PaymentRequest{
			AgencyID: "agency-1", LoanID: "loan-1", Amount: dec(amt), Method: "mpesa",
			TransactionID: fmt.Sprintf("txn-%d", i),
		})
		require.NoError(t, err)
	}

	got, err := s.LoadLoan(ctx, st.Loan.Key())
	require.NoError(t, err)
	assert.True(t, dec("150.50").Equal(got.AdHocPaid))
	assert.True(t, dec("150.50").Equal(got.Loan.TotalPaid))
	assert.True(t, dec("349.50").Equal(got.Loan.OutstandingBalance))
	require.NoError(t, ledger.CheckInvariants(got, created))

	records, err := s.Payments(ctx, st.Loan.Key())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, records[1].BalanceBefore)
	require.NotNil(t, records[1].BalanceAfter)
	assert.True(t, dec("380").Equal(*records[1].BalanceBefore))
	assert.True(t, dec("349.50").Equal(*records[1].BalanceAfter))
}

func testConcurrentPayments(t *testing.T, s ledger.TxStore) {
	// GIVEN: 200 outstanding
	// WHEN: 8 goroutines pay 25 each through a Coordinator
	// THEN: Every payment lands exactly once and the loan completes
	ctx := context.Background()
	st := newState("agency-1", "loan-1")
	require.NoError(t, s.CreateLoan(ctx, st))

	coord := ledger.NewCoordinator(s,
		ledger.WithClock(ledger.FixedClock(created)),
		ledger.WithMaxAttempts(50),
		ledger.WithBackoff(ledger.JitterBackoff(time.Millisecond)),
	)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.ApplyPayment(ctx, ledger.PaymentRequest{
				AgencyID: "agency-1", LoanID: "loan-1", Amount: dec("25"), Method: "cash",
				TransactionID: fmt.Sprintf("txn-%d", i),
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "payment %d", i)
	}

	got, err := s.LoadLoan(ctx, st.Loan.Key())
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(got.Loan.TotalPaid))
	assert.Equal(t, ledger.StatusCompleted, got.Loan.Status)
	require.NoError(t, ledger.CheckInvariants(got, created))

	records, err := s.Payments(ctx, st.Loan.Key())
	require.NoError(t, err)
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(r.Amount)
	}
	assert.True(t, dec("200").Equal(sum))
}
