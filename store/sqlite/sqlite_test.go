package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/ledger/storetest"
	"github.com/warp/loan-ledger/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return newTestStore(t) })
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A file-backed store with one applied payment
	// WHEN: The store is closed and reopened
	// THEN: The ledger and the idempotency record are still there
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)

	st, err := ledger.NewLoan(ledger.LoanParams{
		ID: "loan-1", AgencyID: "agency-1", Principal: decimal.NewFromInt(300),
	}, nil, nil, ledger.Date(2025, 1, 1))
	require.NoError(t, err)
	require.NoError(t, s.CreateLoan(ctx, st))

	coord := ledger.NewCoordinator(s, ledger.WithClock(ledger.FixedClock(ledger.Date(2025, 1, 2))))
	req := ledger.PaymentRequest{
		AgencyID: "agency-1", LoanID: "loan-1", Amount: decimal.NewFromInt(75),
		Method: "cash", TransactionID: "txn-1",
	}
	_, err = coord.ApplyPayment(ctx, req)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	got, err := s.LoadLoan(ctx, st.Loan.Key())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(225).Equal(got.Loan.OutstandingBalance))
	assert.Equal(t, ledger.StatusActive, got.Loan.Status)

	res, err := ledger.NewCoordinator(s).ApplyPayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
}

// =============================================================================
// COLUMN ENCODING
// =============================================================================

func adHocLoan(t *testing.T, s *sqlite.Store) *ledger.LoanState {
	t.Helper()
	st, err := ledger.NewLoan(ledger.LoanParams{
		ID: "loan-1", AgencyID: "agency-1", Principal: decimal.NewFromInt(300),
	}, nil, nil, ledger.Date(2025, 1, 1))
	require.NoError(t, err)
	require.NoError(t, s.CreateLoan(context.Background(), st))
	return st
}

func TestSQLite_PaymentsOrderedWithinOneSecond(t *testing.T) {
	// GIVEN: Two payments recorded at 12:00:00 and 12:00:00.5
	// WHEN: Payments are listed
	// THEN: The whole second comes first; fractional text never sorts ahead
	ctx := context.Background()
	s := newTestStore(t)
	st := adHocLoan(t, s)

	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	coord := ledger.NewCoordinator(s, ledger.WithClock(func() time.Time { return now }))
	for _, txn := range []string{"first", "second"} {
		_, err := coord.ApplyPayment(ctx, ledger.PaymentRequest{
			AgencyID: "agency-1", LoanID: "loan-1", Amount: decimal.NewFromInt(10),
			Method: "cash", TransactionID: txn,
		})
		require.NoError(t, err)
		now = now.Add(500 * time.Millisecond)
	}

	records, err := s.Payments(ctx, st.Loan.Key())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].TransactionID)
	assert.Equal(t, "second", records[1].TransactionID)
	assert.True(t, records[0].RecordedAt.Equal(time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)))
}

func TestSQLite_CorruptColumnsAreErrors(t *testing.T) {
	// GIVEN: A stored loan and payment whose money and time columns are
	//        overwritten with unparseable text
	// WHEN: They are loaded
	// THEN: Loading fails instead of reading zero
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)
	st := adHocLoan(t, s)
	_, err = ledger.NewCoordinator(s).ApplyPayment(ctx, ledger.PaymentRequest{
		AgencyID: "agency-1", LoanID: "loan-1", Amount: decimal.NewFromInt(10),
		Method: "cash", TransactionID: "txn-1",
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE loans SET total_paid = 'ten dollars'`)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE payments SET recorded_at = 'yesterday'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.LoadLoan(ctx, st.Loan.Key())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrLoanNotFound)

	_, err = s.Payments(ctx, st.Loan.Key())
	require.Error(t, err)
}
