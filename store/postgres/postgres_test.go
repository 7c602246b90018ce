package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/ledger/storetest"
)

// Set LEDGER_TEST_PG_URL to a disposable database to run these tests.
// Every test truncates the ledger tables.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_PG_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_PG_URL not set")
	}

	ctx := context.Background()
	s, err := Connect(ctx, dsn, 10)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(ctx, `TRUNCATE payments, installments, loans`)
	require.NoError(t, err)
	return s
}

func TestPostgres(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return newTestStore(t) })
}

func TestConflictOr(t *testing.T) {
	for _, code := range []string{codeUniqueViolation, codeSerializationFailure} {
		err := conflictOr(&pgconn.PgError{Code: code}, "failed to append payment")
		assert.ErrorIs(t, err, ledger.ErrConcurrentModification, "code %s", code)
	}

	err := conflictOr(&pgconn.PgError{Code: "23503"}, "failed to append payment")
	assert.NotErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.Contains(t, err.Error(), "failed to append payment")
}

func TestMoneyParser(t *testing.T) {
	// GIVEN: One good column and one unparseable column in the same row
	// THEN: Both are parsed, and the first failure is kept with its column name
	var money moneyParser
	good := money.parse("amount", "12.50")
	money.parse("balance_before", "NaN-ish")
	money.parse("balance_after", "also bad")

	assert.Equal(t, "12.5", good.String())
	require.Error(t, money.err)
	assert.Contains(t, money.err.Error(), "balance_before")
	assert.Nil(t, money.ptr("balance_after", nil))
}
