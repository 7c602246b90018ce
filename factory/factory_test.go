package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/config"
	"github.com/warp/loan-ledger/ledger"
)

func TestBuild_EndToEnd(t *testing.T) {
	// GIVEN: A sqlite-backed engine with only the log sink
	// WHEN: A loan is originated and paid
	// THEN: The payment lands and its events reach the bus
	ctx := context.Background()
	cfg := config.AppConfig{
		Store:       config.StoreSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "ledger.db"),
		MaxAttempts: 3,
		EventBuffer: 16,
	}

	engine, err := Build(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, engine.Close()) })

	st, err := ledger.NewLoan(ledger.LoanParams{ID: "loan-1", AgencyID: "acme", Principal: decimal.NewFromInt(100)}, nil, nil, ledger.SystemClock())
	require.NoError(t, err)
	require.NoError(t, engine.Coordinator.Originate(ctx, st))

	res, err := engine.Coordinator.ApplyPayment(ctx, ledger.PaymentRequest{
		AgencyID: "acme", LoanID: "loan-1", Amount: decimal.NewFromInt(100),
		Method: "cash", TransactionID: "txn-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, res.State.Loan.Status)

	// One payment record and one completion transition.
	assert.Equal(t, 2, engine.Bus.Pending())
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := OpenStore(ctx, config.AppConfig{Store: config.StoreMemory})
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.NoError(t, closeFn())

	_, _, err = OpenStore(ctx, config.AppConfig{Store: "mongo"})
	assert.Error(t, err)
}

func TestEngineClose_RunsClosersInReverse(t *testing.T) {
	var order []int
	e := &Engine{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return nil },
	}}

	require.NoError(t, e.Close())
	assert.Equal(t, []int{2, 1}, order)
	require.NoError(t, e.Close(), "second close is a no-op")
	assert.Len(t, order, 2)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info"} {
		l, err := NewLogger(level)
		require.NoError(t, err)
		assert.NotNil(t, l)
	}
}
