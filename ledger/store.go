/*
store.go - Persistence interfaces for loans, installments and payments

PURPOSE:
  Defines the boundary between the engine and the record store. The store
  is addressed by LoanKey (agency + loan) and provides read-modify-write
  with optimistic concurrency.

KEY INTERFACES:
  Store:    Committed reads and loan origination
  TxStore:  Store + WithLoanTx (the single writer path)
  LoanTx:   The view a transaction function works against

OPTIMISTIC CONCURRENCY:
  WithLoanTx reads the loan at some version, runs fn, and commits only if
  the loan is still at that version. Otherwise it rolls back and returns
  ErrConcurrentModification; the Coordinator re-runs fn against fresh
  state. A transaction never spans more than one loan.

APPEND-ONLY PAYMENTS:
  AppendPayment is the only write for payment records. A duplicate record
  id for the loan is reported as ErrConcurrentModification: someone else
  committed the same payment first, and the retry will see it through the
  IdempotencyGuard.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import "context"

// =============================================================================
// STORE - Committed reads and origination
// =============================================================================

type Store interface {
	// CreateLoan persists a newly originated loan and its schedule.
	// Returns ErrLoanExists if the key is taken.
	CreateLoan(ctx context.Context, state *LoanState) error

	// LoadLoan returns the committed state. Returns ErrLoanNotFound.
	LoadLoan(ctx context.Context, key LoanKey) (*LoanState, error)

	// PaymentsByTransaction returns all records written under one
	// idempotency key.
	PaymentsByTransaction(ctx context.Context, key LoanKey, txID string) ([]PaymentRecord, error)

	// Payments returns every record of the loan, ordered by RecordedAt, ID.
	Payments(ctx context.Context, key LoanKey) ([]PaymentRecord, error)

	// ListLoans returns the keys of all loans in an agency.
	ListLoans(ctx context.Context, agencyID AgencyID) ([]LoanKey, error)
}

// =============================================================================
// TRANSACTIONAL STORE - The single writer path
// =============================================================================

type TxStore interface {
	Store

	// WithLoanTx executes fn within an optimistic transaction scoped to key.
	// If fn returns an error, nothing is committed.
	WithLoanTx(ctx context.Context, key LoanKey, fn func(tx LoanTx) error) error
}

// LoanTx is what a transaction function sees.
type LoanTx interface {
	// Load returns the loan as of the transaction's read version.
	Load(ctx context.Context) (*LoanState, error)

	PaymentsByTransaction(ctx context.Context, txID string) ([]PaymentRecord, error)

	SaveInstallment(ctx context.Context, inst Installment) error

	// AppendPayment writes an immutable record.
	AppendPayment(ctx context.Context, rec PaymentRecord) error

	// SaveLoan writes the aggregate. The write is checked against the read
	// version at commit.
	SaveLoan(ctx context.Context, loan Loan) error
}
