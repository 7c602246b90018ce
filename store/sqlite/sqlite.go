/*
Package sqlite provides a SQLite-backed ledger.TxStore.

PURPOSE:
  Persists loans, installments and payment records in SQLite. This is the
  default backend for the server and the CLI. The same schema, with
  NUMERIC money columns, backs store/postgres.

KEY TABLES:
  loans:         One row per loan; carries the optimistic-lock version
  installments:  Schedule rows, keyed by (agency, loan, id)
  payments:      Append-only PaymentRecords, keyed by (agency, loan, id)

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the payments table
  - No DELETE statements anywhere
  - The primary key on payments rejects a second write of the same
    record id; that is reported as ErrConcurrentModification so the
    coordinator's retry sees the committed record as a replay

OPTIMISTIC LOCKING:
  SaveLoan issues
    UPDATE loans SET ..., version = version + 1
    WHERE agency_id = ? AND id = ? AND version = ?
  with the version read at the start of the transaction. Zero affected
  rows means another writer committed first. SQLITE_BUSY on a WAL
  snapshot upgrade means the same thing.

MONEY:
  Stored as decimal strings (TEXT). SUM() is never used on money columns;
  totals are added in Go with decimal.Decimal.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coord := ledger.NewCoordinator(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		agency_id TEXT NOT NULL,
		id TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		duration_months INTEGER NOT NULL DEFAULT 0,
		total_payable TEXT NOT NULL,
		total_paid TEXT NOT NULL,
		outstanding_balance TEXT NOT NULL,
		status TEXT NOT NULL,
		upcoming_due_date TEXT,
		currency TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (agency_id, id)
	);

	CREATE TABLE IF NOT EXISTS installments (
		agency_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		amount_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		last_payment_amount TEXT NOT NULL DEFAULT '0',
		last_payment_date TEXT,
		PRIMARY KEY (agency_id, loan_id, id),
		FOREIGN KEY (agency_id, loan_id) REFERENCES loans(agency_id, id)
	);

	-- Allocation order (hot path)
	CREATE INDEX IF NOT EXISTS idx_installments_loan_due
		ON installments(agency_id, loan_id, due_date, sequence);

	-- Payment records (append-only)
	CREATE TABLE IF NOT EXISTS payments (
		agency_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		installment_id TEXT,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		recorded_by TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		balance_before TEXT,
		balance_after TEXT,
		PRIMARY KEY (agency_id, loan_id, id),
		FOREIGN KEY (agency_id, loan_id) REFERENCES loans(agency_id, id)
	);

	-- Idempotency lookups
	CREATE INDEX IF NOT EXISTS idx_payments_transaction
		ON payments(agency_id, loan_id, transaction_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// COMMITTED READS AND ORIGINATION (ledger.Store)
// =============================================================================

// CreateLoan inserts a loan and its schedule in one transaction.
func (s *Store) CreateLoan(ctx context.Context, state *ledger.LoanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	l := state.Loan
	_, err = tx.ExecContext(ctx, `
		INSERT INTO loans
		(agency_id, id, principal, interest_rate, duration_months, total_payable, total_paid,
		 outstanding_balance, status, upcoming_due_date, currency, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`,
		l.AgencyID, l.ID,
		l.Principal.String(), l.InterestRate.String(), l.DurationMonths,
		l.TotalPayable.String(), l.TotalPaid.String(), l.OutstandingBalance.String(),
		l.Status, formatTimePtr(l.UpcomingDueDate), l.Currency,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrLoanExists
		}
		return fmt.Errorf("failed to insert loan: %w", err)
	}

	for _, inst := range state.Installments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO installments
			(agency_id, loan_id, id, sequence, due_date, amount_due, amount_paid, status,
			 last_payment_amount, last_payment_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			l.AgencyID, l.ID, inst.ID, inst.Sequence, formatTime(inst.DueDate),
			inst.AmountDue.String(), inst.AmountPaid.String(), inst.Status,
			inst.LastPaymentAmount.String(), formatTimePtr(inst.LastPaymentDate),
		)
		if err != nil {
			return fmt.Errorf("failed to insert installment %s: %w", inst.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) LoadLoan(ctx context.Context, key ledger.LoanKey) (*ledger.LoanState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadState(ctx, s.db, key)
}

func (s *Store) PaymentsByTransaction(ctx context.Context, key ledger.LoanKey, txID string) ([]ledger.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := requireLoan(ctx, s.db, key); err != nil {
		return nil, err
	}
	return queryPayments(ctx, s.db, `
		SELECT `+paymentColumns+` FROM payments
		WHERE agency_id = ? AND loan_id = ? AND transaction_id = ?
		ORDER BY recorded_at, id
	`, key.AgencyID, key.LoanID, txID)
}

func (s *Store) Payments(ctx context.Context, key ledger.LoanKey) ([]ledger.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := requireLoan(ctx, s.db, key); err != nil {
		return nil, err
	}
	return queryPayments(ctx, s.db, `
		SELECT `+paymentColumns+` FROM payments
		WHERE agency_id = ? AND loan_id = ?
		ORDER BY recorded_at, id
	`, key.AgencyID, key.LoanID)
}

func (s *Store) ListLoans(ctx context.Context, agencyID ledger.AgencyID) ([]ledger.LoanKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM loans WHERE agency_id = ? ORDER BY id`, agencyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var keys []ledger.LoanKey
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan loan id: %w", err)
		}
		keys = append(keys, ledger.LoanKey{AgencyID: agencyID, LoanID: ledger.LoanID(id)})
	}
	return keys, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore)
// =============================================================================

// WithLoanTx executes fn within a database transaction scoped to one loan.
func (s *Store) WithLoanTx(ctx context.Context, key ledger.LoanKey, fn func(ledger.LoanTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var version int64
	err = sqlTx.QueryRowContext(ctx,
		`SELECT version FROM loans WHERE agency_id = ? AND id = ?`,
		key.AgencyID, key.LoanID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrLoanNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read loan version: %w", err)
	}

	if err := fn(&loanTx{tx: sqlTx, key: key, version: version}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type loanTx struct {
	tx      *sql.Tx
	key     ledger.LoanKey
	version int64
}

func (t *loanTx) Load(ctx context.Context) (*ledger.LoanState, error) {
	st, err := loadState(ctx, t.tx, t.key)
	if err != nil {
		return nil, err
	}
	st.Loan.Version = t.version
	return st, nil
}

func (t *loanTx) PaymentsByTransaction(ctx context.Context, txID string) ([]ledger.PaymentRecord, error) {
	return queryPayments(ctx, t.tx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE agency_id = ? AND loan_id = ? AND transaction_id = ?
		ORDER BY recorded_at, id
	`, t.key.AgencyID, t.key.LoanID, txID)
}

func (t *loanTx) SaveInstallment(ctx context.Context, inst ledger.Installment) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE installments
		SET amount_paid = ?, status = ?, last_payment_amount = ?, last_payment_date = ?
		WHERE agency_id = ? AND loan_id = ? AND id = ?
	`,
		inst.AmountPaid.String(), inst.Status,
		inst.LastPaymentAmount.String(), formatTimePtr(inst.LastPaymentDate),
		t.key.AgencyID, t.key.LoanID, inst.ID,
	)
	if err != nil {
		if isBusyError(err) {
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to save installment %s: %w", inst.ID, err)
	}
	return nil
}

func (t *loanTx) AppendPayment(ctx context.Context, rec ledger.PaymentRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments
		(agency_id, loan_id, id, transaction_id, installment_id, amount, method, recorded_by,
		 recorded_at, paid_at, payment_type, balance_before, balance_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.key.AgencyID, t.key.LoanID, rec.ID, rec.TransactionID,
		nullString(string(rec.InstallmentID)), rec.Amount.String(), rec.Method, rec.RecordedBy,
		formatTime(rec.RecordedAt), formatTime(rec.PaidAt), rec.Type,
		nullDecimal(rec.BalanceBefore), nullDecimal(rec.BalanceAfter),
	)
	if err != nil {
		if isUniqueConstraintError(err) || isBusyError(err) {
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

func (t *loanTx) SaveLoan(ctx context.Context, l ledger.Loan) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE loans
		SET total_payable = ?, total_paid = ?, outstanding_balance = ?, status = ?,
		    upcoming_due_date = ?, updated_at = ?, version = version + 1
		WHERE agency_id = ? AND id = ? AND version = ?
	`,
		l.TotalPayable.String(), l.TotalPaid.String(), l.OutstandingBalance.String(), l.Status,
		formatTimePtr(l.UpcomingDueDate), formatTime(l.UpdatedAt),
		t.key.AgencyID, t.key.LoanID, t.version,
	)
	if err != nil {
		if isBusyError(err) {
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to save loan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}
	if n == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func requireLoan(ctx context.Context, q querier, key ledger.LoanKey) error {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM loans WHERE agency_id = ? AND id = ?`, key.AgencyID, key.LoanID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrLoanNotFound
	}
	return err
}

func loadState(ctx context.Context, q querier, key ledger.LoanKey) (*ledger.LoanState, error) {
	var l ledger.Loan
	err := q.QueryRowContext(ctx, `
		SELECT agency_id, id, principal, interest_rate, duration_months, total_payable, total_paid,
		       outstanding_balance, status, upcoming_due_date, currency, version, created_at, updated_at
		FROM loans WHERE agency_id = ? AND id = ?
	`, key.AgencyID, key.LoanID).Scan(
		&l.AgencyID, &l.ID, &l.Principal, &l.InterestRate, &l.DurationMonths, &l.TotalPayable, &l.TotalPaid,
		&l.OutstandingBalance, &l.Status, nullableTime{&l.UpcomingDueDate}, &l.Currency, &l.Version,
		timeColumn{&l.CreatedAt}, timeColumn{&l.UpdatedAt},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}
	state := &ledger.LoanState{Loan: l, AdHocPaid: decimal.Zero}

	rows, err := q.QueryContext(ctx, `
		SELECT id, sequence, due_date, amount_due, amount_paid, status, last_payment_amount, last_payment_date
		FROM installments WHERE agency_id = ? AND loan_id = ?
		ORDER BY due_date, sequence, id
	`, key.AgencyID, key.LoanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load installments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var inst ledger.Installment
		err := rows.Scan(&inst.ID, &inst.Sequence, timeColumn{&inst.DueDate}, &inst.AmountDue, &inst.AmountPaid,
			&inst.Status, &inst.LastPaymentAmount, nullableTime{&inst.LastPaymentDate})
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		inst.LoanID = l.ID
		state.Installments = append(state.Installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	adHoc, err := q.QueryContext(ctx, `
		SELECT amount FROM payments
		WHERE agency_id = ? AND loan_id = ? AND payment_type = ?
	`, key.AgencyID, key.LoanID, ledger.PaymentAdHoc)
	if err != nil {
		return nil, fmt.Errorf("failed to load ad-hoc payments: %w", err)
	}
	defer adHoc.Close()
	for adHoc.Next() {
		var amount decimal.Decimal
		if err := adHoc.Scan(&amount); err != nil {
			return nil, fmt.Errorf("failed to scan payment amount: %w", err)
		}
		state.AdHocPaid = state.AdHocPaid.Add(amount)
	}
	return state, adHoc.Err()
}

const paymentColumns = `id, transaction_id, installment_id, amount, method, recorded_by,
	recorded_at, paid_at, payment_type, balance_before, balance_after, agency_id, loan_id`

func queryPayments(ctx context.Context, q querier, query string, args ...any) ([]ledger.PaymentRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []ledger.PaymentRecord
	for rows.Next() {
		var (
			rec                 ledger.PaymentRecord
			installmentID       sql.NullString
			balBefore, balAfter decimal.NullDecimal
		)
		err := rows.Scan(
			&rec.ID, &rec.TransactionID, &installmentID, &rec.Amount, &rec.Method, &rec.RecordedBy,
			timeColumn{&rec.RecordedAt}, timeColumn{&rec.PaidAt}, &rec.Type, &balBefore, &balAfter,
			&rec.AgencyID, &rec.LoanID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment %s: %w", rec.ID, err)
		}
		rec.InstallmentID = ledger.InstallmentID(installmentID.String)
		rec.BalanceBefore = decimalPtr(balBefore)
		rec.BalanceAfter = decimalPtr(balAfter)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

// timeLayout is fixed width so that text comparison in ORDER BY matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// timeColumn scans a NOT NULL timestamp written by formatTime.
type timeColumn struct{ dst *time.Time }

func (c timeColumn) Scan(src any) error {
	t, ok, err := parseTimeValue(src)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("unexpected NULL timestamp")
	}
	*c.dst = t
	return nil
}

// nullableTime scans an optional timestamp; NULL or empty leaves nil.
type nullableTime struct{ dst **time.Time }

func (c nullableTime) Scan(src any) error {
	t, ok, err := parseTimeValue(src)
	if err != nil {
		return err
	}
	if !ok {
		*c.dst = nil
		return nil
	}
	*c.dst = &t
	return nil
}

func parseTimeValue(src any) (time.Time, bool, error) {
	var text string
	switch v := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v.UTC(), true, nil
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return time.Time{}, false, fmt.Errorf("cannot scan %T into a timestamp", src)
	}
	if text == "" {
		return time.Time{}, false, nil
	}
	// RFC3339Nano also accepts rows written before the fixed-width layout.
	t, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid timestamp %q: %w", text, err)
	}
	return t, true, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}

func isBusyError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY"))
}
