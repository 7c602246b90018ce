/*
Package postgres provides a PostgreSQL-backed ledger.TxStore using pgx.

PURPOSE:
  The production backend. Same tables as store/sqlite, with NUMERIC money
  columns and TIMESTAMPTZ timestamps. Database-level concurrency control
  replaces the process mutex the SQLite store needs.

OPTIMISTIC LOCKING:
  Transactions run at READ COMMITTED. SaveLoan issues
    UPDATE loans SET ..., version = version + 1
    WHERE agency_id = $a AND id = $b AND version = $n
    RETURNING version
  and pgx.ErrNoRows means another writer committed first. Unique
  violations (23505) on payments and serialization failures (40001) are
  reported as ErrConcurrentModification as well.

MONEY:
  NUMERIC columns are read as ::text and parsed into decimal.Decimal, and
  written as decimal strings cast to ::numeric. No float64 on the way.

SEE ALSO:
  - store/sqlite/sqlite.go: The default backend
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/ledger"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
)

type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for dsn and migrates the schema.
func Connect(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// New wraps an existing pool. The caller owns migration.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS loans (
		agency_id TEXT NOT NULL,
		id TEXT NOT NULL,
		principal NUMERIC NOT NULL,
		interest_rate NUMERIC NOT NULL,
		duration_months INTEGER NOT NULL DEFAULT 0,
		total_payable NUMERIC NOT NULL,
		total_paid NUMERIC NOT NULL,
		outstanding_balance NUMERIC NOT NULL CHECK (outstanding_balance >= 0),
		status TEXT NOT NULL,
		upcoming_due_date TIMESTAMPTZ,
		currency TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (agency_id, id)
	);

	CREATE TABLE IF NOT EXISTS installments (
		agency_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		amount_due NUMERIC NOT NULL,
		amount_paid NUMERIC NOT NULL CHECK (amount_paid >= 0 AND amount_paid <= amount_due),
		status TEXT NOT NULL,
		last_payment_amount NUMERIC NOT NULL DEFAULT 0,
		last_payment_date TIMESTAMPTZ,
		PRIMARY KEY (agency_id, loan_id, id),
		FOREIGN KEY (agency_id, loan_id) REFERENCES loans(agency_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_installments_loan_due
		ON installments(agency_id, loan_id, due_date, sequence);

	CREATE TABLE IF NOT EXISTS payments (
		agency_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		installment_id TEXT,
		amount NUMERIC NOT NULL CHECK (amount > 0),
		method TEXT NOT NULL,
		recorded_by TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL,
		paid_at TIMESTAMPTZ NOT NULL,
		payment_type TEXT NOT NULL,
		balance_before NUMERIC,
		balance_after NUMERIC,
		PRIMARY KEY (agency_id, loan_id, id),
		FOREIGN KEY (agency_id, loan_id) REFERENCES loans(agency_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_payments_transaction
		ON payments(agency_id, loan_id, transaction_id);
	`)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// COMMITTED READS AND ORIGINATION (ledger.Store)
// =============================================================================

func (s *Store) CreateLoan(ctx context.Context, state *ledger.LoanState) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	l := state.Loan
	_, err = tx.Exec(ctx, `
		INSERT INTO loans
		(agency_id, id, principal, interest_rate, duration_months, total_payable, total_paid,
		 outstanding_balance, status, upcoming_due_date, currency, version, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6::numeric, $7::numeric, $8::numeric,
		        $9, $10, $11, 1, $12, $13)
	`,
		string(l.AgencyID), string(l.ID),
		l.Principal.String(), l.InterestRate.String(), l.DurationMonths,
		l.TotalPayable.String(), l.TotalPaid.String(), l.OutstandingBalance.String(),
		string(l.Status), l.UpcomingDueDate, l.Currency, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return ledger.ErrLoanExists
		}
		return fmt.Errorf("failed to insert loan: %w", err)
	}

	for _, inst := range state.Installments {
		_, err := tx.Exec(ctx, `
			INSERT INTO installments
			(agency_id, loan_id, id, sequence, due_date, amount_due, amount_paid, status,
			 last_payment_amount, last_payment_date)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::numeric, $10)
		`,
			string(l.AgencyID), string(l.ID), string(inst.ID), inst.Sequence, inst.DueDate,
			inst.AmountDue.String(), inst.AmountPaid.String(), string(inst.Status),
			inst.LastPaymentAmount.String(), inst.LastPaymentDate,
		)
		if err != nil {
			return fmt.Errorf("failed to insert installment %s: %w", inst.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) LoadLoan(ctx context.Context, key ledger.LoanKey) (*ledger.LoanState, error) {
	return loadState(ctx, s.pool, key)
}

func (s *Store) PaymentsByTransaction(ctx context.Context, key ledger.LoanKey, txID string) ([]ledger.PaymentRecord, error) {
	if err := requireLoan(ctx, s.pool, key); err != nil {
		return nil, err
	}
	return paymentsByTransaction(ctx, s.pool, key, txID)
}

func (s *Store) Payments(ctx context.Context, key ledger.LoanKey) ([]ledger.PaymentRecord, error) {
	if err := requireLoan(ctx, s.pool, key); err != nil {
		return nil, err
	}
	return queryPayments(ctx, s.pool, `
		SELECT `+paymentColumns+` FROM payments
		WHERE agency_id = $1 AND loan_id = $2
		ORDER BY recorded_at, id
	`, string(key.AgencyID), string(key.LoanID))
}

func (s *Store) ListLoans(ctx context.Context, agencyID ledger.AgencyID) ([]ledger.LoanKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM loans WHERE agency_id = $1 ORDER BY id`, string(agencyID))
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

func (s *Store) WithLoanTx(ctx context.Context, key ledger.LoanKey, fn func(ledger.LoanTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM loans WHERE agency_id = $1 AND id = $2`,
		string(key.AgencyID), string(key.LoanID),
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrLoanNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read loan version: %w", err)
	}

	if err := fn(&loanTx{tx: tx, key: key, version: version}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return conflictOr(err, "failed to commit")
	}
	return nil
}

type loanTx struct {
	tx      pgx.Tx
	key     ledger.LoanKey
	version int64
}

func (t *loanTx) Load(ctx context.Context) (*ledger.LoanState, error) {
	st, err := loadState(ctx, t.tx, t.key)
	if err != nil {
		return nil, err
	}
	// Rows may have moved past the version this transaction started from;
	// SaveLoan's version check catches that.
	st.Loan.Version = t.version
	return st, nil
}

func (t *loanTx) PaymentsByTransaction(ctx context.Context, txID string) ([]ledger.PaymentRecord, error) {
	return paymentsByTransaction(ctx, t.tx, t.key, txID)
}

func (t *loanTx) SaveInstallment(ctx context.Context, inst ledger.Installment) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE installments
		SET amount_paid = $1::numeric, status = $2, last_payment_amount = $3::numeric, last_payment_date = $4
		WHERE agency_id = $5 AND loan_id = $6 AND id = $7
	`,
		inst.AmountPaid.String(), string(inst.Status),
		inst.LastPaymentAmount.String(), inst.LastPaymentDate,
		string(t.key.AgencyID), string(t.key.LoanID), string(inst.ID),
	)
	if err != nil {
		return conflictOr(err, "failed to save installment")
	}
	return nil
}

func (t *loanTx) AppendPayment(ctx context.Context, rec ledger.PaymentRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments
		(agency_id, loan_id, id, transaction_id, installment_id, amount, method, recorded_by,
		 recorded_at, paid_at, payment_type, balance_before, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12::numeric, $13::numeric)
	`,
		string(t.key.AgencyID), string(t.key.LoanID), rec.ID, rec.TransactionID,
		nullText(string(rec.InstallmentID)), rec.Amount.String(), rec.Method, rec.RecordedBy,
		rec.RecordedAt, rec.PaidAt, string(rec.Type),
		decimalText(rec.BalanceBefore), decimalText(rec.BalanceAfter),
	)
	if err != nil {
		return conflictOr(err, "failed to append payment")
	}
	return nil
}

func (t *loanTx) SaveLoan(ctx context.Context, l ledger.Loan) error {
	var next int64
	err := t.tx.QueryRow(ctx, `
		UPDATE loans
		SET total_payable = $1::numeric, total_paid = $2::numeric, outstanding_balance = $3::numeric,
		    status = $4, upcoming_due_date = $5, updated_at = $6, version = version + 1
		WHERE agency_id = $7 AND id = $8 AND version = $9
		RETURNING version
	`,
		l.TotalPayable.String(), l.TotalPaid.String(), l.OutstandingBalance.String(),
		string(l.Status), l.UpcomingDueDate, l.UpdatedAt,
		string(t.key.AgencyID), string(t.key.LoanID), t.version,
	).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrConcurrentModification
	}
	if err != nil {
		return conflictOr(err, "failed to save loan")
	}
	return nil
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func requireLoan(ctx context.Context, q querier, key ledger.LoanKey) error {
	var one int
	err := q.QueryRow(ctx,
		`SELECT 1 FROM loans WHERE agency_id = $1 AND id = $2`,
		string(key.AgencyID), string(key.LoanID),
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrLoanNotFound
	}
	return err
}

func loadState(ctx context.Context, q querier, key ledger.LoanKey) (*ledger.LoanState, error) {
	var (
		agencyID, id, status                  string
		principal, rate, payable, paid, owing string
		l                                     ledger.Loan
	)
	err := q.QueryRow(ctx, `
		SELECT agency_id, id, principal::text, interest_rate::text, duration_months,
		       total_payable::text, total_paid::text, outstanding_balance::text, status,
		       upcoming_due_date, currency, version, created_at, updated_at
		FROM loans WHERE agency_id = $1 AND id = $2
	`, string(key.AgencyID), string(key.LoanID)).Scan(
		&agencyID, &id, &principal, &rate, &l.DurationMonths,
		&payable, &paid, &owing, &status,
		&l.UpcomingDueDate, &l.Currency, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}
	l.AgencyID = ledger.AgencyID(agencyID)
	l.ID = ledger.LoanID(id)
	l.Status = ledger.Status(status)
	var money moneyParser
	l.Principal = money.parse("principal", principal)
	l.InterestRate = money.parse("interest_rate", rate)
	l.TotalPayable = money.parse("total_payable", payable)
	l.TotalPaid = money.parse("total_paid", paid)
	l.OutstandingBalance = money.parse("outstanding_balance", owing)
	if money.err != nil {
		return nil, money.err
	}

	state := &ledger.LoanState{Loan: l, AdHocPaid: decimal.Zero}

	rows, err := q.Query(ctx, `
		SELECT id, sequence, due_date, amount_due::text, amount_paid::text, status,
		       last_payment_amount::text, last_payment_date
		FROM installments WHERE agency_id = $1 AND loan_id = $2
		ORDER BY due_date, sequence, id
	`, string(key.AgencyID), string(key.LoanID))
	if err != nil {
		return nil, fmt.Errorf("failed to load installments: %w", err)
	}
	for rows.Next() {
		var (
			inst                         ledger.Installment
			instID, instStatus           string
			amtDue, amtPaid, lastPayment string
		)
		if err := rows.Scan(&instID, &inst.Sequence, &inst.DueDate, &amtDue, &amtPaid, &instStatus,
			&lastPayment, &inst.LastPaymentDate); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		inst.ID = ledger.InstallmentID(instID)
		inst.LoanID = l.ID
		inst.Status = ledger.InstallmentStatus(instStatus)
		inst.DueDate = inst.DueDate.UTC()
		inst.AmountDue = money.parse("amount_due", amtDue)
		inst.AmountPaid = money.parse("amount_paid", amtPaid)
		inst.LastPaymentAmount = money.parse("last_payment_amount", lastPayment)
		if money.err != nil {
			rows.Close()
			return nil, money.err
		}
		state.Installments = append(state.Installments, inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	adHoc, err := q.Query(ctx, `
		SELECT amount::text FROM payments
		WHERE agency_id = $1 AND loan_id = $2 AND payment_type = $3
	`, string(key.AgencyID), string(key.LoanID), string(ledger.PaymentAdHoc))
	if err != nil {
		return nil, fmt.Errorf("failed to load ad-hoc payments: %w", err)
	}
	defer adHoc.Close()
	for adHoc.Next() {
		var amount string
		if err := adHoc.Scan(&amount); err != nil {
			return nil, fmt.Errorf("failed to scan payment amount: %w", err)
		}
		state.AdHocPaid = state.AdHocPaid.Add(money.parse("amount", amount))
	}
	if money.err != nil {
		return nil, money.err
	}
	return state, adHoc.Err()
}

const paymentColumns = `id, transaction_id, installment_id, amount::text, method, recorded_by,
	recorded_at, paid_at, payment_type, balance_before::text, balance_after::text, agency_id, loan_id`

func paymentsByTransaction(ctx context.Context, q querier, key ledger.LoanKey, txID string) ([]ledger.PaymentRecord, error) {
	return queryPayments(ctx, q, `
		SELECT `+paymentColumns+` FROM payments
		WHERE agency_id = $1 AND loan_id = $2 AND transaction_id = $3
		ORDER BY recorded_at, id
	`, string(key.AgencyID), string(key.LoanID), txID)
}

func queryPayments(ctx context.Context, q querier, query string, args ...any) ([]ledger.PaymentRecord, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []ledger.PaymentRecord
	for rows.Next() {
		var (
			rec                 ledger.PaymentRecord
			installmentID       *string
			amount, payType     string
			balBefore, balAfter *string
			agencyID, loanID    string
		)
		err := rows.Scan(
			&rec.ID, &rec.TransactionID, &installmentID, &amount, &rec.Method, &rec.RecordedBy,
			&rec.RecordedAt, &rec.PaidAt, &payType, &balBefore, &balAfter, &agencyID, &loanID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if installmentID != nil {
			rec.InstallmentID = ledger.InstallmentID(*installmentID)
		}
		rec.AgencyID = ledger.AgencyID(agencyID)
		rec.LoanID = ledger.LoanID(loanID)
		rec.Type = ledger.PaymentType(payType)
		var money moneyParser
		rec.Amount = money.parse("amount", amount)
		rec.BalanceBefore = money.ptr("balance_before", balBefore)
		rec.BalanceAfter = money.ptr("balance_after", balAfter)
		if money.err != nil {
			return nil, money.err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Helper functions

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func conflictOr(err error, msg string) error {
	switch pgCode(err) {
	case codeUniqueViolation, codeSerializationFailure:
		return ledger.ErrConcurrentModification
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// moneyParser keeps the first failure across several columns of a row.
type moneyParser struct{ err error }

func (p *moneyParser) parse(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", column, s, err)
	}
	return d
}

func (p *moneyParser) ptr(column string, s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := p.parse(column, *s)
	return &d
}
