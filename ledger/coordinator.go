/*
coordinator.go - TransactionCoordinator

PURPOSE:
  The single writer path for loan ledgers. Every change to a loan's
  installments, totals or status goes through a Coordinator method, which
  runs it inside one optimistic store transaction scoped to that loan.

APPLY PAYMENT FLOW:
  0. Validate the request, derive the idempotency key, fast-fail on an
     obvious excess against committed state (no writes)
  ─── transaction (re-run from here on conflict) ───
  1. Reload loan + installments at the current version
  2. IdempotencyGuard → replay returns the original records
  3. Status must be payable
  4. Allocate (pure)
  5. Apply allocations to installments / ad-hoc balance
  6. Write one PaymentRecord per allocation unit
  7. Recompute aggregates
  8. Derive statuses, check invariants, persist
  ─── commit ───
  9. Publish events (payment recorded, status transition)

  The guard runs before the status check so a replay of a payment that
  completed the loan still returns the original records. The guard only
  reads, so nothing is written before validation either way.

RETRY:
  ErrConcurrentModification from the store re-runs steps 1-8 against fresh
  state, up to MaxAttempts, with jittered backoff between attempts. A
  racing second payment therefore allocates against what the first one
  left behind.

SEE ALSO:
  - allocator.go, status.go, aggregate.go: The pure parts
  - store.go: WithLoanTx contract
  - events.go: Publisher
*/
package ledger

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 5

	// MaxBackoff caps a single delay between attempts.
	MaxBackoff = 2 * time.Second
)

// Backoff returns the delay before the given retry attempt (2, 3, ...).
type Backoff func(attempt int) time.Duration

// JitterBackoff doubles a base delay per attempt and adds up to the same
// amount again of random jitter, never exceeding MaxBackoff.
func JitterBackoff(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if base <= 0 || attempt < 2 {
			return 0
		}
		d := base
		for i := 2; i < attempt && d < MaxBackoff; i++ {
			d *= 2
		}
		d += time.Duration(rand.Int63n(int64(d)))
		if d > MaxBackoff {
			return MaxBackoff
		}
		return d
	}
}

type Coordinator struct {
	store       TxStore
	guard       Guard
	log         *zap.Logger
	clock       Clock
	publisher   Publisher
	maxAttempts int
	backoff     Backoff
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock sets the clock used for status derivation and record timestamps.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(c *Coordinator) { c.backoff = b }
}

func NewCoordinator(store TxStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		log:         zap.NewNop(),
		clock:       SystemClock,
		publisher:   nopPublisher{},
		maxAttempts: DefaultMaxAttempts,
		backoff:     JitterBackoff(5 * time.Millisecond),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateRequest performs the checks that need no state.
func ValidateRequest(req PaymentRequest) error {
	switch {
	case req.AgencyID == "":
		return &ValidationError{Field: "agency_id", Reason: "is required"}
	case req.LoanID == "":
		return &ValidationError{Field: "loan_id", Reason: "is required"}
	case !req.Amount.IsPositive():
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	case strings.TrimSpace(req.Method) == "":
		return &ValidationError{Field: "method", Reason: "is required"}
	}
	return nil
}

// precheck rejects an amount above the committed outstanding balance before
// a transaction is opened. Replays and non-payable loans fall through to the
// transaction, which reports them precisely.
func (c *Coordinator) precheck(ctx context.Context, req PaymentRequest, txID string) error {
	state, err := c.store.LoadLoan(ctx, req.Key())
	if err != nil {
		return err
	}
	if !state.Loan.Status.Payable() || !req.Amount.GreaterThan(state.Loan.OutstandingBalance) {
		return nil
	}
	existing, err := c.store.PaymentsByTransaction(ctx, req.Key(), txID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return &ExcessPaymentError{
		LoanID:      req.LoanID,
		Requested:   req.Amount,
		Allocatable: state.Loan.OutstandingBalance,
		Remainder:   req.Amount.Sub(state.Loan.OutstandingBalance),
	}
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

// ApplyPayment records req exactly once and returns the updated ledger.
// A replay of an already applied request returns the original records with
// Result.AlreadyApplied set and a nil error.
func (c *Coordinator) ApplyPayment(ctx context.Context, req PaymentRequest) (res *Result, err error) {
	start := time.Now()
	defer func() {
		applyDuration.Observe(time.Since(start).Seconds())
		outcome := outcomeOf(err)
		if res != nil && res.AlreadyApplied {
			outcome = outcomeReplayed
		}
		paymentsTotal.WithLabelValues(outcome).Inc()
	}()

	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	txID, err := KeyFor(req)
	if err != nil {
		return nil, err
	}
	if err := c.precheck(ctx, req, txID); err != nil {
		return nil, err
	}

	var (
		out    *Result
		events []Event
	)
	attempts, err := c.withRetry(ctx, req.Key(), func(tx LoanTx) error {
		// Reset per attempt: nothing from an aborted run survives.
		out, events = nil, nil

		state, err := tx.Load(ctx)
		if err != nil {
			return err
		}

		originals, err := c.guard.Check(ctx, tx, txID)
		if errors.Is(err, ErrAlreadyApplied) {
			out = &Result{TransactionID: txID, AlreadyApplied: true, Records: originals, State: state, PreviousStatus: state.Loan.Status}
			return err
		}
		if err != nil {
			return err
		}

		if !state.Loan.Status.Payable() {
			return &InvalidLoanStateError{LoanID: state.Loan.ID, Status: state.Loan.Status}
		}

		plan, err := Allocate(state.Loan, state.Installments, req.Amount)
		if err != nil {
			return err
		}

		loaded := state.Clone()
		now := c.clock()
		records := c.apply(state, plan, req, txID, now)

		Recompute(state, now)
		if err := CheckInvariants(state, now); err != nil {
			return err
		}

		if err := saveInstallments(ctx, tx, loaded, state); err != nil {
			return err
		}
		for _, rec := range records {
			if err := tx.AppendPayment(ctx, rec); err != nil {
				return err
			}
		}
		state.Loan.UpdatedAt = now
		if err := tx.SaveLoan(ctx, state.Loan); err != nil {
			return err
		}

		out = &Result{TransactionID: txID, Records: records, State: state, PreviousStatus: loaded.Loan.Status}
		for i := range records {
			events = append(events, Event{Kind: EventPaymentRecorded, LoanKey: req.Key(), Record: &records[i], At: now})
		}
		if ev, ok := statusEvent(req.Key(), loaded.Loan.Status, state.Loan.Status, now); ok {
			events = append(events, ev)
		}
		return nil
	})

	if errors.Is(err, ErrAlreadyApplied) && out != nil {
		out.Attempts = attempts
		c.log.Info("payment replayed",
			zap.String("loan", req.Key().String()),
			zap.String("transaction_id", txID),
			zap.Int("records", len(out.Records)))
		return out, nil
	}
	if err != nil {
		c.log.Info("payment rejected",
			zap.String("loan", req.Key().String()),
			zap.String("transaction_id", txID),
			zap.Error(err))
		return nil, err
	}

	out.Attempts = attempts
	c.log.Info("payment applied",
		zap.String("loan", req.Key().String()),
		zap.String("transaction_id", txID),
		zap.String("amount", req.Amount.String()),
		zap.Int("records", len(out.Records)),
		zap.String("status", string(out.State.Loan.Status)),
		zap.Int("attempts", attempts))

	for _, ev := range events {
		c.publisher.Publish(ctx, ev)
	}
	return out, nil
}

// apply mutates state per plan and returns the records to append.
func (c *Coordinator) apply(state *LoanState, plan Plan, req PaymentRequest, txID string, now time.Time) []PaymentRecord {
	paidAt := req.Date
	if paidAt.IsZero() {
		paidAt = now
	}
	base := PaymentRecord{
		TransactionID: txID,
		LoanID:        state.Loan.ID,
		AgencyID:      state.Loan.AgencyID,
		Method:        req.Method,
		RecordedBy:    req.RecordedBy,
		RecordedAt:    now,
		PaidAt:        paidAt,
	}

	if plan.Mode == ModeAdHoc {
		before := state.Loan.OutstandingBalance
		after := before.Sub(plan.Total)
		state.AdHocPaid = state.AdHocPaid.Add(plan.Total)
		state.Loan.OutstandingBalance = after

		rec := base
		rec.ID = txID
		rec.Amount = plan.Total
		rec.Type = PaymentAdHoc
		rec.BalanceBefore = &before
		rec.BalanceAfter = &after
		return []PaymentRecord{rec}
	}

	records := make([]PaymentRecord, 0, len(plan.Allocations))
	for _, a := range plan.Allocations {
		for i := range state.Installments {
			inst := &state.Installments[i]
			if inst.ID != a.InstallmentID {
				continue
			}
			inst.AmountPaid = inst.AmountPaid.Add(a.Amount)
			inst.LastPaymentAmount = a.Amount
			d := paidAt
			inst.LastPaymentDate = &d
			inst.Status = DeriveInstallmentStatus(*inst, now)
		}

		rec := base
		rec.ID = RecordID(txID, a.InstallmentID, len(plan.Allocations))
		rec.InstallmentID = a.InstallmentID
		rec.Amount = a.Amount
		rec.Type = PaymentScheduled
		records = append(records, rec)
	}
	return records
}

// saveInstallments writes every installment that differs from its loaded copy.
func saveInstallments(ctx context.Context, tx LoanTx, loaded, state *LoanState) error {
	prev := make(map[InstallmentID]Installment, len(loaded.Installments))
	for _, inst := range loaded.Installments {
		prev[inst.ID] = inst
	}
	for _, inst := range state.Installments {
		p, ok := prev[inst.ID]
		if ok && p.Status == inst.Status &&
			p.AmountPaid.Equal(inst.AmountPaid) &&
			p.LastPaymentAmount.Equal(inst.LastPaymentAmount) &&
			timePtrEqual(p.LastPaymentDate, inst.LastPaymentDate) {
			continue
		}
		if err := tx.SaveInstallment(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// RECOMPUTE - Periodic accrual / overdue entry point
// =============================================================================

// Recompute re-derives the loan's aggregates and statuses against the
// coordinator clock, persisting only if something changed.
func (c *Coordinator) Recompute(ctx context.Context, key LoanKey) (*LoanState, error) {
	state, _, err := c.recompute(ctx, key)
	return state, err
}

func (c *Coordinator) recompute(ctx context.Context, key LoanKey) (*LoanState, bool, error) {
	var (
		state   *LoanState
		changed bool
		event   *Event
	)
	_, err := c.withRetry(ctx, key, func(tx LoanTx) error {
		state, changed, event = nil, false, nil

		st, err := tx.Load(ctx)
		if err != nil {
			return err
		}
		loaded := st.Clone()
		now := c.clock()

		if !Recompute(st, now) {
			state = st
			return nil
		}
		if err := CheckInvariants(st, now); err != nil {
			return err
		}
		if err := saveInstallments(ctx, tx, loaded, st); err != nil {
			return err
		}
		st.Loan.UpdatedAt = now
		if err := tx.SaveLoan(ctx, st.Loan); err != nil {
			return err
		}

		state, changed = st, true
		if ev, ok := statusEvent(key, loaded.Loan.Status, st.Loan.Status, now); ok {
			event = &ev
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		c.log.Info("loan recomputed",
			zap.String("loan", key.String()),
			zap.String("status", string(state.Loan.Status)),
			zap.String("outstanding", state.Loan.OutstandingBalance.String()))
	}
	if event != nil {
		c.publisher.Publish(ctx, *event)
	}
	return state, changed, nil
}

// SweepReport summarises RecomputeAgency.
type SweepReport struct {
	AgencyID AgencyID
	Scanned  int
	Changed  int
	Failures map[LoanID]error
}

// RecomputeAgency recomputes every loan of an agency, one transaction per
// loan. A failing loan is recorded in the report and the sweep continues.
func (c *Coordinator) RecomputeAgency(ctx context.Context, agencyID AgencyID) (SweepReport, error) {
	report := SweepReport{AgencyID: agencyID, Failures: make(map[LoanID]error)}

	keys, err := c.store.ListLoans(ctx, agencyID)
	if err != nil {
		return report, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		_, changed, err := c.recompute(ctx, key)
		if err != nil {
			c.log.Warn("recompute failed", zap.String("loan", key.String()), zap.Error(err))
			report.Failures[key.LoanID] = err
			continue
		}
		if changed {
			report.Changed++
		}
	}
	return report, nil
}

// =============================================================================
// READS AND ORIGINATION
// =============================================================================

// Snapshot returns the committed state of a loan.
func (c *Coordinator) Snapshot(ctx context.Context, key LoanKey) (*LoanState, error) {
	return c.store.LoadLoan(ctx, key)
}

func (c *Coordinator) Payments(ctx context.Context, key LoanKey) ([]PaymentRecord, error) {
	return c.store.Payments(ctx, key)
}

// Loans returns the committed state of every loan in an agency.
func (c *Coordinator) Loans(ctx context.Context, agencyID AgencyID) ([]*LoanState, error) {
	keys, err := c.store.ListLoans(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	out := make([]*LoanState, 0, len(keys))
	for _, key := range keys {
		st, err := c.store.LoadLoan(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Originate persists a state built by NewLoan.
func (c *Coordinator) Originate(ctx context.Context, state *LoanState) error {
	if err := c.store.CreateLoan(ctx, state); err != nil {
		return err
	}
	c.log.Info("loan originated",
		zap.String("loan", state.Loan.Key().String()),
		zap.String("total_payable", state.Loan.TotalPayable.String()),
		zap.Int("installments", len(state.Installments)))
	return nil
}

// =============================================================================
// RETRY LOOP
// =============================================================================

func (c *Coordinator) withRetry(ctx context.Context, key LoanKey, fn func(tx LoanTx) error) (int, error) {
	var last error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 && c.backoff != nil {
			if err := sleep(ctx, c.backoff(attempt)); err != nil {
				return attempt - 1, err
			}
		}
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := c.store.WithLoanTx(ctx, key, fn)
		if !errors.Is(err, ErrConcurrentModification) {
			return attempt, err
		}

		txConflicts.Inc()
		last = err
		c.log.Debug("write conflict, retrying",
			zap.String("loan", key.String()),
			zap.Int("attempt", attempt))
	}

	c.log.Error("retry budget exhausted",
		zap.String("loan", key.String()),
		zap.Int("attempts", c.maxAttempts),
		zap.Error(last))
	return c.maxAttempts, &RetryExhaustedError{LoanID: key.LoanID, Attempts: c.maxAttempts, Last: last}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
