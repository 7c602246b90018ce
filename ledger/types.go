/*
Package ledger provides the loan payment allocation and ledger consistency engine.

PURPOSE:
  Given a payment against a loan, the engine decides how the amount is
  applied (against scheduled installments, or directly against an undivided
  balance), records it exactly once even under retries, and atomically
  recomputes the loan's aggregate financial state and lifecycle status.

KEY CONCEPTS IN THIS FILE (types.go):
  - Loan: Aggregate financial record of one loan (totals, balance, status)
  - Installment: One scheduled due obligation of a loan
  - PaymentRecord: Immutable record of one applied allocation unit
  - PaymentRequest: Input submitted by the application layer
  - LoanState: Loan + installments + ad-hoc total, read as one unit

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Single writer: Loan and installment fields change only inside
     Coordinator transactions
  3. Derived status: Loan.Status is never set by callers; it is always
     the output of DeriveStatus
  4. Append-only payments: PaymentRecords are never updated or deleted

SEE ALSO:
  - allocator.go: PaymentAllocator
  - status.go: StatusDeriver
  - idempotency.go: IdempotencyGuard
  - coordinator.go: TransactionCoordinator
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AgencyID string
type LoanID string
type InstallmentID string

// LoanKey addresses one loan in the store. Every transaction is scoped to
// exactly one LoanKey.
type LoanKey struct {
	AgencyID AgencyID
	LoanID   LoanID
}

func (k LoanKey) String() string { return string(k.AgencyID) + "/" + string(k.LoanID) }

// =============================================================================
// LOAN STATUS - Closed enumeration
// =============================================================================

type Status string

const (
	// Set by origination, before this engine sees the loan.
	StatusDraft    Status = "draft"
	StatusRejected Status = "rejected"
	StatusApproved Status = "approved"

	// Derived by DeriveStatus.
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusOverdue   Status = "overdue"
	StatusDefaulted Status = "defaulted"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRejected, StatusApproved,
		StatusPending, StatusActive, StatusOverdue, StatusDefaulted, StatusCompleted:
		return true
	}
	return false
}

// Payable reports whether a loan in this status accepts payments.
func (s Status) Payable() bool {
	switch s {
	case StatusPending, StatusApproved, StatusActive, StatusOverdue:
		return true
	case StatusDraft, StatusRejected, StatusDefaulted, StatusCompleted:
		return false
	}
	return false
}

// Notifiable reports whether a transition into s must be signalled to the
// external notifier.
func (s Status) Notifiable() bool {
	switch s {
	case StatusOverdue, StatusDefaulted, StatusCompleted:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}

// =============================================================================
// LOAN - Aggregate financial record
// =============================================================================

type Loan struct {
	ID             LoanID
	AgencyID       AgencyID
	Principal      decimal.Decimal
	InterestRate   decimal.Decimal // annual, as a fraction (0.12 = 12%)
	DurationMonths int
	TotalPayable   decimal.Decimal
	TotalPaid      decimal.Decimal
	// OutstandingBalance is max(0, TotalPayable - TotalPaid).
	OutstandingBalance decimal.Decimal
	Status             Status
	UpcomingDueDate    *time.Time
	Currency           string

	// Version is owned by the store; it changes on every committed write.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (l Loan) Key() LoanKey { return LoanKey{AgencyID: l.AgencyID, LoanID: l.ID} }

// =============================================================================
// INSTALLMENT - One due obligation
// =============================================================================

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentOverdue InstallmentStatus = "overdue"
)

type Installment struct {
	ID     InstallmentID
	LoanID LoanID
	// Sequence breaks ties between installments due on the same day.
	Sequence          int
	DueDate           time.Time
	AmountDue         decimal.Decimal
	AmountPaid        decimal.Decimal
	Status            InstallmentStatus
	LastPaymentAmount decimal.Decimal
	LastPaymentDate   *time.Time
}

// Remaining returns what is still owed on the installment.
func (i Installment) Remaining() decimal.Decimal {
	r := i.AmountDue.Sub(i.AmountPaid)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (i Installment) Unpaid() bool { return i.AmountPaid.LessThan(i.AmountDue) }

// =============================================================================
// PAYMENT RECORD - Immutable, append-only
// =============================================================================

type PaymentType string

const (
	PaymentScheduled PaymentType = "scheduled"
	PaymentAdHoc     PaymentType = "ad_hoc"
)

type PaymentRecord struct {
	// ID is the idempotency key of this allocation unit. For payments that
	// touch several installments it is TransactionID + ":" + InstallmentID.
	ID            string
	TransactionID string
	LoanID        LoanID
	AgencyID      AgencyID
	InstallmentID InstallmentID // empty for ad-hoc payments
	Amount        decimal.Decimal
	Method        string
	RecordedBy    string
	RecordedAt    time.Time
	PaidAt        time.Time
	Type          PaymentType

	// Ad-hoc only.
	BalanceBefore *decimal.Decimal
	BalanceAfter  *decimal.Decimal
}

// =============================================================================
// PAYMENT REQUEST - Input from the application layer
// =============================================================================

type PaymentRequest struct {
	LoanID   LoanID
	AgencyID AgencyID
	Amount   decimal.Decimal
	Method   string

	// TransactionID is the caller-supplied idempotency key. When empty, a key
	// is derived from request content and Nonce (see KeyFor).
	TransactionID string
	Nonce         string

	Date       time.Time
	RecordedBy string
}

func (r PaymentRequest) Key() LoanKey { return LoanKey{AgencyID: r.AgencyID, LoanID: r.LoanID} }

// =============================================================================
// LOAN STATE - What a transaction reads and writes
// =============================================================================

// LoanState is the full consistency unit for one loan.
type LoanState struct {
	Loan Loan
	// Installments sorted by DueDate, then Sequence.
	Installments []Installment
	// AdHocPaid is the sum of all ad-hoc PaymentRecord amounts.
	AdHocPaid decimal.Decimal
}

// Clone returns a deep copy, so callers can mutate without touching the
// store's committed state.
func (s *LoanState) Clone() *LoanState {
	if s == nil {
		return nil
	}
	out := &LoanState{Loan: s.Loan, AdHocPaid: s.AdHocPaid}
	if s.Loan.UpcomingDueDate != nil {
		d := *s.Loan.UpcomingDueDate
		out.Loan.UpcomingDueDate = &d
	}
	out.Installments = make([]Installment, len(s.Installments))
	for i, inst := range s.Installments {
		if inst.LastPaymentDate != nil {
			d := *inst.LastPaymentDate
			inst.LastPaymentDate = &d
		}
		out.Installments[i] = inst
	}
	return out
}

// Installment finds an installment by id.
func (s *LoanState) Installment(id InstallmentID) (Installment, bool) {
	for _, inst := range s.Installments {
		if inst.ID == id {
			return inst, true
		}
	}
	return Installment{}, false
}

// Result is the outcome of a successfully handled payment request.
type Result struct {
	TransactionID string
	// AlreadyApplied is true when the request was an idempotent replay; the
	// records are the originals and nothing was written.
	AlreadyApplied bool
	Records        []PaymentRecord
	State          *LoanState
	PreviousStatus Status
	Attempts       int
}
