/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is on the sentinels, and errors.As on the
  structured types when they need the details (e.g. the unallocated
  remainder of an excess payment).

ERROR CATEGORIES:
  1. Client errors  - Validation, invalid loan state, excess payment
  2. Transient      - Concurrent modification, retry exhaustion
  3. Lookup         - Loan not found, loan already exists
  4. Internal       - Invariant violations (abort the transaction)

AlreadyApplied is not a failure. The guard reports it with ErrAlreadyApplied
and the coordinator turns it into a successful Result.

SEE ALSO:
  - coordinator.go: Produces and maps these errors
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed payment requests. Nothing is written.
	ErrValidation = errors.New("invalid payment request")

	// ErrInvalidLoanState is returned when the loan does not accept payments.
	ErrInvalidLoanState = errors.New("loan is not in a payable state")

	// ErrExcessPayment is returned when the amount cannot be fully allocated.
	ErrExcessPayment = errors.New("payment exceeds outstanding amount")

	// ErrAlreadyApplied marks an idempotent replay.
	ErrAlreadyApplied = errors.New("payment already applied")

	// ErrConcurrentModification is returned by stores when optimistic locking
	// detects a conflicting commit.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrRetryExhausted is returned when conflicts persist past the retry budget.
	ErrRetryExhausted = errors.New("transaction retry budget exhausted")

	ErrLoanNotFound = errors.New("loan not found")
	ErrLoanExists   = errors.New("loan already exists")

	// ErrInvariantViolation is returned when a recomputed state is inconsistent.
	ErrInvariantViolation = errors.New("ledger invariant violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payment request: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type InvalidLoanStateError struct {
	LoanID LoanID
	Status Status
}

func (e *InvalidLoanStateError) Error() string {
	return fmt.Sprintf("loan %s is %s and does not accept payments", e.LoanID, e.Status)
}

func (e *InvalidLoanStateError) Unwrap() error { return ErrInvalidLoanState }

// ExcessPaymentError reports the part of a payment that could not be placed.
type ExcessPaymentError struct {
	LoanID      LoanID
	Requested   decimal.Decimal
	Allocatable decimal.Decimal // amount the schedule or balance could absorb
	Remainder   decimal.Decimal
}

func (e *ExcessPaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds allocatable %s on loan %s: %s unallocated",
		e.Requested, e.Allocatable, e.LoanID, e.Remainder)
}

func (e *ExcessPaymentError) Unwrap() error { return ErrExcessPayment }

type RetryExhaustedError struct {
	LoanID   LoanID
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("loan %s: gave up after %d attempts: %v", e.LoanID, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, ErrConcurrentModification}
}

type InvariantError struct {
	Rule   string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant %q violated: %s", e.Rule, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrRetryExhausted)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidLoanState) ||
		errors.Is(err, ErrExcessPayment)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound)
}
