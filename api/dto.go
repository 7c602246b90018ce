/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger package's types. Money is a JSON string ("150.00"); numbers are
  accepted on input as well.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

DATES:
  Due dates and payment dates are YYYY-MM-DD. Payment dates may also be
  full RFC 3339 timestamps.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUESTS
// =============================================================================

type CreateLoanRequest struct {
	ID             string             `json:"id,omitempty"`
	Principal      decimal.Decimal    `json:"principal"`
	InterestRate   decimal.Decimal    `json:"interest_rate"`
	DurationMonths int                `json:"duration_months"`
	TotalPayable   *decimal.Decimal   `json:"total_payable,omitempty"`
	Currency       string             `json:"currency,omitempty"`
	Status         string             `json:"status,omitempty"`
	Installments   []InstallmentInput `json:"installments,omitempty"`
}

type InstallmentInput struct {
	ID        string          `json:"id,omitempty"`
	DueDate   string          `json:"due_date"`
	AmountDue decimal.Decimal `json:"amount_due"`
}

// SubmitPaymentRequest is the body of POST .../payments. The
// Idempotency-Key header, when present, is used as TransactionID.
type SubmitPaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Nonce         string          `json:"nonce,omitempty"`
	Date          string          `json:"date,omitempty"`
	RecordedBy    string          `json:"recorded_by,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type LoanDTO struct {
	ID                 string           `json:"id"`
	AgencyID           string           `json:"agency_id"`
	Principal          decimal.Decimal  `json:"principal"`
	InterestRate       decimal.Decimal  `json:"interest_rate"`
	DurationMonths     int              `json:"duration_months"`
	TotalPayable       decimal.Decimal  `json:"total_payable"`
	TotalPaid          decimal.Decimal  `json:"total_paid"`
	OutstandingBalance decimal.Decimal  `json:"outstanding_balance"`
	Status             string           `json:"status"`
	UpcomingDueDate    *string          `json:"upcoming_due_date"`
	Currency           string           `json:"currency,omitempty"`
	Version            int64            `json:"version"`
	Installments       []InstallmentDTO `json:"installments"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

type InstallmentDTO struct {
	ID                string          `json:"id"`
	Sequence          int             `json:"sequence"`
	DueDate           string          `json:"due_date"`
	AmountDue         decimal.Decimal `json:"amount_due"`
	AmountPaid        decimal.Decimal `json:"amount_paid"`
	Status            string          `json:"status"`
	LastPaymentAmount decimal.Decimal `json:"last_payment_amount"`
	LastPaymentDate   *string         `json:"last_payment_date"`
}

type PaymentDTO struct {
	ID            string           `json:"id"`
	TransactionID string           `json:"transaction_id"`
	InstallmentID string           `json:"installment_id,omitempty"`
	Amount        decimal.Decimal  `json:"amount"`
	Method        string           `json:"method"`
	Type          string           `json:"type"`
	RecordedBy    string           `json:"recorded_by,omitempty"`
	RecordedAt    time.Time        `json:"recorded_at"`
	PaidAt        time.Time        `json:"paid_at"`
	BalanceBefore *decimal.Decimal `json:"balance_before,omitempty"`
	BalanceAfter  *decimal.Decimal `json:"balance_after,omitempty"`
}

type PaymentResponse struct {
	TransactionID  string       `json:"transaction_id"`
	AlreadyApplied bool         `json:"already_applied"`
	PreviousStatus string       `json:"previous_status"`
	Payments       []PaymentDTO `json:"payments"`
	Loan           LoanDTO      `json:"loan"`
}

type SweepResponse struct {
	AgencyID string            `json:"agency_id"`
	Scanned  int               `json:"scanned"`
	Changed  int               `json:"changed"`
	Failures map[string]string `json:"failures,omitempty"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	// Remainder is the unallocatable part of an excess payment.
	Remainder *decimal.Decimal `json:"remainder,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLoanDTO(st *ledger.LoanState) LoanDTO {
	l := st.Loan
	dto := LoanDTO{
		ID:                 string(l.ID),
		AgencyID:           string(l.AgencyID),
		Principal:          l.Principal,
		InterestRate:       l.InterestRate,
		DurationMonths:     l.DurationMonths,
		TotalPayable:       l.TotalPayable,
		TotalPaid:          l.TotalPaid,
		OutstandingBalance: l.OutstandingBalance,
		Status:             string(l.Status),
		UpcomingDueDate:    formatDatePtr(l.UpcomingDueDate),
		Currency:           l.Currency,
		Version:            l.Version,
		Installments:       make([]InstallmentDTO, 0, len(st.Installments)),
		UpdatedAt:          l.UpdatedAt,
	}
	for _, inst := range st.Installments {
		dto.Installments = append(dto.Installments, InstallmentDTO{
			ID:                string(inst.ID),
			Sequence:          inst.Sequence,
			DueDate:           inst.DueDate.Format(dateLayout),
			AmountDue:         inst.AmountDue,
			AmountPaid:        inst.AmountPaid,
			Status:            string(inst.Status),
			LastPaymentAmount: inst.LastPaymentAmount,
			LastPaymentDate:   formatDatePtr(inst.LastPaymentDate),
		})
	}
	return dto
}

func toPaymentDTOs(records []ledger.PaymentRecord) []PaymentDTO {
	out := make([]PaymentDTO, 0, len(records))
	for _, r := range records {
		out = append(out, PaymentDTO{
			ID:            r.ID,
			TransactionID: r.TransactionID,
			InstallmentID: string(r.InstallmentID),
			Amount:        r.Amount,
			Method:        r.Method,
			Type:          string(r.Type),
			RecordedBy:    r.RecordedBy,
			RecordedAt:    r.RecordedAt,
			PaidAt:        r.PaidAt,
			BalanceBefore: r.BalanceBefore,
			BalanceAfter:  r.BalanceAfter,
		})
	}
	return out
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}
