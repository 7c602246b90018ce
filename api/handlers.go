/*
handlers.go - HTTP API handlers for the loan ledger

PURPOSE:
  Exposes the ledger Coordinator via REST. Handles HTTP request/response
  and JSON, and delegates every read and write to the Coordinator. No
  handler touches loan or installment fields directly.

ENDPOINTS:
  Loans:
    POST   /api/agencies/{agencyID}/loans                      Originate a loan
    GET    /api/agencies/{agencyID}/loans                      List loan snapshots
    GET    /api/agencies/{agencyID}/loans/{loanID}             Ledger snapshot
    POST   /api/agencies/{agencyID}/loans/{loanID}/recompute   Re-derive status

  Payments:
    GET    /api/agencies/{agencyID}/loans/{loanID}/payments    Payment records
    POST   /api/agencies/{agencyID}/loans/{loanID}/payments    Submit a payment

  Jobs:
    POST   /api/agencies/{agencyID}/sweep                      Recompute every loan

ERROR HANDLING:
  - 400: Validation errors, malformed JSON
  - 404: Loan not found
  - 409: Loan not payable, loan already exists
  - 422: Excess payment (body carries the remainder)
  - 503: Retry budget exhausted (Retry-After set)
  - 500: Internal errors

IDEMPOTENCY:
  A replayed payment answers 200 with already_applied=true and the original
  records. A newly applied payment answers 201.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/ledger"
)

// Handler holds API dependencies.
type Handler struct {
	Coordinator *ledger.Coordinator
	Payable     ledger.PayableFunc
	Clock       ledger.Clock
	Log         *zap.Logger
}

func NewHandler(coord *ledger.Coordinator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Coordinator: coord,
		Payable:     ledger.FlatInterest,
		Clock:       ledger.SystemClock,
		Log:         log,
	}
}

func loanKey(r *http.Request) ledger.LoanKey {
	return ledger.LoanKey{
		AgencyID: ledger.AgencyID(chi.URLParam(r, "agencyID")),
		LoanID:   ledger.LoanID(chi.URLParam(r, "loanID")),
	}
}

// =============================================================================
// LOAN ENDPOINTS
// =============================================================================

// CreateLoan originates a loan with its supplied schedule.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	params := ledger.LoanParams{
		ID:             ledger.LoanID(req.ID),
		AgencyID:       ledger.AgencyID(chi.URLParam(r, "agencyID")),
		Principal:      req.Principal,
		InterestRate:   req.InterestRate,
		DurationMonths: req.DurationMonths,
		Currency:       req.Currency,
		Status:         ledger.Status(req.Status),
	}
	if req.TotalPayable != nil {
		params.TotalPayable = *req.TotalPayable
	}

	schedule := make([]ledger.InstallmentParams, 0, len(req.Installments))
	for _, in := range req.Installments {
		due, err := parseDate(in.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid due_date", err)
			return
		}
		schedule = append(schedule, ledger.InstallmentParams{
			ID:        ledger.InstallmentID(in.ID),
			DueDate:   due,
			AmountDue: in.AmountDue,
		})
	}

	state, err := ledger.NewLoan(params, schedule, h.Payable, h.Clock())
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if err := h.Coordinator.Originate(r.Context(), state); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toLoanDTO(state))
}

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	states, err := h.Coordinator.Loans(r.Context(), ledger.AgencyID(chi.URLParam(r, "agencyID")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dtos := make([]LoanDTO, 0, len(states))
	for _, st := range states {
		dtos = append(dtos, toLoanDTO(st))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	state, err := h.Coordinator.Snapshot(r.Context(), loanKey(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(state))
}

// RecomputeLoan is the periodic-job entry point for a single loan.
func (h *Handler) RecomputeLoan(w http.ResponseWriter, r *http.Request) {
	state, err := h.Coordinator.Recompute(r.Context(), loanKey(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(state))
}

func (h *Handler) SweepAgency(w http.ResponseWriter, r *http.Request) {
	report, err := h.Coordinator.RecomputeAgency(r.Context(), ledger.AgencyID(chi.URLParam(r, "agencyID")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	resp := SweepResponse{
		AgencyID: string(report.AgencyID),
		Scanned:  report.Scanned,
		Changed:  report.Changed,
	}
	if len(report.Failures) > 0 {
		resp.Failures = make(map[string]string, len(report.Failures))
		for id, ferr := range report.Failures {
			resp.Failures[string(id)] = ferr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	records, err := h.Coordinator.Payments(r.Context(), loanKey(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(records))
}

// SubmitPayment applies a payment exactly once.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req SubmitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	key := loanKey(r)
	pr := ledger.PaymentRequest{
		LoanID:        key.LoanID,
		AgencyID:      key.AgencyID,
		Amount:        req.Amount,
		Method:        req.Method,
		TransactionID: req.TransactionID,
		Nonce:         req.Nonce,
		RecordedBy:    req.RecordedBy,
	}
	if hdr := strings.TrimSpace(r.Header.Get("Idempotency-Key")); hdr != "" {
		pr.TransactionID = hdr
	}
	if req.Date != "" {
		d, err := parseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
		pr.Date = d
	}

	res, err := h.Coordinator.ApplyPayment(r.Context(), pr)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyApplied {
		status = http.StatusOK
	}
	writeJSON(w, status, PaymentResponse{
		TransactionID:  res.TransactionID,
		AlreadyApplied: res.AlreadyApplied,
		PreviousStatus: string(res.PreviousStatus),
		Payments:       toPaymentDTOs(res.Records),
		Loan:           toLoanDTO(res.State),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeLedgerError maps ledger errors to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	var excess *ledger.ExcessPaymentError
	switch {
	case errors.As(err, &excess):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     "Payment exceeds outstanding amount",
			Details:   err.Error(),
			Remainder: &excess.Remainder,
		})
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, ledger.ErrLoanNotFound):
		writeError(w, http.StatusNotFound, "Loan not found", err)
	case errors.Is(err, ledger.ErrInvalidLoanState):
		writeError(w, http.StatusConflict, "Loan does not accept payments", err)
	case errors.Is(err, ledger.ErrLoanExists):
		writeError(w, http.StatusConflict, "Loan already exists", err)
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Loan is busy, retry later", err)
	default:
		h.Log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
