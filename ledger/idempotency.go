/*
idempotency.go - IdempotencyGuard

PURPOSE:
  Guarantees a payment is applied at most once per loan. Before any write,
  the guard looks up PaymentRecords carrying the request's transaction id.
  If any exist the call is a replay: the originals are returned and
  nothing is written.

KEY DERIVATION (KeyFor):
  1. Explicit TransactionID from the caller → used as-is. It must not
     contain the record separator ":", which is reserved for sub-record ids
  2. Otherwise Nonce supplied → "pay_" + sha256(agency|loan|amount|method|nonce)
  3. Neither → ValidationError

  The key depends only on request content. Wall-clock time never enters
  it: a resubmission after a timeout must collide with the original,
  and two genuinely different payments (different nonces) must not.

RECORD KEYS:
  A payment touching one installment (or ad-hoc) is stored under the key
  itself. A payment touching several installments writes one record per
  installment under key + ":" + installmentID, so each sub-write is
  individually idempotent. All of them carry TransactionID = key.
*/
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	derivedKeyPrefix = "pay_"
	recordSeparator  = ":"
)

// KeyFor returns the idempotency key for req.
func KeyFor(req PaymentRequest) (string, error) {
	if id := strings.TrimSpace(req.TransactionID); id != "" {
		if strings.Contains(id, recordSeparator) {
			return "", &ValidationError{Field: "transaction_id", Reason: "must not contain " + strconv.Quote(recordSeparator)}
		}
		return id, nil
	}
	if req.Nonce == "" {
		return "", &ValidationError{Field: "transaction_id", Reason: "or nonce is required"}
	}

	h := sha256.New()
	for _, part := range []string{
		string(req.AgencyID),
		string(req.LoanID),
		req.Amount.String(),
		req.Method,
		req.Nonce,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return derivedKeyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// RecordID returns the PaymentRecord id for one allocation unit.
func RecordID(key string, inst InstallmentID, units int) string {
	if units <= 1 || inst == "" {
		return key
	}
	return key + recordSeparator + string(inst)
}

// Guard is the IdempotencyGuard.
type Guard struct{}

// Check returns ErrAlreadyApplied together with the original records when
// key was already applied to the loan the transaction is scoped to.
func (Guard) Check(ctx context.Context, tx LoanTx, key string) ([]PaymentRecord, error) {
	existing, err := tx.PaymentsByTransaction(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, ErrAlreadyApplied
	}
	return nil, nil
}
