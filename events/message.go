// Package events delivers committed ledger events to the audit log and the
// external notifier, outside any transaction.
package events

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/warp/loan-ledger/ledger"
)

// NewEventID returns a time-ordered event id.
func NewEventID() string {
	return "evt_" + ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// Message is the wire form shared by every sink. Money is a decimal string.
type Message struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	AgencyID  string    `json:"agency_id"`
	LoanID    string    `json:"loan_id"`
	Payment   *Payment  `json:"payment,omitempty"`
	From      string    `json:"from_status,omitempty"`
	To        string    `json:"to_status,omitempty"`
	At        time.Time `json:"at"`
}

type Payment struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	InstallmentID string    `json:"installment_id,omitempty"`
	Amount        string    `json:"amount"`
	Method        string    `json:"method"`
	Type          string    `json:"type"`
	RecordedBy    string    `json:"recorded_by,omitempty"`
	PaidAt        time.Time `json:"paid_at"`
	BalanceBefore string    `json:"balance_before,omitempty"`
	BalanceAfter  string    `json:"balance_after,omitempty"`
}

func NewMessage(ev ledger.Event) Message {
	m := Message{
		EventID:   ev.ID,
		EventType: "loan." + string(ev.Kind),
		AgencyID:  string(ev.LoanKey.AgencyID),
		LoanID:    string(ev.LoanKey.LoanID),
		From:      string(ev.From),
		To:        string(ev.To),
		At:        ev.At,
	}
	if r := ev.Record; r != nil {
		p := &Payment{
			ID:            r.ID,
			TransactionID: r.TransactionID,
			InstallmentID: string(r.InstallmentID),
			Amount:        r.Amount.String(),
			Method:        r.Method,
			Type:          string(r.Type),
			RecordedBy:    r.RecordedBy,
			PaidAt:        r.PaidAt,
		}
		if r.BalanceBefore != nil {
			p.BalanceBefore = r.BalanceBefore.String()
		}
		if r.BalanceAfter != nil {
			p.BalanceAfter = r.BalanceAfter.String()
		}
		m.Payment = p
	}
	return m
}

func encode(ev ledger.Event) ([]byte, error) {
	return json.Marshal(NewMessage(ev))
}
