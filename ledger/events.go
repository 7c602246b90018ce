package ledger

import (
	"context"
	"time"
)

// =============================================================================
// OUTBOUND EVENTS - Emitted only after a successful commit
// =============================================================================

type EventKind string

const (
	// EventPaymentRecorded carries one PaymentRecord. Audit log consumers.
	EventPaymentRecorded EventKind = "payment_recorded"

	// EventStatusChanged signals a transition into overdue, defaulted or
	// completed. Notification consumers.
	EventStatusChanged EventKind = "status_changed"
)

type Event struct {
	// ID is assigned by the publisher when empty.
	ID      string
	Kind    EventKind
	LoanKey LoanKey
	Record  *PaymentRecord
	From    Status
	To      Status
	At      time.Time
}

// Publisher accepts events after commit. Implementations must not block the
// caller and must not report sink failures back: a correctly allocated
// payment is never rolled back because an audit write failed.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// statusEvent returns the transition event for from → to, if one is due.
func statusEvent(key LoanKey, from, to Status, at time.Time) (Event, bool) {
	if from == to || !to.Notifiable() {
		return Event{}, false
	}
	return Event{Kind: EventStatusChanged, LoanKey: key, From: from, To: to, At: at}, true
}
