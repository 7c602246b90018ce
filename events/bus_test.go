package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// FAKES
// =============================================================================

type captureSink struct {
	name   string
	kinds  map[ledger.EventKind]bool
	err    error
	events []ledger.Event
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Accepts(kind ledger.EventKind) bool { return s.kinds == nil || s.kinds[kind] }

func (s *captureSink) Handle(_ context.Context, ev ledger.Event) error {
	s.events = append(s.events, ev)
	return s.err
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var key = ledger.LoanKey{AgencyID: "agency-1", LoanID: "loan-1"}

func paymentEvent() ledger.Event {
	before, after := decimal.RequireFromString("500"), decimal.RequireFromString("460")
	return ledger.Event{
		Kind:    ledger.EventPaymentRecorded,
		LoanKey: key,
		Record: &ledger.PaymentRecord{
			ID: "txn-1", TransactionID: "txn-1", Amount: decimal.RequireFromString("40"),
			Method: "cash", Type: ledger.PaymentAdHoc,
			BalanceBefore: &before, BalanceAfter: &after,
		},
		At: time.Date(2025, time.January, 2, 10, 0, 0, 0, time.UTC),
	}
}

func statusChange() ledger.Event {
	return ledger.Event{
		Kind:    ledger.EventStatusChanged,
		LoanKey: key,
		From:    ledger.StatusActive,
		To:      ledger.StatusOverdue,
		At:      time.Date(2025, time.January, 2, 10, 0, 0, 0, time.UTC),
	}
}

// runUntilDrained starts the bus, cancels it, and waits for Run to return.
func runUntilDrained(b *Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}

// =============================================================================
// BUS
// =============================================================================

func TestBus_DeliversToAcceptingSinks(t *testing.T) {
	// GIVEN: A catch-all sink and a status-only sink
	// WHEN: One payment and one status event are published
	// THEN: Each sink sees only what it accepts, with ids assigned
	all := &captureSink{name: "all"}
	statusOnly := &captureSink{name: "status", kinds: map[ledger.EventKind]bool{ledger.EventStatusChanged: true}}
	b := NewBus(8, zap.NewNop(), all, statusOnly)

	b.Publish(context.Background(), paymentEvent())
	b.Publish(context.Background(), statusChange())
	runUntilDrained(b)

	require.Len(t, all.events, 2)
	require.Len(t, statusOnly.events, 1)
	assert.Equal(t, ledger.EventStatusChanged, statusOnly.events[0].Kind)
	for _, ev := range all.events {
		assert.True(t, strings.HasPrefix(ev.ID, "evt_"), "id %q", ev.ID)
	}
	assert.NotEqual(t, all.events[0].ID, all.events[1].ID)
	assert.Zero(t, b.Pending())
}

func TestBus_DropsWhenFull(t *testing.T) {
	// GIVEN: A bus with room for one event and no consumer
	// WHEN: Three events are published
	// THEN: Publish never blocks, two are dropped and counted
	before := testutil.ToFloat64(eventsDropped)
	b := NewBus(1, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			b.Publish(context.Background(), paymentEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, before+2, testutil.ToFloat64(eventsDropped))
}

func TestBus_SinkFailureIsCountedNotFatal(t *testing.T) {
	failing := &captureSink{name: "failing-test-sink", err: errors.New("down")}
	healthy := &captureSink{name: "healthy"}
	b := NewBus(4, zap.NewNop(), failing, healthy)

	b.Publish(context.Background(), paymentEvent())
	runUntilDrained(b)

	assert.Len(t, healthy.events, 1, "a failing sink must not starve the others")
	assert.Equal(t, float64(1), testutil.ToFloat64(sinkErrors.WithLabelValues("failing-test-sink")))
}

func TestBus_KeepsExplicitID(t *testing.T) {
	sink := &captureSink{name: "all"}
	b := NewBus(1, nil, sink)

	ev := statusChange()
	ev.ID = "evt_fixed"
	b.Publish(context.Background(), ev)
	runUntilDrained(b)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "evt_fixed", sink.events[0].ID)
}

// =============================================================================
// SINKS
// =============================================================================

func TestRedisAuditSink_PublishesMessage(t *testing.T) {
	rdb := &fakeRedis{}
	sink := NewRedisAuditSink(rdb, "")

	ev := paymentEvent()
	ev.ID = "evt_1"
	require.NoError(t, sink.Handle(context.Background(), ev))

	assert.Equal(t, DefaultRedisChannel, rdb.channel)

	var msg Message
	require.NoError(t, json.Unmarshal(rdb.payload, &msg))
	assert.Equal(t, "evt_1", msg.EventID)
	assert.Equal(t, "loan.payment_recorded", msg.EventType)
	assert.Equal(t, "agency-1", msg.AgencyID)
	require.NotNil(t, msg.Payment)
	assert.Equal(t, "40", msg.Payment.Amount)
	assert.Equal(t, "500", msg.Payment.BalanceBefore)
	assert.Equal(t, "460", msg.Payment.BalanceAfter)
}

func TestRedisAuditSink_ReportsError(t *testing.T) {
	sink := NewRedisAuditSink(&fakeRedis{err: errors.New("connection refused")}, "audit")
	err := sink.Handle(context.Background(), paymentEvent())
	assert.ErrorContains(t, err, "connection refused")
}

func TestKafkaNotifier_StatusOnlyKeyedByLoan(t *testing.T) {
	w := &fakeWriter{}
	n := NewKafkaNotifier(w)

	assert.False(t, n.Accepts(ledger.EventPaymentRecorded))
	assert.True(t, n.Accepts(ledger.EventStatusChanged))

	require.NoError(t, n.Handle(context.Background(), statusChange()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "agency-1/loan-1", string(w.msgs[0].Key))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "status_changed", string(w.msgs[0].Headers[0].Value))

	var msg Message
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &msg))
	assert.Equal(t, "active", msg.From)
	assert.Equal(t, "overdue", msg.To)
	assert.Nil(t, msg.Payment)

	require.NoError(t, n.Close())
	assert.True(t, w.closed)
}

func TestNewEventID_Unique(t *testing.T) {
	a, b := NewEventID(), NewEventID()
	assert.Len(t, a, len("evt_")+26)
	assert.NotEqual(t, a, b)
}
