/*
bus.go - Outbound event channel

PURPOSE:
  Implements ledger.Publisher. The coordinator publishes after commit;
  Publish never blocks and never fails. A single Run goroutine fans each
  event out to the configured sinks.

BACKPRESSURE:
  The channel is buffered. When it is full the event is dropped, counted
  in ledger_events_dropped_total and logged at Warn. A slow audit store
  must not stall payment processing.

SINK FAILURES:
  Logged and counted per sink, then swallowed. The payment they describe
  is already committed.

USAGE:
  bus := events.NewBus(1024, logger, events.NewLogSink(logger), redisSink)
  go bus.Run(ctx)
  coord := ledger.NewCoordinator(store, ledger.WithPublisher(bus))
*/
package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/ledger"
)

var (
	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_events_dropped_total",
			Help: "Events dropped because the outbound buffer was full",
		},
	)

	sinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_event_sink_errors_total",
			Help: "Event delivery failures, by sink",
		},
		[]string{"sink"},
	)
)

// Sink receives events from the bus. Accepts reports which kinds it wants.
type Sink interface {
	Name() string
	Accepts(kind ledger.EventKind) bool
	Handle(ctx context.Context, ev ledger.Event) error
}

const DefaultBuffer = 1024

type Bus struct {
	ch    chan ledger.Event
	sinks []Sink
	log   *zap.Logger
}

func NewBus(buffer int, log *zap.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{ch: make(chan ledger.Event, buffer), sinks: sinks, log: log}
}

// Publish enqueues ev without blocking.
func (b *Bus) Publish(_ context.Context, ev ledger.Event) {
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	select {
	case b.ch <- ev:
	default:
		eventsDropped.Inc()
		b.log.Warn("event buffer full, dropping event",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.String("loan", ev.LoanKey.String()))
	}
}

// Run dispatches events until ctx is done, then delivers whatever is
// still buffered and returns.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ctx, ev)
		case <-ctx.Done():
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev ledger.Event) {
	for _, s := range b.sinks {
		if !s.Accepts(ev.Kind) {
			continue
		}
		if err := s.Handle(ctx, ev); err != nil {
			sinkErrors.WithLabelValues(s.Name()).Inc()
			b.log.Warn("event sink failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", ev.ID),
				zap.String("loan", ev.LoanKey.String()),
				zap.Error(err))
		}
	}
}

// Pending returns the number of buffered events.
func (b *Bus) Pending() int { return len(b.ch) }
