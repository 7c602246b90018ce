package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// LOG SINK
// =============================================================================

type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }
func (s *LogSink) Accepts(ledger.EventKind) bool { return true }

func (s *LogSink) Handle(_ context.Context, ev ledger.Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("loan", ev.LoanKey.String()),
	}
	if r := ev.Record; r != nil {
		fields = append(fields,
			zap.String("payment_id", r.ID),
			zap.String("amount", r.Amount.String()),
			zap.String("method", r.Method))
	}
	if ev.Kind == ledger.EventStatusChanged {
		fields = append(fields, zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
	}
	s.log.Info("ledger event", fields...)
	return nil
}

// =============================================================================
// REDIS AUDIT SINK - PUBLISH to a channel
// =============================================================================

const DefaultRedisChannel = "loan_payment_events"

// RedisPublisher is the part of *redis.Client the audit sink uses.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type RedisAuditSink struct {
	rdb     RedisPublisher
	channel string
}

func NewRedisAuditSink(rdb RedisPublisher, channel string) *RedisAuditSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisAuditSink{rdb: rdb, channel: channel}
}

func (s *RedisAuditSink) Name() string { return "redis" }
func (s *RedisAuditSink) Accepts(ledger.EventKind) bool { return true }

func (s *RedisAuditSink) Handle(ctx context.Context, ev ledger.Event) error {
	payload, err := encode(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// =============================================================================
// KAFKA NOTIFIER - Status transitions, keyed by loan
// =============================================================================

// MessageWriter is the part of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaNotifier struct {
	w MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		BatchSize:    100,
	}
}

func NewKafkaNotifier(w MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{w: w}
}

func (n *KafkaNotifier) Name() string { return "kafka" }

func (n *KafkaNotifier) Accepts(kind ledger.EventKind) bool {
	return kind == ledger.EventStatusChanged
}

// Handle writes one message keyed by loan id, so a loan's transitions stay
// ordered within a partition. Delivery is at-least-once; consumers dedupe
// on event_id.
func (n *KafkaNotifier) Handle(ctx context.Context, ev ledger.Event) error {
	payload, err := encode(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.LoanKey.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error { return n.w.Close() }
