/*
Package factory builds the runtime components from configuration.

PURPOSE:
  Turns a config.AppConfig into a wired engine: logger, store backend,
  event bus with its sinks, and the Coordinator. cmd/server and
  cmd/ledgerctl share this so both run the exact same engine.

COMPONENTS:
  NewLogger:    zap production logger, development logger for LOG_LEVEL=debug
  OpenStore:    sqlite (default), postgres, or memory
  NewEventBus:  log sink always; Redis audit sink and Kafka notifier when
                configured
  Build:        All of the above plus the Coordinator

USAGE:
  cfg, err := config.Load()
  engine, err := factory.Build(ctx, cfg, logger)
  defer engine.Close()

  go engine.Bus.Run(ctx)
  res, err := engine.Coordinator.ApplyPayment(ctx, req)

SEE ALSO:
  - config/config.go: Settings
  - ledger/coordinator.go: Coordinator options
*/
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/config"
	"github.com/warp/loan-ledger/events"
	"github.com/warp/loan-ledger/ledger"
	memstore "github.com/warp/loan-ledger/ledger/store"
	"github.com/warp/loan-ledger/store/postgres"
	"github.com/warp/loan-ledger/store/sqlite"
)

// Engine is a fully wired ledger.
type Engine struct {
	Log         *zap.Logger
	Store       ledger.TxStore
	Bus         *events.Bus
	Coordinator *ledger.Coordinator

	closers []func() error
}

// Close releases the store and sink connections in reverse order.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// OpenStore opens the configured backend and returns a closer for it.
func OpenStore(ctx context.Context, cfg config.AppConfig) (ledger.TxStore, func() error, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StorePostgres:
		s, err := postgres.Connect(ctx, cfg.Postgres.DSN(), cfg.Postgres.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil
	case config.StoreMemory:
		return memstore.NewMemory(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// NewEventBus builds the bus and returns closers for the sink clients.
func NewEventBus(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*events.Bus, []func() error, error) {
	sinks := []events.Sink{events.NewLogSink(log)}
	var closers []func() error

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		sinks = append(sinks, events.NewRedisAuditSink(rdb, cfg.Redis.Channel))
		closers = append(closers, rdb.Close)
		log.Info("redis audit sink enabled", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		n := events.NewKafkaNotifier(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		sinks = append(sinks, n)
		closers = append(closers, n.Close)
		log.Info("kafka notifier enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	return events.NewBus(cfg.EventBuffer, log, sinks...), closers, nil
}

// Build wires an Engine. The caller runs engine.Bus.Run.
func Build(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	engine := &Engine{Log: log, Store: store, closers: []func() error{closeStore}}

	bus, closers, err := NewEventBus(ctx, cfg, log)
	if err != nil {
		engine.Close()
		return nil, err
	}
	engine.closers = append(engine.closers, closers...)
	engine.Bus = bus

	engine.Coordinator = ledger.NewCoordinator(store,
		ledger.WithLogger(log),
		ledger.WithPublisher(bus),
		ledger.WithMaxAttempts(cfg.MaxAttempts),
	)
	return engine, nil
}
