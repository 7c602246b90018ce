/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment (config.Load), then flags
  2. Build logger, store, event bus and Coordinator (factory.Build)
  3. Start the event bus and the status sweep
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port (APP_PORT, default 8080)
  -db      SQLite database path (SQLITE_PATH, default ledger.db)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Drain the event bus
  5. Close sinks and database

EXAMPLES:
  ./server -db="./data/ledger.db"
  LEDGER_STORE=postgres PG_HOST=db ./server
  REDIS_ADDR=localhost:6379 KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/loan-ledger/api"
	"github.com/warp/loan-ledger/config"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Printf("Warning: failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath

	logger, err := factory.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := factory.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize engine", zap.Error(err))
	}

	busDone := make(chan struct{})
	go func() {
		engine.Bus.Run(ctx)
		close(busDone)
	}()

	agencies := make([]ledger.AgencyID, 0, len(cfg.SweepAgencies))
	for _, a := range cfg.SweepAgencies {
		agencies = append(agencies, ledger.AgencyID(a))
	}
	scheduler := api.NewSweepScheduler(engine.Coordinator, agencies, logger)
	scheduler.Interval = cfg.SweepInterval
	scheduler.Start()

	router := api.NewRouter(api.NewHandler(engine.Coordinator, logger))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("store", string(cfg.Store)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	cancel()
	<-busDone
	if err := engine.Close(); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}

	logger.Info("server stopped")
}
