// Command ledgerctl inspects loans and applies payments against the
// configured store, through the same Coordinator the server uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/config"
	"github.com/warp/loan-ledger/factory"
)

var Version = "dev"

var (
	flagAgency string
	flagDB     string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:     "ledgerctl",
	Short:   "Loan ledger operations",
	Version: Version,
	Long: `ledgerctl talks to the ledger store directly. It reads the same
environment as the server (LEDGER_STORE, SQLITE_PATH, PG_*, ...).

Writes go through the Coordinator, so payments made here are idempotent,
retried on conflict, and audited exactly like API payments.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAgency, "agency", "", "Agency id")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path (overrides SQLITE_PATH)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Log to stderr")
	rootCmd.MarkPersistentFlagRequired("agency")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(payCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openEngine builds the engine and starts its event bus. The returned
// function drains the bus and closes everything.
func openEngine(ctx context.Context) (*factory.Engine, func(), error) {
	_ = config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if flagDB != "" {
		cfg.SQLitePath = flagDB
	}

	logger := zap.NewNop()
	if flagDebug {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, nil, err
		}
	}

	engine, err := factory.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	busCtx, stopBus := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		engine.Bus.Run(busCtx)
		close(done)
	}()

	return engine, func() {
		stopBus()
		<-done
		engine.Close()
		logger.Sync()
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
