package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/loan-ledger/ledger"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recompute status for every loan of the agency",
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, closeEngine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	report, err := engine.Coordinator.RecomputeAgency(ctx, ledger.AgencyID(flagAgency))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanned %d loans, %d changed\n", report.Scanned, report.Changed)
	for id, ferr := range report.Failures {
		fmt.Fprintf(out, "  FAILED %s: %v\n", id, ferr)
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d loans failed", len(report.Failures))
	}
	return nil
}
