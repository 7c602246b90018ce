package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/loan-ledger/ledger"
)

var (
	showLoan     string
	showPayments bool
	showJSON     bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a loan's ledger and schedule",
	RunE:  runShow,
}

func init() {
	showCmd.Flags().StringVar(&showLoan, "loan", "", "Loan id")
	showCmd.Flags().BoolVar(&showPayments, "payments", false, "Also list payment records")
	showCmd.Flags().BoolVarP(&showJSON, "json", "j", false, "Output as JSON")
	showCmd.MarkFlagRequired("loan")
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, closeEngine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	key := ledger.LoanKey{AgencyID: ledger.AgencyID(flagAgency), LoanID: ledger.LoanID(showLoan)}
	state, err := engine.Coordinator.Snapshot(ctx, key)
	if err != nil {
		return err
	}
	var records []ledger.PaymentRecord
	if showPayments {
		if records, err = engine.Coordinator.Payments(ctx, key); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if showJSON {
		return printJSON(out, map[string]any{"loan": state, "payments": records})
	}

	l := state.Loan
	fmt.Fprintf(out, "Loan %s (%s)\n", l.ID, l.Status)
	fmt.Fprintf(out, "  Total payable: %s\n", l.TotalPayable.StringFixed(2))
	fmt.Fprintf(out, "  Total paid:    %s\n", l.TotalPaid.StringFixed(2))
	fmt.Fprintf(out, "  Outstanding:   %s\n", l.OutstandingBalance.StringFixed(2))
	if l.UpcomingDueDate != nil {
		fmt.Fprintf(out, "  Next due:      %s\n", l.UpcomingDueDate.Format("2006-01-02"))
	}

	if len(state.Installments) > 0 {
		fmt.Fprintln(out, "\nInstallments:")
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  #\tDUE\tAMOUNT\tPAID\tSTATUS")
		for _, inst := range state.Installments {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n",
				inst.Sequence, inst.DueDate.Format("2006-01-02"),
				inst.AmountDue.StringFixed(2), inst.AmountPaid.StringFixed(2), inst.Status)
		}
		tw.Flush()
	}

	if showPayments {
		fmt.Fprintln(out, "\nPayments:")
		for _, r := range records {
			fmt.Fprintf(out, "  %s  %s  %s  %s\n",
				r.RecordedAt.Format("2006-01-02 15:04"), r.ID, r.Amount.StringFixed(2), r.Method)
		}
	}
	return nil
}
