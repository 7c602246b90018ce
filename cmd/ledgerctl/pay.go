package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/loan-ledger/ledger"
)

var (
	payLoan   string
	payAmount string
	payMethod string
	payTxn    string
	payNonce  string
	payBy     string
	payDate   string
)

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Apply a payment to a loan",
	Long: `Apply a payment through the Coordinator. Either --txn or --nonce is
required; re-running the same command is a no-op that prints the
original records.`,
	RunE: runPay,
}

func init() {
	payCmd.Flags().StringVar(&payLoan, "loan", "", "Loan id")
	payCmd.Flags().StringVar(&payAmount, "amount", "", "Amount, e.g. 150.00")
	payCmd.Flags().StringVar(&payMethod, "method", "cash", "Payment method")
	payCmd.Flags().StringVar(&payTxn, "txn", "", "Transaction id (idempotency key)")
	payCmd.Flags().StringVar(&payNonce, "nonce", "", "Nonce used to derive a key when --txn is absent")
	payCmd.Flags().StringVar(&payBy, "by", "", "Recorded by")
	payCmd.Flags().StringVar(&payDate, "date", "", "Payment date, YYYY-MM-DD (default today)")
	payCmd.MarkFlagRequired("loan")
	payCmd.MarkFlagRequired("amount")
}

func runPay(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(payAmount)
	if err != nil {
		return fmt.Errorf("invalid --amount %q: %w", payAmount, err)
	}
	req := ledger.PaymentRequest{
		LoanID:        ledger.LoanID(payLoan),
		AgencyID:      ledger.AgencyID(flagAgency),
		Amount:        amount,
		Method:        payMethod,
		TransactionID: payTxn,
		Nonce:         payNonce,
		RecordedBy:    payBy,
	}
	if payDate != "" {
		if req.Date, err = time.Parse("2006-01-02", payDate); err != nil {
			return fmt.Errorf("invalid --date %q: %w", payDate, err)
		}
	}

	ctx := cmd.Context()
	engine, closeEngine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	res, err := engine.Coordinator.ApplyPayment(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.AlreadyApplied {
		fmt.Fprintf(out, "Already applied: %s\n", res.TransactionID)
	} else {
		fmt.Fprintf(out, "Applied %s: %s\n", res.TransactionID, amount.StringFixed(2))
	}
	for _, r := range res.Records {
		target := string(r.InstallmentID)
		if target == "" {
			target = "balance"
		}
		fmt.Fprintf(out, "  %s -> %s\n", r.Amount.StringFixed(2), target)
	}
	l := res.State.Loan
	fmt.Fprintf(out, "Outstanding %s, status %s\n", l.OutstandingBalance.StringFixed(2), l.Status)
	return nil
}
