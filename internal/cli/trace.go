package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/golemfactory/yagna/internal/protocol"
	"github.com/golemfactory/yagna/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string
	Agreement string
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Dump the settlement trace of an agreement",
		Long: `Dump the persisted settlement trace of an agreement: its lifecycle,
activities, debit notes, invoice and payments, in deterministic order.

Examples:
  yagna trace --db ./settlement.db --agreement agr-1
  yagna trace --db ./settlement.db --agreement agr-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Agreement, "agreement", "", "agreement id to trace (required)")
	_ = cmd.MarkFlagRequired("agreement")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	trace, err := st.ReadTrace(ctx, opts.Agreement)
	if protocol.IsNotFound(err) {
		return WrapExitError(ExitCommandError, fmt.Sprintf("no trace for agreement %s", opts.Agreement), err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(trace)
	}
	return outputTraceText(cmd, trace)
}

func outputTraceText(cmd *cobra.Command, trace store.Trace) error {
	w := cmd.OutOrStdout()
	agr := trace.Agreement

	fmt.Fprintf(w, "Agreement %s\n", agr.ID)
	fmt.Fprintf(w, "  requestor: %s\n", agr.Requestor)
	fmt.Fprintf(w, "  provider:  %s\n", agr.Provider)
	fmt.Fprintf(w, "  state:     %s\n", agr.State)
	if agr.TerminationReason != "" {
		fmt.Fprintf(w, "  reason:    %s\n", agr.TerminationReason)
	}

	if len(trace.Activities) > 0 {
		fmt.Fprintf(w, "\nActivities (%d)\n", len(trace.Activities))
		for _, act := range trace.Activities {
			fmt.Fprintf(w, "  %-3d %s  %s\n", act.Seq, act.ID, act.State)
		}
	}

	if len(trace.DebitNotes) > 0 {
		fmt.Fprintf(w, "\nDebit notes (%d)\n", len(trace.DebitNotes))
		for _, note := range trace.DebitNotes {
			fmt.Fprintf(w, "  %s  due=%s  %s\n", note.ID, note.TotalAmountDue, note.Status)
		}
	}

	if trace.Invoice != nil {
		fmt.Fprintf(w, "\nInvoice %s\n", trace.Invoice.ID)
		fmt.Fprintf(w, "  amount: %s\n", trace.Invoice.Amount)
		fmt.Fprintf(w, "  status: %s\n", trace.Invoice.Status)
	}

	if len(trace.Payments) > 0 {
		fmt.Fprintf(w, "\nPayments (%d)\n", len(trace.Payments))
		for _, p := range trace.Payments {
			kind := "notes"
			if p.InvoiceID != "" {
				kind = "invoice " + p.InvoiceID
			}
			fmt.Fprintf(w, "  %s  %s  (%s)\n", p.ID, p.Amount, kind)
		}
	}
	return nil
}
