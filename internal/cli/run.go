package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/golemfactory/yagna/internal/harness"
	"github.com/golemfactory/yagna/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Execute a settlement scenario",
		Long: `Execute a settlement scenario end to end: negotiation against the
simulated market, agreement lifecycle, metered billing and final
settlement. The resulting trace is printed and, with --db, persisted to
SQLite for later inspection with the trace command.

Exit codes: 0 when every expectation holds, 1 on expectation failures,
2 on command errors (bad scenario file, database failure).

Example:
  yagna run ./scenarios/payu.yaml
  yagna run ./scenarios/payu.yaml --db ./settlement.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to in-memory)")

	return cmd
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	var result *harness.Result
	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		result, err = harness.RunWithStore(scenario, st)
		if err != nil {
			return WrapExitError(ExitCommandError, "scenario execution failed", err)
		}
	} else {
		result, err = harness.Run(scenario)
		if err != nil {
			return WrapExitError(ExitCommandError, "scenario execution failed", err)
		}
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return WrapExitError(ExitCommandError, "failed to encode result", err)
		}
	} else {
		printResultText(formatter, scenario.Name, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed: %d expectation(s) not met", scenario.Name, len(result.Errors)))
	}
	return nil
}

func printResultText(f *OutputFormatter, name string, result *harness.Result) {
	w := f.Writer
	status := "PASS"
	if !result.Pass {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s  %s\n", status, name)
	fmt.Fprintf(w, "  agreement: %s (%s)\n", result.Summary.AgreementID, result.Summary.AgreementState)
	if result.Summary.TerminationReason != "" {
		fmt.Fprintf(w, "  reason:    %s\n", result.Summary.TerminationReason)
	}
	fmt.Fprintf(w, "  notes:     %d\n", result.Summary.Notes)
	if result.Summary.InvoiceStatus != "" {
		fmt.Fprintf(w, "  invoice:   %s (%s)\n", result.Summary.InvoiceAmount, result.Summary.InvoiceStatus)
	}
	fmt.Fprintf(w, "  paid:      %s\n", result.Summary.PaidTotal)
	fmt.Fprintf(w, "  spent:     %s of %s allocated\n", result.Summary.AllocationSpent, result.Summary.AllocationTotal)

	if f.Verbose {
		for _, ev := range result.Trace {
			fmt.Fprintf(f.GetErrWriter(), "  [%3d] %-20s %s %s %s\n", ev.Seq, ev.Kind, ev.NoteID, ev.Amount, ev.Detail)
		}
	}
	for _, msg := range result.Errors {
		fmt.Fprintf(w, "  FAIL: %s\n", msg)
	}
}
