package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/golemfactory/yagna/internal/harness"
	"github.com/golemfactory/yagna/internal/market"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario.yaml>",
		Short: "Validate a scenario without executing it",
		Long: `Validate a scenario file without executing it.

Checks YAML structure (strict field matching catches typos), required
fields, property schema conformance for the demand and every offer, and
constraint expression syntax.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return outputValidation(formatter, ValidationResult{
			Valid:  false,
			Errors: []string{err.Error()},
		})
	}

	var errs []string

	// Property schema and constraint syntax on both sides.
	if props, err := market.PropsFromFlat(scenario.Demand.Properties); err != nil {
		errs = append(errs, fmt.Sprintf("demand properties: %v", err))
	} else if err := props.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("demand properties: %v", err))
	}
	if _, err := market.ParseConstraints(scenario.Demand.Constraints); err != nil {
		errs = append(errs, fmt.Sprintf("demand constraints: %v", err))
	}

	for i, offer := range scenario.Offers {
		if props, err := market.PropsFromFlat(offer.Properties); err != nil {
			errs = append(errs, fmt.Sprintf("offers[%d] properties: %v", i, err))
		} else if err := props.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("offers[%d] properties: %v", i, err))
		}
		if _, err := market.ParseConstraints(offer.Constraints); err != nil {
			errs = append(errs, fmt.Sprintf("offers[%d] constraints: %v", i, err))
		}
	}

	return outputValidation(formatter, ValidationResult{
		Valid:  len(errs) == 0,
		Errors: errs,
	})
}

func outputValidation(f *OutputFormatter, result ValidationResult) error {
	if f.Format == "json" {
		if err := f.Success(result); err != nil {
			return WrapExitError(ExitCommandError, "failed to encode result", err)
		}
	} else if result.Valid {
		fmt.Fprintln(f.Writer, "Scenario is valid.")
	} else {
		fmt.Fprintf(f.Writer, "Scenario is invalid (%d error(s)):\n", len(result.Errors))
		for _, msg := range result.Errors {
			fmt.Fprintf(f.Writer, "  - %s\n", msg)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}
