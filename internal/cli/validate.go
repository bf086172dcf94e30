package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/conclave/internal/policy"
)

// PolicyReport describes one validated policy file.
type PolicyReport struct {
	File          string `json:"file"`
	Valid         bool   `json:"valid"`
	Hash          string `json:"hash,omitempty"`
	Participants  int    `json:"participants,omitempty"`
	RequiredSlots int    `json:"required_slots,omitempty"`
	Field         string `json:"field,omitempty"`
	Error         string `json:"error,omitempty"`

	unreadable bool
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool           `json:"valid"`
	Policies []PolicyReport `json:"policies"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <policy>...",
		Short: "Validate policy files and print their hashes",
		Long: `Parse and validate one or more policy files.

Accepts YAML, JSON and JSONC. For each valid policy the canonical hash is
printed; participants compare it before a run to confirm they agreed on
the same document.

Examples:
  conclave validate policy.yaml
  conclave validate --format json a.yaml b.json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts)

	result := ValidationResult{Valid: true}
	unreadable := false
	for _, path := range paths {
		formatter.VerboseLog("Validating %s", path)
		report := validatePolicy(path)
		if !report.Valid {
			result.Valid = false
			unreadable = unreadable || report.unreadable
		}
		result.Policies = append(result.Policies, report)
	}

	if formatter.Format == "json" {
		if result.Valid {
			if err := formatter.Success(result); err != nil {
				return err
			}
		} else {
			if err := formatter.Error(ErrCodePolicyInvalid, "policy validation failed", result); err != nil {
				return err
			}
		}
	} else {
		outputValidateText(formatter, result)
	}

	if result.Valid {
		return nil
	}
	if unreadable {
		return NewExitError(ExitCommandError, "policy file could not be read")
	}
	return NewExitError(ExitFailure, "policy validation failed")
}

// validatePolicy loads one policy and summarises it.
func validatePolicy(path string) PolicyReport {
	report := PolicyReport{File: path}
	doc, err := policy.Load(path)
	if err != nil {
		report.Error = err.Error()
		report.unreadable = !errors.Is(err, policy.ErrMalformed)
		var perr *policy.Error
		if errors.As(err, &perr) {
			report.Field = perr.Field
		}
		return report
	}
	hash, err := doc.Hash()
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Valid = true
	report.Hash = hash
	report.Participants = len(doc.Participants)
	report.RequiredSlots = doc.RequiredSlots()
	return report
}

func outputValidateText(formatter *OutputFormatter, result ValidationResult) {
	for _, r := range result.Policies {
		if r.Valid {
			fmt.Fprintf(formatter.Writer, "✓ %s\n", r.File)
			fmt.Fprintf(formatter.Writer, "  hash:          %s\n", r.Hash)
			fmt.Fprintf(formatter.Writer, "  participants:  %d\n", r.Participants)
			fmt.Fprintf(formatter.Writer, "  data slots:    %d\n", r.RequiredSlots)
			continue
		}
		fmt.Fprintf(formatter.Writer, "✗ %s\n", r.File)
		fmt.Fprintf(formatter.Writer, "  %s\n", r.Error)
	}
}
