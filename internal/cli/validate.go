package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/harness"
)

// ValidationError is one scenario file that failed to load.
type ValidationError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  int               `json:"files"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate scenario files without running them",
		Long: `Parse and validate scenario files. Directories are searched for
.yaml, .yml and .cue files. CUE scenarios are checked against the closed
scenario schema; all scenarios get cross-reference checks (executor names,
mode and kind compatibility, step targets).`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	out := opts.printer(cmd)

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return WrapExitError(ExitCommandError, "path not found", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := findScenarioFiles(p, "")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	result := ValidationResult{Valid: true, Files: len(files)}
	for _, file := range files {
		out.debugf("Validating %s", file)
		if _, err := harness.LoadScenario(file); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{File: file, Message: err.Error()})
		}
	}

	r := report{Data: result}
	if !result.Valid {
		r.Failure = &CLIError{
			Code:    "E_INVALID_SCENARIO",
			Message: fmt.Sprintf("%d of %d scenario(s) invalid", len(result.Errors), result.Files),
		}
	}
	return out.emit(r, func(w io.Writer) error {
		for _, e := range result.Errors {
			fmt.Fprintf(w, "✗ %s\n  %s\n", e.File, e.Message)
		}
		if result.Valid {
			fmt.Fprintf(w, "✓ %d scenario(s) valid\n", result.Files)
		}
		return nil
	})
}
