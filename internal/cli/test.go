package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/harness"
	"github.com/roach88/settle/internal/store"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update   bool   // regenerate golden files
	Filter   string // scenario filter (glob pattern)
	Database string // optional run store
	Timeouts timeoutFlags

	// RunIDs overrides the store's id generator (for testing).
	RunIDs store.RunIDGenerator
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated", "missing" or "mismatch"
	RunID  string   `json:"run_id,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run every scenario in a directory",
		Long: `Run all YAML and CUE scenarios under a directory.

Each scenario's assertions must hold, and when golden/<name>.golden exists
next to the scenario file its trace snapshot must match byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  settle test ./scenarios
  settle test ./scenarios --filter "timer*"
  settle test ./scenarios --update
  settle test ./scenarios --db runs.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on file name")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record runs in this SQLite database")
	opts.Timeouts.register(cmd.Flags())

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if err := opts.Timeouts.validate(); err != nil {
		return err
	}
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	var st *store.Store
	if opts.Database != "" {
		st, err = openStore(opts.Database, opts.RootOptions, opts.RunIDs, cmd)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	if len(files) == 0 {
		return opts.printer(cmd).emit(report{Data: result}, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, "No scenarios found.")
			return err
		})
	}

	for _, file := range files {
		sr := runScenario(cmd.Context(), opts, st, file, cmd)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	return outputTestResult(opts.printer(cmd), result)
}

// findScenarioFiles returns scenario files under dir in lexical order.
// Golden directories are skipped.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !harness.IsScenarioFile(path) {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
			if matched, _ := filepath.Match(filter, name); !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario loads, runs, golden-checks and optionally records one scenario.
func runScenario(ctx context.Context, opts *TestOptions, st *store.Store, file string, cmd *cobra.Command) ScenarioResult {
	w := cmd.OutOrStdout()
	text := opts.Format != "json"
	sr := ScenarioResult{Name: filepath.Base(file), File: file}

	fail := func(msgs ...string) ScenarioResult {
		sr.Pass = false
		sr.Errors = append(sr.Errors, msgs...)
		if text {
			fmt.Fprintf(w, "✗ %s\n", sr.Name)
			for _, m := range sr.Errors {
				fmt.Fprintf(w, "  %s\n", m)
			}
		}
		return sr
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail(fmt.Sprintf("load error: %v", err))
	}
	sr.Name = scenario.Name

	result, err := harness.Run(scenario, harnessOptions(opts.RootOptions, opts.Timeouts, cmd)...)
	if err != nil {
		return fail(fmt.Sprintf("execution error: %v", err))
	}

	if st != nil {
		run, err := st.Record(ctx, result)
		if err != nil {
			return fail(fmt.Sprintf("record error: %v", err))
		}
		sr.RunID = run.ID
	}

	snapshot, err := result.Snapshot()
	if err != nil {
		return fail(fmt.Sprintf("snapshot error: %v", err))
	}

	goldenPath := goldenFilePath(file)
	switch {
	case opts.Update:
		if err := writeGolden(goldenPath, snapshot); err != nil {
			return fail(fmt.Sprintf("golden update error: %v", err))
		}
		sr.Golden = "updated"
	default:
		want, err := os.ReadFile(goldenPath)
		switch {
		case os.IsNotExist(err):
			sr.Golden = "missing"
		case err != nil:
			return fail(fmt.Sprintf("golden read error: %v", err))
		case bytes.Equal(want, snapshot):
			sr.Golden = "match"
		default:
			sr.Golden = "mismatch"
			return fail(append(result.Errors, "trace does not match golden file (run with --update to regenerate)")...)
		}
	}

	if !result.Pass {
		return fail(result.Errors...)
	}

	sr.Pass = true
	if text {
		suffix := ""
		if sr.Golden == "updated" {
			suffix = " (golden updated)"
		}
		fmt.Fprintf(w, "✓ %s%s\n", sr.Name, suffix)
	}
	return sr
}

// goldenFilePath returns golden/<file name without extension>.golden next
// to the scenario file.
func goldenFilePath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// outputTestResult writes the summary that follows the per-scenario lines.
func outputTestResult(p *printer, result TestResult) error {
	r := report{Data: result}
	if result.Failed > 0 {
		r.Failure = &CLIError{
			Code:    "E_TEST_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}
	return p.emit(r, func(w io.Writer) error {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		if result.Failed == 0 {
			fmt.Fprintln(w, "✓ All scenarios passed")
		}
		return nil
	})
}
