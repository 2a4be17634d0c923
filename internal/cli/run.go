package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/harness"
	"github.com/roach88/settle/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Timeouts timeoutFlags

	// RunIDs overrides the store's id generator (for testing).
	RunIDs store.RunIDGenerator
}

// RunOutput is the JSON payload of the run command.
type RunOutput struct {
	Scenario string               `json:"scenario"`
	Mode     string               `json:"mode"`
	Pass     bool                 `json:"pass"`
	ClockMs  int64                `json:"clock_ms"`
	Trace    []harness.TraceEvent `json:"trace"`
	Errors   []string             `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario-file>",
		Short: "Run one scenario and print its trace",
		Long: `Run a single YAML or CUE scenario and print the trace it produced.

Text output is the canonical snapshot (the golden file format). With
--db the run is also recorded and its id printed.

Examples:
  settle run ./scenarios/timers.yaml
  settle run ./scenarios/heartbeat.cue --db runs.db
  settle run ./scenarios/timers.yaml --format json -v`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")
	opts.Timeouts.register(cmd.Flags())

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	if err := opts.Timeouts.validate(); err != nil {
		return err
	}
	p := opts.printer(cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	p.debugf("Loaded scenario %s (%d executors, %d steps)", scenario.Name, len(scenario.Executors), len(scenario.Steps))

	result, err := harness.Run(scenario, harnessOptions(opts.RootOptions, opts.Timeouts, cmd)...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	var runID string
	if opts.Database != "" {
		st, err := openStore(opts.Database, opts.RootOptions, opts.RunIDs, cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		run, err := st.Record(cmd.Context(), result)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
		runID = run.ID
	}

	r := report{
		RunID: runID,
		Data: RunOutput{
			Scenario: result.Scenario,
			Mode:     result.Mode,
			Pass:     result.Pass,
			ClockMs:  result.ClockMillis,
			Trace:    result.Trace,
			Errors:   result.Errors,
		},
	}
	if !result.Pass {
		r.Failure = &CLIError{Code: "E_SCENARIO_FAILED", Message: fmt.Sprintf("scenario %s failed", scenario.Name)}
	}
	return p.emit(r, func(w io.Writer) error {
		snapshot, err := result.Snapshot()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to render trace", err)
		}
		if _, err := w.Write(snapshot); err != nil {
			return err
		}
		if runID != "" {
			fmt.Fprintf(w, "run: %s\n", runID)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(w, "✗ %s\n", msg)
		}
		return nil
	})
}

// harnessOptions maps global and timeout flags to harness options.
func harnessOptions(root *RootOptions, t timeoutFlags, cmd *cobra.Command) []harness.Option {
	opts := []harness.Option{harness.WithLogger(root.Logger(cmd.ErrOrStderr()))}
	if t.Flush > 0 {
		opts = append(opts, harness.WithFlushTimeout(t.Flush))
	}
	if t.Operation > 0 {
		opts = append(opts, harness.WithOperationTimeout(t.Operation))
	}
	return opts
}

func openStore(path string, root *RootOptions, ids store.RunIDGenerator, cmd *cobra.Command) (*store.Store, error) {
	sopts := []store.Option{store.WithLogger(root.Logger(cmd.ErrOrStderr()))}
	if ids != nil {
		sopts = append(sopts, store.WithRunIDGenerator(ids))
	}
	st, err := store.Open(path, sopts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
