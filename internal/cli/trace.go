package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/harness"
	"github.com/roach88/settle/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Task     string // optional - filter to one task
	Scenario string // list mode: filter by scenario
	Limit    int    // list mode: max runs
}

// TraceResult holds a stored run's trace output.
type TraceResult struct {
	RunID    string               `json:"run_id"`
	Scenario string               `json:"scenario"`
	Mode     string               `json:"mode"`
	Pass     bool                 `json:"pass"`
	ClockMs  int64                `json:"clock_ms"`
	Timeline []harness.TraceEvent `json:"timeline"`
	Errors   []string             `json:"errors,omitempty"`
}

// RunSummary is one line of the run listing.
type RunSummary struct {
	RunID    string `json:"run_id"`
	Scenario string `json:"scenario"`
	Mode     string `json:"mode"`
	Pass     bool   `json:"pass"`
	ClockMs  int64  `json:"clock_ms"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [run-id]",
		Short: "Show recorded runs and their traces",
		Long: `Show the trace of a recorded run, or list recorded runs when no
run id is given (newest first).

Examples:
  settle trace --db runs.db
  settle trace --db runs.db --scenario timers --limit 5
  settle trace --db runs.db 01927c2e-...
  settle trace --db runs.db 01927c2e-... --task fetch --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runListRuns(opts, cmd)
			}
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Task, "task", "", "filter the timeline to one task")
	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "list only runs of this scenario")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "list at most this many runs")

	return cmd
}

func runTrace(opts *TraceOptions, runID string, cmd *cobra.Command) error {
	p := opts.printer(cmd)

	st, err := openStore(opts.Database, opts.RootOptions, nil, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.ReadRun(cmd.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return p.emit(report{
			Failure: &CLIError{Code: "E_RUN_NOT_FOUND", Message: "run not found: " + runID},
			Exit:    ExitCommandError,
		}, nil)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	timeline := run.Trace
	if opts.Task != "" {
		timeline = filterTask(timeline, opts.Task)
	}

	r := report{
		RunID: run.ID,
		Data: TraceResult{
			RunID:    run.ID,
			Scenario: run.Scenario,
			Mode:     run.Mode,
			Pass:     run.Pass,
			ClockMs:  run.ClockMillis,
			Timeline: timeline,
			Errors:   run.Errors,
		},
	}
	return p.emit(r, func(w io.Writer) error {
		return writeTimeline(w, run, timeline)
	})
}

// writeTimeline renders one run as a header and a table of events.
func writeTimeline(w io.Writer, run store.Run, timeline []harness.TraceEvent) error {
	status := "PASS"
	if !run.Pass {
		status = "FAIL"
	}
	fmt.Fprintf(w, "Run %s: %s (%s) %s at %dms\n\n", run.ID, run.Scenario, run.Mode, status, run.ClockMillis)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tEVENT\tTASK\tEXECUTOR\tDETAIL")
	for _, ev := range timeline {
		detail := ev.Op
		if ev.Code != "" {
			detail += " " + ev.Code
		}
		fmt.Fprintf(tw, "%d\t%dms\t%s\t%s\t%s\t%s\n", ev.Seq, ev.TimeMs, ev.Type, ev.Task, ev.Executor, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, msg := range run.Errors {
		fmt.Fprintf(w, "✗ %s\n", msg)
	}
	return nil
}

func runListRuns(opts *TraceOptions, cmd *cobra.Command) error {
	p := opts.printer(cmd)

	st, err := openStore(opts.Database, opts.RootOptions, nil, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), store.ListFilter{Scenario: opts.Scenario, Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, RunSummary{
			RunID:    r.ID,
			Scenario: r.Scenario,
			Mode:     r.Mode,
			Pass:     r.Pass,
			ClockMs:  r.ClockMillis,
		})
	}

	return p.emit(report{Data: summaries}, func(w io.Writer) error {
		if len(summaries) == 0 {
			_, err := fmt.Fprintln(w, "No runs recorded.")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSCENARIO\tMODE\tRESULT\tCLOCK")
		for _, s := range summaries {
			result := "pass"
			if !s.Pass {
				result = "fail"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\n", s.RunID, s.Scenario, s.Mode, result, s.ClockMs)
		}
		return tw.Flush()
	})
}

func filterTask(events []harness.TraceEvent, task string) []harness.TraceEvent {
	out := []harness.TraceEvent{}
	for _, ev := range events {
		if ev.Task == task {
			out = append(out, ev)
		}
	}
	return out
}
