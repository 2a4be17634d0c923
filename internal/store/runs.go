package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/settle/internal/canon"
	"github.com/roach88/settle/internal/harness"
)

// ErrRunNotFound is returned when a run id has no record.
var ErrRunNotFound = errors.New("run not found")

// Run is a stored scenario execution.
type Run struct {
	ID          string
	Scenario    string
	Mode        string
	Pass        bool
	ClockMillis int64
	Errors      []string

	// Snapshot is the canonical golden-format rendering of the run.
	Snapshot string

	// Trace is populated by ReadRun and left nil by ListRuns.
	Trace []harness.TraceEvent
}

// Record stores result under a freshly generated id and returns the run.
func (s *Store) Record(ctx context.Context, result *harness.Result) (Run, error) {
	snapshot, err := result.Snapshot()
	if err != nil {
		return Run{}, fmt.Errorf("record run: %w", err)
	}
	run := Run{
		ID:          s.ids.Generate(),
		Scenario:    result.Scenario,
		Mode:        result.Mode,
		Pass:        result.Pass,
		ClockMillis: result.ClockMillis,
		Errors:      result.Errors,
		Snapshot:    string(snapshot),
		Trace:       result.Trace,
	}
	if err := s.WriteRun(ctx, run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// WriteRun inserts a run and its trace in one transaction.
// Uses ON CONFLICT(id) DO NOTHING: a run id that already exists is left
// untouched, including its events.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("write run: id is required")
	}
	errorsJSON, err := marshalErrors(run.Errors)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, mode, pass, clock_ms, errors, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Scenario, run.Mode, run.Pass, run.ClockMillis, errorsJSON, run.Snapshot)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("write run: %w", err)
	} else if n == 0 {
		s.logger.Debug("run already stored", "run_id", run.ID)
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace_events (run_id, seq, type, task, executor, op, code, time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write run: prepare events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range run.Trace {
		if _, err := stmt.ExecContext(ctx, run.ID, ev.Seq, ev.Type, ev.Task, ev.Executor, ev.Op, ev.Code, ev.TimeMs); err != nil {
			return fmt.Errorf("write run: event seq %d: %w", ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: commit: %w", err)
	}
	s.logger.Debug("run stored", "run_id", run.ID, "scenario", run.Scenario, "events", len(run.Trace))
	return nil
}

// ReadRun returns a run with its full trace. Returns an error wrapping
// ErrRunNotFound if the id is unknown.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, mode, pass, clock_ms, errors, snapshot
		FROM runs
		WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("read run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run %s: %w", id, err)
	}

	run.Trace, err = s.ReadTrace(ctx, id)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// ReadTrace returns a run's events ordered by seq. Returns an empty slice
// (not nil) when the run has no events.
func (s *Store) ReadTrace(ctx context.Context, runID string) ([]harness.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, task, executor, op, code, time_ms
		FROM trace_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	events := []harness.TraceEvent{}
	for rows.Next() {
		var ev harness.TraceEvent
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.Task, &ev.Executor, &ev.Op, &ev.Code, &ev.TimeMs); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace: %w", err)
	}
	return events, nil
}

// ListFilter narrows ListRuns.
type ListFilter struct {
	// Scenario restricts results to one scenario name when set.
	Scenario string

	// Limit caps the number of runs. Zero means no limit.
	Limit int
}

// ListRuns returns runs newest first, without traces.
func (s *Store) ListRuns(ctx context.Context, f ListFilter) ([]Run, error) {
	query := `
		SELECT id, scenario, mode, pass, clock_ms, errors, snapshot
		FROM runs`
	var args []any
	if f.Scenario != "" {
		query += ` WHERE scenario = ?`
		args = append(args, f.Scenario)
	}
	query += ` ORDER BY id COLLATE BINARY DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run        Run
		errorsJSON string
	)
	if err := row.Scan(&run.ID, &run.Scenario, &run.Mode, &run.Pass, &run.ClockMillis, &errorsJSON, &run.Snapshot); err != nil {
		return Run{}, err
	}
	msgs, err := unmarshalErrors(errorsJSON)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	run.Errors = msgs
	return run, nil
}

// marshalErrors stores failure messages as a canonical JSON array.
func marshalErrors(msgs []string) (string, error) {
	if msgs == nil {
		msgs = []string{}
	}
	data, err := canon.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("marshal errors: %w", err)
	}
	return string(data), nil
}

func unmarshalErrors(data string) ([]string, error) {
	msgs := []string{}
	if data == "" {
		return msgs, nil
	}
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	return msgs, nil
}
