package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // everything passed
	ExitFailure      = 1 // a scenario, golden file or validation failed
	ExitCommandError = 2 // bad flags, missing paths, unreadable database
)

// ExitError carries the process exit code for a command error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError wrapping err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that are not
// ExitErrors count as failures.
func GetExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		return ExitFailure
	}
}

// CLIError is the "error" member of a JSON response.
type CLIError struct {
	Code    string `json:"code"` // E_TEST_FAILED, E_SCENARIO_FAILED, ...
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// report is the outcome of one command. Data is the command's payload
// (TestResult, RunOutput, ValidationResult, TraceResult or run summaries).
// A report with a Failure makes the command exit with Exit, or
// ExitFailure when Exit is zero.
type report struct {
	RunID   string
	Data    any
	Failure *CLIError
	Exit    int
}

// envelope is the JSON document written for --format json.
type envelope struct {
	Status string    `json:"status"`
	RunID  string    `json:"run_id,omitempty"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// printer writes command output. Diagnostics go to diag so they never
// interleave with a JSON document on out.
type printer struct {
	json    bool
	verbose bool
	out     io.Writer
	diag    io.Writer
}

// debugf writes a diagnostic line when verbose output is on.
func (p *printer) debugf(format string, args ...any) {
	if p.verbose {
		fmt.Fprintf(p.diag, format+"\n", args...)
	}
}

// emit writes r: as an envelope in JSON mode, through text otherwise
// (text may be nil). It returns the ExitError for a failed report.
func (p *printer) emit(r report, text func(w io.Writer) error) error {
	if p.json {
		env := envelope{Status: "ok", RunID: r.RunID, Data: r.Data, Error: r.Failure}
		if r.Failure != nil {
			env.Status = "error"
		}
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(env); err != nil {
			return err
		}
	} else if text != nil {
		if err := text(p.out); err != nil {
			return err
		}
	}

	if r.Failure == nil {
		return nil
	}
	code := r.Exit
	if code == 0 {
		code = ExitFailure
	}
	return NewExitError(code, r.Failure.Message)
}
