package harness

import (
	"github.com/roach88/settle/internal/canon"
)

// Trace event types.
const (
	EventRun      = "run"
	EventFail     = "fail"
	EventPanic    = "panic"
	EventCancel   = "cancel"
	EventDrop     = "drop"
	EventRejected = "rejected"
	EventError    = "error"
	EventStep     = "step"
)

// TraceEvent is one entry in a run trace.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	Task     string `json:"task,omitempty"`
	Executor string `json:"executor,omitempty"`
	Op       string `json:"op,omitempty"`
	Code     string `json:"code,omitempty"`

	// TimeMs is the virtual time the event happened at. Always zero in
	// real-time mode.
	TimeMs int64 `json:"time_ms"`
}

// Canonical returns the event as a map suitable for canon.Marshal. Empty
// optional fields are omitted.
func (e TraceEvent) Canonical() map[string]any {
	m := map[string]any{
		"seq":     e.Seq,
		"type":    e.Type,
		"time_ms": e.TimeMs,
	}
	if e.Task != "" {
		m["task"] = e.Task
	}
	if e.Executor != "" {
		m["executor"] = e.Executor
	}
	if e.Op != "" {
		m["op"] = e.Op
	}
	if e.Code != "" {
		m["code"] = e.Code
	}
	return m
}

// Result is the outcome of a scenario execution.
type Result struct {
	Scenario string `json:"scenario"`
	Mode     string `json:"mode"`

	// Pass is true when no step failed unexpectedly and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every recorded event in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// ClockMillis is the final virtual time.
	ClockMillis int64 `json:"clock_ms"`

	// Idle reports that no coordinator had completable work at the end.
	Idle bool `json:"idle"`

	// Pending reports that some coordinator still had queued work at the end.
	Pending bool `json:"pending"`
}

// NewResult creates a passing result for the named scenario.
func NewResult(scenario, mode string) *Result {
	return &Result{
		Scenario: scenario,
		Mode:     mode,
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot renders the result as canonical JSON lines: a header line with
// scenario, mode and final clock, then one line per trace event. This is
// the golden file format.
func (r *Result) Snapshot() ([]byte, error) {
	lines := make([]map[string]any, 0, len(r.Trace)+1)
	lines = append(lines, map[string]any{
		"scenario": r.Scenario,
		"mode":     r.Mode,
		"clock_ms": r.ClockMillis,
	})
	for _, e := range r.Trace {
		lines = append(lines, e.Canonical())
	}
	return canon.MarshalLines(lines)
}
