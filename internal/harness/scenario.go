package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/settle/internal/coord"
	"github.com/roach88/settle/internal/dispatch"
)

// Scenario defines a coordination scenario: the executors to build, the
// work to submit, the steps that drive time, and what the trace must show.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name" json:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description" json:"description"`

	// Mode is "virtual" (default) or "realtime".
	Mode string `yaml:"mode" json:"mode"`

	// FlushTimeoutMs bounds each coordinator drain. Zero uses the default.
	FlushTimeoutMs int64 `yaml:"flush_timeout_ms" json:"flush_timeout_ms"`

	// OperationTimeoutMs bounds each aggregator operation. Zero uses the default.
	OperationTimeoutMs int64 `yaml:"operation_timeout_ms" json:"operation_timeout_ms"`

	Executors  []ExecutorDef `yaml:"executors" json:"executors"`
	Tasks      []TaskDef     `yaml:"tasks" json:"tasks"`
	Steps      []Step        `yaml:"steps" json:"steps"`
	Assertions []Assertion   `yaml:"assertions" json:"assertions"`
}

// Executor kinds.
const (
	KindDeferred  = "deferred"
	KindImmediate = "immediate"
	KindLooper    = "looper"
)

// ExecutorDef declares one coordinator.
type ExecutorDef struct {
	Name string `yaml:"name" json:"name"`

	// Kind is deferred, immediate or looper.
	Kind string `yaml:"kind" json:"kind"`

	// Workers sizes the executor's pool. Ignored for loopers.
	Workers int `yaml:"workers" json:"workers"`
}

// TaskDef is a unit of work.
type TaskDef struct {
	ID       string `yaml:"id" json:"id"`
	Executor string `yaml:"executor" json:"executor"`
	DelayMs  int64  `yaml:"delay_ms" json:"delay_ms"`

	// Fail makes the body return an error; Panic makes it panic.
	Fail  bool `yaml:"fail" json:"fail"`
	Panic bool `yaml:"panic" json:"panic"`

	// Then lists tasks submitted from inside this task's body after it runs.
	Then []TaskDef `yaml:"then" json:"then"`

	// Recurring turns the task into a recurring schedule.
	Recurring *RecurringDef `yaml:"recurring" json:"recurring"`
}

// RecurringDef configures a recurring task.
type RecurringDef struct {
	InitialDelayMs int64 `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	PeriodMs       int64 `yaml:"period_ms" json:"period_ms"`
	FixedRate      bool  `yaml:"fixed_rate" json:"fixed_rate"`

	// Times stops the schedule after that many runs. Zero means until
	// cancelled or shut down.
	Times int `yaml:"times" json:"times"`
}

// Step operations.
const (
	OpRunCurrent       = "run_current"
	OpAdvanceBy        = "advance_by"
	OpAdvanceUntilIdle = "advance_until_idle"
	OpSubmit           = "submit"
	OpCancel           = "cancel"
	OpShutdown         = "shutdown"
	OpShutdownNow      = "shutdown_now"
)

// Step is one driver action.
type Step struct {
	Op       string    `yaml:"op" json:"op"`
	Ms       int64     `yaml:"ms" json:"ms"`
	Task     string    `yaml:"task" json:"task"`
	Executor string    `yaml:"executor" json:"executor"`
	Tasks    []TaskDef `yaml:"tasks" json:"tasks"`

	// ExpectError is the error code this step must fail with.
	ExpectError string `yaml:"expect_error" json:"expect_error"`
}

// Assertion types.
const (
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertTraceContains = "trace_contains"
	AssertNotRun        = "not_run"
	AssertClockAt       = "clock_at"
	AssertIdle          = "idle"
	AssertNoPending     = "no_pending"
)

// Assertion validates the final trace or coordinator state.
type Assertion struct {
	Type  string   `yaml:"type" json:"type"`
	Task  string   `yaml:"task" json:"task"`
	Tasks []string `yaml:"tasks" json:"tasks"`

	// Event is the trace event type to match. Defaults to "run".
	Event string `yaml:"event" json:"event"`

	Count int   `yaml:"count" json:"count"`
	Ms    int64 `yaml:"ms" json:"ms"`
}

// LoadScenario reads a scenario file. The format is chosen by extension:
// .yaml/.yml or .cue.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %s: %w", path, err)
	}

	var s *Scenario
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		s, err = parseYAML(data)
	case ".cue":
		s, err = parseCUE(path, data)
	default:
		return nil, fmt.Errorf("scenario %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}

	if err := validateScenario(s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return s, nil
}

// IsScenarioFile reports whether path has a scenario extension.
func IsScenarioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

func parseYAML(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// validateScenario checks structure and cross references that a schema
// alone cannot: executor names, mode/kind compatibility, step targets.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	mode, err := dispatch.ParseMode(s.Mode)
	if err != nil {
		return err
	}
	if s.FlushTimeoutMs < 0 || s.OperationTimeoutMs < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if len(s.Executors) == 0 {
		return fmt.Errorf("at least one executor is required")
	}

	kinds := make(map[string]string, len(s.Executors))
	for i, e := range s.Executors {
		if e.Name == "" {
			return fmt.Errorf("executors[%d]: name is required", i)
		}
		if _, dup := kinds[e.Name]; dup {
			return fmt.Errorf("executors[%d]: duplicate name %q", i, e.Name)
		}
		switch e.Kind {
		case KindDeferred, KindLooper:
			if mode != dispatch.ModeVirtual {
				return fmt.Errorf("executors[%d]: kind %q requires virtual mode", i, e.Kind)
			}
		case KindImmediate:
			if mode != dispatch.ModeRealTime {
				return fmt.Errorf("executors[%d]: kind %q requires realtime mode", i, e.Kind)
			}
		default:
			return fmt.Errorf("executors[%d]: unknown kind %q", i, e.Kind)
		}
		if e.Workers < 0 {
			return fmt.Errorf("executors[%d]: workers must not be negative", i)
		}
		kinds[e.Name] = e.Kind
	}

	if err := validateTasks("tasks", s.Tasks, kinds); err != nil {
		return err
	}
	for i, st := range s.Steps {
		if err := validateStep(i, st, kinds); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, mode); err != nil {
			return err
		}
	}
	return nil
}

func validateTasks(path string, tasks []TaskDef, kinds map[string]string) error {
	for i, t := range tasks {
		at := fmt.Sprintf("%s[%d]", path, i)
		if t.ID == "" {
			return fmt.Errorf("%s: id is required", at)
		}
		kind, ok := kinds[t.Executor]
		if !ok {
			return fmt.Errorf("%s (%s): unknown executor %q", at, t.ID, t.Executor)
		}
		if t.DelayMs < 0 {
			return fmt.Errorf("%s (%s): delay_ms must not be negative", at, t.ID)
		}
		if t.Fail && t.Panic {
			return fmt.Errorf("%s (%s): fail and panic are mutually exclusive", at, t.ID)
		}
		if r := t.Recurring; r != nil {
			if kind == KindLooper {
				return fmt.Errorf("%s (%s): loopers do not support recurring tasks", at, t.ID)
			}
			if r.PeriodMs <= 0 {
				return fmt.Errorf("%s (%s): recurring period_ms must be positive", at, t.ID)
			}
			if r.InitialDelayMs < 0 || r.Times < 0 {
				return fmt.Errorf("%s (%s): recurring fields must not be negative", at, t.ID)
			}
		}
		if err := validateTasks(at+".then", t.Then, kinds); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st Step, kinds map[string]string) error {
	switch st.Op {
	case OpRunCurrent, OpAdvanceUntilIdle:
	case OpAdvanceBy:
		// Negative values are allowed so scenarios can exercise the
		// INVALID_ARGUMENT path.
	case OpSubmit:
		if len(st.Tasks) == 0 {
			return fmt.Errorf("steps[%d]: submit requires tasks", i)
		}
		if err := validateTasks(fmt.Sprintf("steps[%d].tasks", i), st.Tasks, kinds); err != nil {
			return err
		}
	case OpCancel:
		if st.Task == "" {
			return fmt.Errorf("steps[%d]: cancel requires task", i)
		}
	case OpShutdown, OpShutdownNow:
		if _, ok := kinds[st.Executor]; !ok {
			return fmt.Errorf("steps[%d]: %s: unknown executor %q", i, st.Op, st.Executor)
		}
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, st.Op)
	}

	switch coord.ErrorCode(st.ExpectError) {
	case "", coord.ErrCodeInvalidArgument, coord.ErrCodeRejected,
		coord.ErrCodeFlushTimeout, coord.ErrCodeInconsistency:
	default:
		return fmt.Errorf("steps[%d]: unknown expect_error %q", i, st.ExpectError)
	}
	return nil
}

func validateAssertion(i int, a Assertion, mode dispatch.Mode) error {
	switch a.Type {
	case AssertTraceOrder:
		if len(a.Tasks) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order requires at least two tasks", i)
		}
	case AssertTraceCount:
		if a.Task == "" {
			return fmt.Errorf("assertions[%d]: trace_count requires task", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must not be negative", i)
		}
	case AssertTraceContains, AssertNotRun:
		if a.Task == "" {
			return fmt.Errorf("assertions[%d]: %s requires task", i, a.Type)
		}
	case AssertClockAt:
		if mode != dispatch.ModeVirtual {
			return fmt.Errorf("assertions[%d]: clock_at requires virtual mode", i)
		}
	case AssertIdle, AssertNoPending:
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
	}
	return nil
}
