package harness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_GoldenScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		if !IsScenarioFile(path) {
			continue
		}
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/timers.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := first.Snapshot()
	require.NoError(t, err)
	b, err := second.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_UnexpectedStepErrorFails(t *testing.T) {
	s := &Scenario{
		Name:      "negative-advance",
		Executors: []ExecutorDef{{Name: "io", Kind: KindDeferred}},
		Steps:     []Step{{Op: OpAdvanceBy, Ms: -1}},
	}

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.Equal(t, EventError, result.Trace[0].Type)
	assert.Equal(t, "INVALID_ARGUMENT", result.Trace[0].Code)
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	s := &Scenario{
		Name:      "no-error",
		Executors: []ExecutorDef{{Name: "io", Kind: KindDeferred}},
		Steps:     []Step{{Op: OpRunCurrent, ExpectError: "FLUSH_TIMEOUT"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected error FLUSH_TIMEOUT, got none")
}

func TestRun_FailedAssertionCarriesTrace(t *testing.T) {
	s := &Scenario{
		Name:      "wrong-order",
		Executors: []ExecutorDef{{Name: "io", Kind: KindDeferred}},
		Tasks: []TaskDef{
			{ID: "first", Executor: "io"},
			{ID: "second", Executor: "io", DelayMs: 5},
		},
		Steps:      []Step{{Op: OpAdvanceUntilIdle}},
		Assertions: []Assertion{{Type: AssertTraceOrder, Tasks: []string{"second", "first"}}},
	}

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "second (pos 2) should be before first (pos 1)")
	assert.Contains(t, result.Errors[0], "t=5ms run second on io")
}

func TestRun_ChainedSubmissionRejected(t *testing.T) {
	s := &Scenario{
		Name: "rejected-child",
		Executors: []ExecutorDef{
			{Name: "io", Kind: KindDeferred},
			{Name: "cpu", Kind: KindDeferred},
		},
		Tasks: []TaskDef{{
			ID: "parent", Executor: "io", DelayMs: 10,
			Then: []TaskDef{{ID: "child", Executor: "cpu"}},
		}},
		Steps: []Step{
			{Op: OpShutdown, Executor: "cpu"},
			{Op: OpAdvanceUntilIdle},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Task: "child", Event: EventRejected},
			{Type: AssertNotRun, Task: "child"},
			{Type: AssertNoPending},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	var rejected TraceEvent
	for _, ev := range result.Trace {
		if ev.Type == EventRejected {
			rejected = ev
		}
	}
	assert.Equal(t, "REJECTED_SUBMISSION", rejected.Code)
	assert.Equal(t, int64(10), rejected.TimeMs)
}

func TestRun_GracefulShutdownRunsQueuedWork(t *testing.T) {
	s := &Scenario{
		Name:      "graceful",
		Executors: []ExecutorDef{{Name: "io", Kind: KindDeferred}},
		Tasks: []TaskDef{
			{ID: "queued", Executor: "io", DelayMs: 20},
			{ID: "tick", Executor: "io", Recurring: &RecurringDef{PeriodMs: 5}},
		},
		Steps: []Step{
			{Op: OpShutdown, Executor: "io"},
			{Op: OpAdvanceUntilIdle},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Task: "queued", Count: 1},
			{Type: AssertNotRun, Task: "tick"},
			{Type: AssertClockAt, Ms: 20},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_CancelErrors(t *testing.T) {
	s := &Scenario{
		Name:      "cancel",
		Executors: []ExecutorDef{{Name: "ui", Kind: KindLooper}},
		Tasks:     []TaskDef{{ID: "paint", Executor: "ui", DelayMs: 5}},
		Steps: []Step{
			{Op: OpCancel, Task: "paint"},
			{Op: OpCancel, Task: "ghost"},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "cannot be cancelled")
	assert.Contains(t, result.Errors[1], "never submitted")
}

func TestRun_StateAssertions(t *testing.T) {
	s := &Scenario{
		Name:      "pending",
		Executors: []ExecutorDef{{Name: "io", Kind: KindDeferred}},
		Tasks:     []TaskDef{{ID: "later", Executor: "io", DelayMs: 100}},
		Steps:     []Step{{Op: OpRunCurrent}},
		Assertions: []Assertion{
			{Type: AssertIdle},
			{Type: AssertNoPending},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)

	assert.True(t, result.Idle)
	assert.True(t, result.Pending)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no_pending")
}

func TestRun_NeverIdleHitsOperationTimeout(t *testing.T) {
	s := &Scenario{
		Name:      "forever",
		Executors: []ExecutorDef{{Name: "io", Kind: KindDeferred}},
		Tasks:     []TaskDef{{ID: "spin", Executor: "io", Recurring: &RecurringDef{PeriodMs: 1}}},
		Steps:     []Step{{Op: OpAdvanceUntilIdle, ExpectError: "FLUSH_TIMEOUT"}},
	}

	result, err := Run(s, WithOperationTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Positive(t, result.ClockMillis)
}

func TestRun_InvalidScenario(t *testing.T) {
	_, err := Run(&Scenario{Name: "empty"})
	assert.ErrorContains(t, err, "invalid scenario")
}
