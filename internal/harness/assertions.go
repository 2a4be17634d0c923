package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the full trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] t=%dms %s", ev.Seq, ev.TimeMs, ev.Type)
		if ev.Task != "" {
			fmt.Fprintf(&buf, " %s", ev.Task)
		}
		if ev.Executor != "" {
			fmt.Fprintf(&buf, " on %s", ev.Executor)
		}
		if ev.Op != "" {
			fmt.Fprintf(&buf, " op=%s", ev.Op)
		}
		if ev.Code != "" {
			fmt.Fprintf(&buf, " code=%s", ev.Code)
		}
		buf.WriteByte('\n')
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns
// one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertNotRun:
		return assertNotRun(result.Trace, a)
	case AssertClockAt:
		if result.ClockMillis != a.Ms {
			return &AssertionError{
				Type:     AssertClockAt,
				Expected: fmt.Sprintf("clock at %dms", a.Ms),
				Actual:   fmt.Sprintf("clock at %dms", result.ClockMillis),
				Trace:    result.Trace,
			}
		}
	case AssertIdle:
		if !result.Idle {
			return &AssertionError{
				Type:     AssertIdle,
				Expected: "no completable work",
				Actual:   "a coordinator still had work due",
				Trace:    result.Trace,
			}
		}
	case AssertNoPending:
		if result.Pending {
			return &AssertionError{
				Type:     AssertNoPending,
				Expected: "no pending work",
				Actual:   "a coordinator still had queued work",
				Trace:    result.Trace,
			}
		}
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
	return nil
}

// executed reports whether ev is an attempt to run the task body.
func executed(ev TraceEvent) bool {
	return ev.Type == EventRun || ev.Type == EventFail || ev.Type == EventPanic
}

// assertTraceOrder checks that tasks first executed in the given order.
// Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	// Step 1: Find first position of each task
	positions := make(map[string]int)
	for i, ev := range trace {
		if executed(ev) && positions[ev.Task] == 0 {
			positions[ev.Task] = i + 1 // 1-indexed for readability
		}
	}

	// Step 2: Verify all tasks found
	for _, task := range a.Tasks {
		if positions[task] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all tasks executed: %v", a.Tasks),
				Actual:   fmt.Sprintf("missing task: %s", task),
				Trace:    trace,
			}
		}
	}

	// Step 3: Verify order
	for i := 1; i < len(a.Tasks); i++ {
		prev, curr := a.Tasks[i-1], a.Tasks[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("tasks in order: %v", a.Tasks),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the event occurs exactly Count times for Task.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	event := eventOrRun(a)
	count := 0
	for _, ev := range trace {
		if ev.Type == event && ev.Task == a.Task {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events for %s", a.Count, event, a.Task),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceContains checks the event occurs at least once for Task.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	event := eventOrRun(a)
	for _, ev := range trace {
		if ev.Type == event && ev.Task == a.Task {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event for %s", event, a.Task),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertNotRun checks the task body never executed.
func assertNotRun(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if executed(ev) && ev.Task == a.Task {
			return &AssertionError{
				Type:     AssertNotRun,
				Expected: fmt.Sprintf("%s never executed", a.Task),
				Actual:   fmt.Sprintf("%s event at seq %d", ev.Type, ev.Seq),
				Trace:    trace,
			}
		}
	}
	return nil
}

func eventOrRun(a Assertion) string {
	if a.Event == "" {
		return EventRun
	}
	return a.Event
}
