package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
	"github.com/roach88/settle/internal/dispatch"
	"github.com/roach88/settle/internal/executor"
	"github.com/roach88/settle/internal/looper"
	"github.com/roach88/settle/internal/testutil"
)

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger           *slog.Logger
	flushTimeout     time.Duration
	operationTimeout time.Duration
}

// WithLogger sets the logger handed to every executor, looper and the
// aggregator. Run discards logs by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFlushTimeout overrides the scenario's flush timeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *runConfig) { c.flushTimeout = d }
}

// WithOperationTimeout overrides the scenario's operation timeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *runConfig) { c.operationTimeout = d }
}

// errRecurrenceDone ends a recurring schedule that reached its run count.
var errRecurrenceDone = errors.New("recurrence complete")

// Run executes a scenario and evaluates its assertions.
//
// Run returns an error only when the scenario cannot be set up. Step
// failures and assertion failures are reported through Result.Errors.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	if err := validateScenario(s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	cfg := runConfig{
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		flushTimeout:     time.Duration(s.FlushTimeoutMs) * time.Millisecond,
		operationTimeout: time.Duration(s.OperationTimeoutMs) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h, err := newHarness(s, cfg)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult(s.Name, h.mode.String())

	for i, def := range s.Tasks {
		if err := h.submit(def); err != nil {
			result.AddError(fmt.Sprintf("tasks[%d] (%s): %v", i, def.ID, err))
		}
	}
	for i, st := range s.Steps {
		h.runStep(i, st, result)
	}

	result.ClockMillis = h.now()
	result.Trace = h.events()
	result.Idle, result.Pending = h.state()

	for _, msg := range EvaluateAssertions(result, s.Assertions) {
		result.AddError(msg)
	}

	h.logger.Info("scenario finished",
		"scenario", s.Name,
		"pass", result.Pass,
		"events", len(result.Trace),
		"clock_ms", result.ClockMillis,
	)
	return result, nil
}

// harness holds the coordinators built for one run.
type harness struct {
	mode   dispatch.Mode
	logger *slog.Logger
	clk    *clock.VirtualClock
	disp   dispatch.Dispatchers
	coords []coord.Coordinator

	targets map[string]target

	seq     *testutil.Sequencer
	traceMu sync.Mutex
	trace   []TraceEvent

	handlesMu sync.Mutex
	handles   map[string]handle
}

// handle cancels the most recent submission of a task id.
type handle struct {
	executor string
	cancel   func() bool
}

func newHarness(s *Scenario, cfg runConfig) (*harness, error) {
	mode, err := dispatch.ParseMode(s.Mode)
	if err != nil {
		return nil, err
	}

	h := &harness{
		mode:    mode,
		logger:  cfg.logger.With("scenario", s.Name),
		targets: make(map[string]target, len(s.Executors)),
		seq:     testutil.NewSequencer(),
		handles: make(map[string]handle),
	}
	if mode == dispatch.ModeVirtual {
		h.clk = clock.NewVirtualClock()
	}

	for _, def := range s.Executors {
		t := h.build(def)
		h.targets[def.Name] = t
		h.coords = append(h.coords, t.coordinator())
	}

	var dopts []dispatch.Option
	dopts = append(dopts, dispatch.WithLogger(h.logger), dispatch.WithBridgeName(s.Name))
	if cfg.flushTimeout != 0 {
		dopts = append(dopts, dispatch.WithFlushTimeout(cfg.flushTimeout))
	}
	if cfg.operationTimeout != 0 {
		dopts = append(dopts, dispatch.WithOperationTimeout(cfg.operationTimeout))
	}
	h.disp, err = dispatch.New(mode, h.clk, h.coords, dopts...)
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to create dispatchers: %w", err)
	}
	return h, nil
}

func (h *harness) build(def ExecutorDef) target {
	switch def.Kind {
	case KindLooper:
		return &looperTarget{l: looper.New(h.clk, looper.WithName(def.Name), looper.WithLogger(h.logger))}
	case KindImmediate:
		ex := executor.NewImmediate(executor.WithName(def.Name), executor.WithWorkers(def.Workers), executor.WithLogger(h.logger))
		return newExecutorTarget(ex)
	default:
		ex := executor.NewDeferred(h.clk, executor.WithName(def.Name), executor.WithWorkers(def.Workers), executor.WithLogger(h.logger))
		return newExecutorTarget(ex)
	}
}

func (h *harness) close() {
	if c, ok := h.disp.(interface{ Close() }); ok {
		c.Close()
	}
	for _, t := range h.targets {
		t.close()
	}
}

func (h *harness) now() int64 {
	if h.clk == nil {
		return 0
	}
	return h.clk.NowMillis()
}

func (h *harness) record(e TraceEvent) {
	h.traceMu.Lock()
	defer h.traceMu.Unlock()
	e.Seq = h.seq.Next()
	e.TimeMs = h.now()
	h.trace = append(h.trace, e)
}

func (h *harness) events() []TraceEvent {
	h.traceMu.Lock()
	defer h.traceMu.Unlock()
	return append([]TraceEvent{}, h.trace...)
}

func (h *harness) state() (idle, pending bool) {
	idle = true
	for _, c := range h.coords {
		if c.HasPendingCompletableTasks() {
			idle = false
		}
		if c.HasPendingTasks() {
			pending = true
		}
	}
	return idle, pending
}

// submit hands def to its executor and remembers how to cancel it.
func (h *harness) submit(def TaskDef) error {
	t := h.targets[def.Executor]
	if t == nil {
		return fmt.Errorf("unknown executor %q", def.Executor)
	}

	var (
		cancel func() bool
		err    error
	)
	if r := def.Recurring; r != nil {
		cancel, err = t.recurring(def.ID, h.recurringBody(def),
			time.Duration(r.InitialDelayMs)*time.Millisecond,
			time.Duration(r.PeriodMs)*time.Millisecond,
			r.FixedRate)
	} else {
		cancel, err = t.submit(def.ID, h.body(def), time.Duration(def.DelayMs)*time.Millisecond)
	}
	if err != nil {
		return err
	}

	h.handlesMu.Lock()
	h.handles[def.ID] = handle{executor: def.Executor, cancel: cancel}
	h.handlesMu.Unlock()
	return nil
}

// body builds the work for def: record the outcome, then submit children.
func (h *harness) body(def TaskDef) func() error {
	return func() error {
		ev := TraceEvent{Task: def.ID, Executor: def.Executor}
		switch {
		case def.Panic:
			ev.Type = EventPanic
			h.record(ev)
			panic(fmt.Sprintf("task %s panicked", def.ID))
		case def.Fail:
			ev.Type = EventFail
			h.record(ev)
			return fmt.Errorf("task %s failed", def.ID)
		}

		ev.Type = EventRun
		h.record(ev)
		for _, child := range def.Then {
			if err := h.submit(child); err != nil {
				h.record(TraceEvent{
					Type:     EventRejected,
					Task:     child.ID,
					Executor: child.Executor,
					Code:     string(coord.CodeOf(err)),
				})
			}
		}
		return nil
	}
}

func (h *harness) recurringBody(def TaskDef) func() error {
	once := h.body(def)
	times := def.Recurring.Times
	runs := 0
	return func() error {
		if err := once(); err != nil {
			return err
		}
		// Instances of one schedule never overlap, so runs needs no lock.
		runs++
		if times > 0 && runs >= times {
			return errRecurrenceDone
		}
		return nil
	}
}

func (h *harness) runStep(i int, st Step, result *Result) {
	var err error
	switch st.Op {
	case OpRunCurrent:
		err = h.disp.RunCurrent()
	case OpAdvanceBy:
		err = h.disp.AdvanceTimeBy(time.Duration(st.Ms) * time.Millisecond)
	case OpAdvanceUntilIdle:
		err = h.disp.AdvanceUntilIdle()
	case OpSubmit:
		for _, def := range st.Tasks {
			if serr := h.submit(def); serr != nil && err == nil {
				err = serr
			}
		}
	case OpCancel:
		h.handlesMu.Lock()
		hd, ok := h.handles[st.Task]
		h.handlesMu.Unlock()
		switch {
		case !ok:
			result.AddError(fmt.Sprintf("steps[%d]: cancel: task %q was never submitted", i, st.Task))
		case hd.cancel == nil:
			result.AddError(fmt.Sprintf("steps[%d]: cancel: task %q on %s cannot be cancelled", i, st.Task, hd.executor))
		case hd.cancel():
			h.record(TraceEvent{Type: EventCancel, Task: st.Task, Executor: hd.executor})
		}
	case OpShutdown:
		h.targets[st.Executor].shutdown()
	case OpShutdownNow:
		for _, id := range h.targets[st.Executor].shutdownNow() {
			h.record(TraceEvent{Type: EventDrop, Task: id, Executor: st.Executor})
		}
	}

	h.checkStepError(i, st, err, result)
	h.record(TraceEvent{Type: EventStep, Op: st.Op, Task: st.Task, Executor: st.Executor})
	h.logger.Debug("step completed", "step", i, "op", st.Op, "now_ms", h.now())
}

func (h *harness) checkStepError(i int, st Step, err error, result *Result) {
	if err == nil {
		if st.ExpectError != "" {
			result.AddError(fmt.Sprintf("steps[%d] (%s): expected error %s, got none", i, st.Op, st.ExpectError))
		}
		return
	}

	code := string(coord.CodeOf(err))
	h.record(TraceEvent{Type: EventError, Op: st.Op, Code: code})

	switch {
	case st.ExpectError == "":
		result.AddError(fmt.Sprintf("steps[%d] (%s): unexpected error: %v", i, st.Op, err))
	case st.ExpectError != code:
		result.AddError(fmt.Sprintf("steps[%d] (%s): expected error %s, got %v", i, st.Op, st.ExpectError, err))
	}
}
