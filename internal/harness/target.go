package harness

import (
	"fmt"
	"sync"
	"time"

	"github.com/roach88/settle/internal/coord"
	"github.com/roach88/settle/internal/executor"
	"github.com/roach88/settle/internal/looper"
)

// target adapts an executor or looper to what scenarios need.
type target interface {
	coordinator() coord.Coordinator

	// submit queues body and returns a cancel function, or nil if the
	// target cannot cancel individual work.
	submit(id string, body func() error, delay time.Duration) (func() bool, error)
	recurring(id string, body func() error, initialDelay, period time.Duration, fixedRate bool) (func() bool, error)

	shutdown()

	// shutdownNow returns the ids of work that never ran, in run order.
	shutdownNow() []string

	close()
}

type executorTarget struct {
	ex executor.Executor

	mu        sync.Mutex
	ids       map[*executor.Future]string
	schedules map[*executor.Recurring]string
}

func newExecutorTarget(ex executor.Executor) *executorTarget {
	return &executorTarget{
		ex:        ex,
		ids:       make(map[*executor.Future]string),
		schedules: make(map[*executor.Recurring]string),
	}
}

func (t *executorTarget) coordinator() coord.Coordinator {
	return t.ex
}

func (t *executorTarget) submit(id string, body func() error, delay time.Duration) (func() bool, error) {
	f, err := t.ex.Submit(func() (any, error) { return nil, body() }, delay)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.ids[f] = id
	t.mu.Unlock()
	return f.Cancel, nil
}

func (t *executorTarget) recurring(id string, body func() error, initialDelay, period time.Duration, fixedRate bool) (func() bool, error) {
	r, err := t.ex.ScheduleRecurring(body, initialDelay, period, fixedRate)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.schedules[r] = id
	t.mu.Unlock()
	return r.Cancel, nil
}

func (t *executorTarget) shutdown() {
	t.ex.Shutdown()
}

func (t *executorTarget) shutdownNow() []string {
	// Snapshot the schedules' queued instances before they are cancelled.
	t.mu.Lock()
	current := make(map[*executor.Future]string, len(t.schedules))
	for r, id := range t.schedules {
		if f := r.Current(); f != nil {
			current[f] = id
		}
	}
	t.mu.Unlock()

	dropped := t.ex.ShutdownNow()

	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(dropped))
	for _, task := range dropped {
		f := task.Future()
		id, ok := t.ids[f]
		if !ok {
			id, ok = current[f]
		}
		if !ok {
			id = fmt.Sprintf("seq-%d", task.Sequence())
		}
		ids = append(ids, id)
	}
	return ids
}

func (t *executorTarget) close() {
	t.ex.ShutdownNow()
}

// looperTarget posts work to a Looper. Posted messages cannot be
// cancelled one by one and quitting discards the whole queue.
type looperTarget struct {
	l *looper.Looper
}

func (t *looperTarget) coordinator() coord.Coordinator {
	return t.l
}

func (t *looperTarget) submit(_ string, body func() error, delay time.Duration) (func() bool, error) {
	err := t.l.PostDelayed(func() { _ = body() }, delay)
	return nil, err
}

func (t *looperTarget) recurring(id string, _ func() error, _, _ time.Duration, _ bool) (func() bool, error) {
	return nil, coord.NewInvalidArgument("schedule_recurring", "looper %s cannot run recurring task %s", t.l.Name(), id)
}

func (t *looperTarget) shutdown() {
	t.l.Quit()
}

func (t *looperTarget) shutdownNow() []string {
	t.l.Quit()
	return nil
}

func (t *looperTarget) close() {
	t.l.Quit()
}
