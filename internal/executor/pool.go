package executor

import (
	"sync"
	"sync/atomic"
)

// DefaultWorkers is the worker count used when WithWorkers is not given.
const DefaultWorkers = 4

// Pool is a fixed set of worker goroutines fed by an unbounded FIFO queue.
//
// Submitting never blocks, so tasks may submit follow-up work from inside
// a worker without risking a deadlock on a full pool.
//
// Thread-safety: all methods are safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	jobs   []func()
	closed bool
	signal chan struct{} // buffered, size 1

	workers int
	active  atomic.Int64
	wg      sync.WaitGroup
}

// NewPool starts a pool with n workers. n < 1 is treated as 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		jobs:    make([]func(), 0, 16),
		signal:  make(chan struct{}, 1),
		workers: n,
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.work()
	}
	return p
}

// Submit queues fn. Returns false if the pool is closed.
func (p *Pool) Submit(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.jobs = append(p.jobs, fn)
	p.wake()
	return true
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Active returns the number of jobs currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Close stops accepting jobs. Queued jobs still run; workers exit once the
// queue is empty. Close does not wait for them.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.signal)
}

// Wait blocks until every worker has exited. Only meaningful after Close.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// wake must be called with mu held.
func (p *Pool) wake() {
	if p.closed {
		return
	}
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.jobs) == 0 {
		return nil, false
	}
	fn := p.jobs[0]
	p.jobs[0] = nil
	p.jobs = p.jobs[1:]
	if len(p.jobs) > 0 {
		// Signals coalesce; pass the wakeup on to another idle worker.
		p.wake()
	}
	return fn, true
}

func (p *Pool) drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed && len(p.jobs) == 0
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		if fn, ok := p.next(); ok {
			p.active.Add(1)
			fn()
			p.active.Add(-1)
			continue
		}
		if p.drained() {
			return
		}
		<-p.signal
	}
}
