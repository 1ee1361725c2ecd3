package jobs

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/pkg/errors"
)

// ErrPoolClosed completes handles scheduled after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Handle tracks one scheduled unit of work.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Completed returns a handle that is already done with err.
func Completed(err error) *Handle {
	h := newHandle()
	h.complete(err)
	return h
}

func (h *Handle) complete(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the work has finished, successfully or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the work finishes and returns its error. There is no
// timeout; a stalled job stalls the waiter.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// IsDone reports completion without blocking.
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// WaitAll waits for every non-nil handle.
func WaitAll(handles []*Handle) {
	for _, h := range handles {
		if h != nil {
			<-h.done
		}
	}
}

// Pool runs scheduled work on a bounded set of goroutines.
type Pool struct {
	pool    pond.Pool
	workers int

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a pool. workers <= 0 uses one worker per CPU.
func NewWorkerPool(workers int) *Pool {
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 1)
	}
	return &Pool{
		pool:    pond.NewPool(workers),
		workers: workers,
	}
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return p.workers }

// Schedule queues fn to run once every handle in after has completed. The
// dependencies only order the work: a failed dependency does not cancel
// fn. Panics in fn are recovered and reported through the handle.
func (p *Pool) Schedule(fn func() error, after ...*Handle) *Handle {
	h := newHandle()
	ready := true
	for _, d := range after {
		if d != nil && !d.IsDone() {
			ready = false
			break
		}
	}
	if ready {
		p.submit(fn, h)
		return h
	}
	go func() {
		WaitAll(after)
		p.submit(fn, h)
	}()
	return h
}

func (p *Pool) submit(fn func() error, h *Handle) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		h.complete(ErrPoolClosed)
		return
	}
	p.pool.Submit(func() {
		h.complete(Run(fn))
	})
}

// Run calls fn, turning a panic into an error.
func Run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "panic")
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Shutdown waits for queued work and stops the workers. Work scheduled
// afterwards completes immediately with ErrPoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.pool.StopAndWait()
}

// QueueLength returns the number of submitted tasks not yet running.
func (p *Pool) QueueLength() int {
	return int(p.pool.WaitingTasks())
}
