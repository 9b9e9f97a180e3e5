// Package twopc implements the two-phase protocol engine: parallel
// per-branch job dispatch through an Executor, the Preparer, Committer and
// Rollbacker phase drivers, and the classification of collected branch
// outcomes into heuristic errors.
package twopc

import (
	"sync"
	"time"
)

// Future tracks one submitted job.
type Future interface {
	// Done reports whether the job finished.
	Done() bool
	// Wait blocks until the job finishes or the timeout elapses.
	Wait(timeout time.Duration)
}

// Executor accepts phase jobs. The async implementation backs production
// use; the sync implementation runs jobs in the caller for deterministic
// tests and for single-threaded two-phase execution.
type Executor interface {
	Submit(job func()) Future
	Shutdown()
}

type future struct {
	done chan struct{}
}

func (f *future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *future) Wait(timeout time.Duration) {
	select {
	case <-f.done:
	case <-time.After(timeout):
	}
}

// AsyncExecutor runs jobs on a bounded pool of worker goroutines.
type AsyncExecutor struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewAsyncExecutor starts an executor with the given number of workers.
func NewAsyncExecutor(workers int) *AsyncExecutor {
	if workers <= 0 {
		workers = 4
	}
	e := &AsyncExecutor{jobs: make(chan func(), workers*16)}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for job := range e.jobs {
				job()
			}
		}()
	}
	return e
}

// Submit enqueues a job, blocking when the queue is full.
func (e *AsyncExecutor) Submit(job func()) Future {
	f := &future{done: make(chan struct{})}
	e.jobs <- func() {
		defer close(f.done)
		job()
	}
	return f
}

// Shutdown stops accepting jobs and waits for the workers to drain.
func (e *AsyncExecutor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.jobs)
	e.wg.Wait()
}

// SyncExecutor runs every job on the submitting goroutine.
type SyncExecutor struct{}

func (SyncExecutor) Submit(job func()) Future {
	f := &future{done: make(chan struct{})}
	job()
	close(f.done)
	return f
}

func (SyncExecutor) Shutdown() {}
