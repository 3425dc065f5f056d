// Package pipeline runs frame preparation and replay work off the transfer
// goroutines: a bounded worker pool fed from a FIFO, and a bounded frame
// queue for look-ahead.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("executor stopped")

// DefaultPoolSize is used when NewExecutor gets a non-positive pool size.
const DefaultPoolSize = 4

// Task is an opaque unit of work.
type Task func()

// Executor dispatches submitted tasks in FIFO order to at most poolSize
// concurrent goroutines. A single manager goroutine owns dispatch.
type Executor struct {
	tasks  chan Task
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// NewExecutor starts an executor. queueLen bounds tasks waiting for a
// worker; Submit blocks once both the pool and the queue are full.
func NewExecutor(poolSize, queueLen int, logger *slog.Logger) *Executor {
	if poolSize < 1 {
		poolSize = DefaultPoolSize
	}
	if queueLen < 0 {
		queueLen = 0
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Executor{
		tasks:  make(chan Task, queueLen),
		sem:    make(chan struct{}, poolSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go e.manage()
	return e
}

func (e *Executor) manage() {
	defer close(e.done)
	for task := range e.tasks {
		e.sem <- struct{}{}
		e.wg.Add(1)
		go e.run(task)
	}
	e.wg.Wait()
}

func (e *Executor) run(task Task) {
	defer e.wg.Done()
	defer func() { <-e.sem }()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Submit queues task, blocking while the executor is saturated.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrStopped
	}
	select {
	case e.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues task only if that does not block.
func (e *Executor) TrySubmit(task Task) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return false
	}
	select {
	case e.tasks <- task:
		return true
	default:
		return false
	}
}

// Queued returns the number of tasks waiting for a worker.
func (e *Executor) Queued() int { return len(e.tasks) }

// Active returns the number of running tasks.
func (e *Executor) Active() int { return len(e.sem) }

// Stop rejects new tasks and returns once every queued and running task
// has finished. It is safe to call more than once.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.tasks)
	}
	e.mu.Unlock()
	<-e.done
}

// Stopped is closed once Stop has drained all work.
func (e *Executor) Stopped() <-chan struct{} { return e.done }
