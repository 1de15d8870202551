// Package workpool provides the shared bounded worker pool that chunk
// compression, parallel retrieval, and search fan out onto. One pool is
// created per process and handed to every consumer; sizing it caps the
// CPU-bound concurrency of the whole service.
package workpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"clipvault/internal/logging"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("pool closed")

// Task is a unit of work executed by a pool worker.
type Task func()

// Pool runs tasks on a fixed set of worker goroutines fed from a bounded
// queue. Submission never blocks indefinitely: Submit honors its context
// and TrySubmit fails fast, letting callers fall back to running the
// task inline instead of queueing behind a saturated pool.
type Pool struct {
	tasks   chan Task
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	workers int
	logger  *slog.Logger
}

// New starts a pool with the given worker count and queue depth. Counts
// below one are clamped to one worker and an unbuffered queue.
func New(workers, queueDepth int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	p := &Pool{
		tasks:   make(chan Task, queueDepth),
		quit:    make(chan struct{}),
		workers: workers,
		logger:  logging.Default(logger).With("component", "workpool"),
	}
	for range workers {
		p.wg.Go(p.run)
	}
	return p
}

// Workers reports the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

func (p *Pool) run() {
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			p.exec(task)
		}
	}
}

// exec shields the worker goroutine from panicking tasks.
func (p *Pool) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}

// Submit enqueues a task, blocking until there is queue room, the context
// is done, or the pool is closed.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues a task only if there is immediate queue room. It
// returns false when the pool is saturated or closed; the caller runs
// the task inline in that case.
func (p *Pool) TrySubmit(task Task) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops the workers and waits for in-flight tasks to finish.
// Tasks still queued are dropped; callers that need completion must
// track it themselves.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
