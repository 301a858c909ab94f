// Package tasks runs fire-and-forget work off the request path. Failures are
// not dropped: every error a task returns is delivered on Errors().
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("task queue full")
	ErrClosed    = errors.New("task queue closed")
)

// Task is one unit of background work.
type Task struct {
	Name  string
	KeyID string
	Run   func(ctx context.Context) error
}

// Failure is a task that returned an error or panicked.
type Failure struct {
	Task Task
	Err  error
	At   time.Time
}

type Queue struct {
	mu      sync.Mutex
	jobs    chan Task
	errs    chan Failure
	workers int
	timeout time.Duration
	closed  bool
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New creates a queue holding up to size pending tasks, run by workers
// goroutines with a per-task timeout.
func New(size, workers int, timeout time.Duration, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Task, size),
		errs:    make(chan Failure, size),
		workers: workers,
		stop:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
}

// Errors delivers task failures. It is closed after Stop.
func (q *Queue) Errors() <-chan Failure {
	return q.errs
}

// Start launches the workers.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for t := range q.jobs {
				q.run(ctx, t)
			}
		}()
	}
}

// Submit enqueues t without blocking.
func (q *Queue) Submit(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new tasks, waits for queued ones to finish and closes Errors.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	close(q.stop)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(q.errs)
}

func (q *Queue) run(ctx context.Context, t Task) {
	runCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.Run(runCtx)
	}()
	if err == nil {
		return
	}

	f := Failure{Task: t, Err: err, At: time.Now()}
	select {
	case q.errs <- f:
		return
	default:
	}
	select {
	case q.errs <- f:
	case <-q.stop:
		q.logger.Error("task failure not delivered during shutdown", "task", t.Name, "key_id", t.KeyID, "error", err)
	case <-ctx.Done():
		q.logger.Error("task failure not delivered during shutdown", "task", t.Name, "key_id", t.KeyID, "error", err)
	}
}
