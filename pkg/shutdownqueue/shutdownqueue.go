// Package shutdownqueue runs named cleanup steps in reverse order of
// registration, the way deferred calls unwind.
//
// A process builds one Queue in main, registers each resource as it is
// opened and drains the queue once on exit:
//
//	q := shutdownqueue.New()
//	q.Add("postgres", func(context.Context) error { return db.Close() })
//	...
//	err := q.Shutdown(ctx)
//
// Steps run once. Panics are recovered and reported as errors.
package shutdownqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is a shutdown step. It should honor ctx and return an error if it
// can't finish.
type Task func(ctx context.Context) error

type step struct {
	name string
	run  Task
}

// Queue is a LIFO list of shutdown steps. The zero value is not usable; use New.
type Queue struct {
	mu     sync.Mutex
	steps  []step
	closed bool
	log    *slog.Logger
}

// New returns an empty queue logging through slog's default logger.
func New() *Queue {
	return &Queue{steps: make([]step, 0, 4), log: slog.Default()}
}

// WithLogger replaces the queue's logger.
func (q *Queue) WithLogger(l *slog.Logger) *Queue {
	if l != nil {
		q.log = l
	}

	return q
}

// Add registers a named step. It does nothing for a nil task or once
// Shutdown has started.
func (q *Queue) Add(name string, t Task) {
	if t == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Warn("shutdown step registered too late", "step", name)
		return
	}

	q.steps = append(q.steps, step{name: name, run: t})
}

// Len reports how many steps are pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.steps)
}

// Shutdown runs the pending steps newest first and joins their errors.
// Later calls are no-ops. If ctx ends mid-drain the remaining steps are
// skipped and ctx's error is part of the result.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	steps := q.steps
	q.steps = nil
	q.closed = true
	q.mu.Unlock()

	var errs []error

	for i := len(steps) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown canceled before %q: %w", steps[i].name, err))
			break
		}

		err := q.runStep(ctx, steps[i])
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (q *Queue) runStep(ctx context.Context, s step) (err error) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown %q: panic: %v", s.name, r)
		}

		if err != nil {
			q.log.Error("shutdown step failed", "step", s.name, "error", err)
			return
		}

		q.log.Info("shutdown step done", "step", s.name, "took", time.Since(started))
	}()

	if rerr := s.run(ctx); rerr != nil {
		return fmt.Errorf("shutdown %q: %w", s.name, rerr)
	}

	return nil
}
