// Package queue is an in-memory priority task queue with bounded concurrency
// and per-task retry bookkeeping. State is not persisted across restarts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventrelay/internal/domain"
)

var ErrTimeout = errors.New("task timeout")

type Task[T any] struct {
	ID           string
	Payload      T
	Priority     int
	Attempts     int
	CreatedAt    time.Time
	ProcessAfter time.Time

	seq uint64
}

// Processor handles one task. A returned error, a panic, or running past
// the queue timeout all count as a failed attempt.
type Processor[T any] func(ctx context.Context, task Task[T]) error

// ExhaustedFunc is called once for a task that failed its last attempt.
type ExhaustedFunc[T any] func(task Task[T], lastErr error)

type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
}

var DefaultOptions = Options{
	MaxConcurrent: 5,
	Timeout:       30 * time.Second,
	MaxAttempts:   3,
	RetryDelay:    time.Second,
}

type Option[T any] func(*Queue[T])

func WithClock[T any](now func() time.Time) Option[T] {
	return func(q *Queue[T]) { q.now = now }
}

func WithExhausted[T any](fn ExhaustedFunc[T]) Option[T] {
	return func(q *Queue[T]) { q.onExhausted = fn }
}

type Queue[T any] struct {
	opts        Options
	now         func() time.Time
	onExhausted ExhaustedFunc[T]

	mu       sync.Mutex
	pending  []*Task[T]
	inFlight map[string]struct{}
	seq      uint64

	wg sync.WaitGroup
}

// New builds a queue. Zero option fields take DefaultOptions values;
// negative ones are rejected.
func New[T any](opts Options, options ...Option[T]) (*Queue[T], error) {
	if opts.MaxConcurrent < 0 || opts.Timeout < 0 || opts.MaxAttempts < 0 || opts.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: queue options must be non-negative", domain.ErrConfiguration)
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = DefaultOptions.MaxConcurrent
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultOptions.RetryDelay
	}

	q := &Queue[T]{
		opts:     opts,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
	for _, o := range options {
		o(q)
	}
	return q, nil
}

// Add enqueues payload and returns the new task id.
func (q *Queue[T]) Add(payload T, priority int) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	t := &Task[T]{
		ID:        "tsk_" + uuid.NewString(),
		Payload:   payload,
		Priority:  priority,
		CreatedAt: q.now(),
		seq:       q.seq,
	}
	q.pending = append(q.pending, t)
	return t.ID
}

// Process admits as many eligible tasks as free concurrency slots allow and
// starts them in the background. It returns the admitted task ids in
// admission order and does not wait for the tasks to finish.
func (q *Queue[T]) Process(ctx context.Context, p Processor[T]) []string {
	q.mu.Lock()
	var admitted []*Task[T]
	now := q.now()
	for len(q.inFlight) < q.opts.MaxConcurrent {
		t := q.leaseNext(now)
		if t == nil {
			break
		}
		t.Attempts++
		q.inFlight[t.ID] = struct{}{}
		admitted = append(admitted, t)
	}
	q.wg.Add(len(admitted))
	q.mu.Unlock()

	ids := make([]string, 0, len(admitted))
	for _, t := range admitted {
		ids = append(ids, t.ID)
		go q.run(ctx, t, p)
	}
	return ids
}

// leaseNext removes and returns the eligible task with the highest priority,
// oldest first among equals. Caller holds q.mu.
func (q *Queue[T]) leaseNext(now time.Time) *Task[T] {
	best := -1
	for i, t := range q.pending {
		if _, busy := q.inFlight[t.ID]; busy {
			continue
		}
		if !t.ProcessAfter.IsZero() && t.ProcessAfter.After(now) {
			continue
		}
		if best == -1 || t.Priority > q.pending[best].Priority ||
			(t.Priority == q.pending[best].Priority && t.seq < q.pending[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	t := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	return t
}

func (q *Queue[T]) run(ctx context.Context, t *Task[T], p Processor[T]) {
	defer q.wg.Done()

	err := q.execute(ctx, *t, p)

	var exhausted bool
	q.mu.Lock()
	delete(q.inFlight, t.ID)
	if err != nil {
		if t.Attempts < q.opts.MaxAttempts {
			t.ProcessAfter = q.now().Add(q.opts.RetryDelay * time.Duration(t.Attempts))
			q.pending = append(q.pending, t)
		} else {
			exhausted = true
		}
	}
	q.mu.Unlock()

	if exhausted && q.onExhausted != nil {
		q.onExhausted(*t, err)
	}
}

// execute races the processor against the queue timeout. On timeout the
// processor's context is cancelled but its goroutine is not waited for.
func (q *Queue[T]) execute(ctx context.Context, t Task[T], p Processor[T]) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- p(ctx, t)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

func (q *Queue[T]) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueStats{Pending: len(q.pending), Processing: len(q.inFlight)}
}

// Wait blocks until every admitted task has settled.
func (q *Queue[T]) Wait() {
	q.wg.Wait()
}
