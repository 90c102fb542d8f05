package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eventrelay/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue[T any](t *testing.T, opts Options, options ...Option[T]) *Queue[T] {
	t.Helper()
	q, err := New[T](opts, options...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return q
}

func succeed[T any](ctx context.Context, task Task[T]) error { return nil }

// ------------------------------------------------------------
// ORDERING
// ------------------------------------------------------------
func TestProcess_PriorityOrder(t *testing.T) {
	q := newQueue[int](t, Options{MaxConcurrent: 100})

	byID := map[string]int{}
	for _, p := range []int{1, 10, 5} {
		byID[q.Add(p, p)] = p
	}

	ids := q.Process(context.Background(), succeed[int])
	q.Wait()

	got := make([]int, 0, len(ids))
	for _, id := range ids {
		got = append(got, byID[id])
	}
	want := []int{10, 5, 1}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestProcess_InvocationOrderOneAtATime(t *testing.T) {
	q := newQueue[int](t, Options{MaxConcurrent: 1})
	for _, p := range []int{1, 10, 5} {
		q.Add(p, p)
	}

	var got []int
	for i := 0; i < 3; i++ {
		q.Process(context.Background(), func(ctx context.Context, task Task[int]) error {
			got = append(got, task.Payload)
			return nil
		})
		q.Wait()
	}

	if len(got) != 3 || got[0] != 10 || got[1] != 5 || got[2] != 1 {
		t.Fatalf("expected [10 5 1], got %v", got)
	}
}

func TestProcess_EqualPriorityIsFIFO(t *testing.T) {
	q := newQueue[string](t, Options{MaxConcurrent: 100})

	byID := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d"} {
		byID[q.Add(name, 3)] = name
	}

	ids := q.Process(context.Background(), succeed[string])
	q.Wait()

	var got string
	for _, id := range ids {
		got += byID[id]
	}
	if got != "abcd" {
		t.Fatalf("expected FIFO order abcd, got %s", got)
	}
}

// ------------------------------------------------------------
// CONCURRENCY BOUND
// ------------------------------------------------------------
func TestProcess_ConcurrencyBound(t *testing.T) {
	q := newQueue[int](t, Options{MaxConcurrent: 2})
	for i := 0; i < 5; i++ {
		q.Add(i, 0)
	}

	var current, peak, done int32
	proc := func(ctx context.Context, task Task[int]) error {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		atomic.AddInt32(&done, 1)
		return nil
	}

	// Bursty admission: several drain ticks racing each other.
	var wg sync.WaitGroup
	deadline := time.Now().Add(5 * time.Second)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for atomic.LoadInt32(&done) < 5 && time.Now().Before(deadline) {
				q.Process(context.Background(), proc)
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	q.Wait()

	if atomic.LoadInt32(&done) != 5 {
		t.Fatalf("expected 5 tasks processed, got %d", done)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("expected at most 2 in flight, observed %d", p)
	}
}

func TestProcess_NoTaskAdmittedTwice(t *testing.T) {
	q := newQueue[int](t, Options{MaxConcurrent: 50})
	for i := 0; i < 50; i++ {
		q.Add(i, i%3)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	proc := func(ctx context.Context, task Task[int]) error {
		mu.Lock()
		seen[task.ID]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Process(context.Background(), proc)
		}()
	}
	wg.Wait()
	q.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct tasks, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("expected task %s to run once, ran %d times", id, n)
		}
	}
}

// ------------------------------------------------------------
// RETRY BOOKKEEPING
// ------------------------------------------------------------
func TestProcess_FailedTaskIsRescheduledWithLinearBackoff(t *testing.T) {
	clock := newFakeClock()
	q := newQueue[string](t, Options{MaxConcurrent: 1, MaxAttempts: 3, RetryDelay: time.Second}, WithClock[string](clock.Now))
	q.Add("evt", 0)

	var attempts []int
	fail := func(ctx context.Context, task Task[string]) error {
		attempts = append(attempts, task.Attempts)
		return errors.New("downstream unavailable")
	}

	q.Process(context.Background(), fail)
	q.Wait()

	if s := q.Stats(); s.Pending != 1 || s.Processing != 0 {
		t.Fatalf("expected task back in pending, got %+v", s)
	}
	if ids := q.Process(context.Background(), fail); len(ids) != 0 {
		t.Fatalf("expected no admission before processAfter, got %v", ids)
	}

	clock.Advance(999 * time.Millisecond)
	if ids := q.Process(context.Background(), fail); len(ids) != 0 {
		t.Fatalf("expected no admission before 1s backoff elapsed")
	}
	clock.Advance(time.Millisecond)
	q.Process(context.Background(), fail)
	q.Wait()

	// second failure: delay is 2 * RetryDelay
	clock.Advance(1999 * time.Millisecond)
	if ids := q.Process(context.Background(), fail); len(ids) != 0 {
		t.Fatalf("expected no admission before 2s backoff elapsed")
	}
	clock.Advance(time.Millisecond)
	q.Process(context.Background(), succeed[string])
	q.Wait()

	if s := q.Stats(); s.Pending != 0 || s.Processing != 0 {
		t.Fatalf("expected empty queue after success, got %+v", s)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("expected attempts [1 2], got %v", attempts)
	}
}

func TestProcess_ExhaustedTaskIsReported(t *testing.T) {
	clock := newFakeClock()
	var reported []Task[string]
	var reportedErr error
	q := newQueue[string](t, Options{MaxConcurrent: 1, MaxAttempts: 2, RetryDelay: time.Second},
		WithClock[string](clock.Now),
		WithExhausted[string](func(task Task[string], err error) {
			reported = append(reported, task)
			reportedErr = err
		}),
	)
	q.Add("order", 10)

	boom := errors.New("config lookup failed")
	fail := func(ctx context.Context, task Task[string]) error { return boom }

	for i := 0; i < 2; i++ {
		q.Process(context.Background(), fail)
		q.Wait()
		clock.Advance(time.Minute)
	}

	if len(reported) != 1 {
		t.Fatalf("expected exactly one terminal failure, got %d", len(reported))
	}
	if reported[0].Payload != "order" || reported[0].Attempts != 2 {
		t.Fatalf("unexpected reported task: %+v", reported[0])
	}
	if !errors.Is(reportedErr, boom) {
		t.Fatalf("expected last error to be reported, got %v", reportedErr)
	}
	if s := q.Stats(); s.Pending != 0 {
		t.Fatalf("expected task to be dropped from pending, got %+v", s)
	}
}

func TestProcess_TimeoutCountsAsFailure(t *testing.T) {
	var gotErr error
	q := newQueue[int](t, Options{MaxConcurrent: 1, MaxAttempts: 1, Timeout: 20 * time.Millisecond},
		WithExhausted[int](func(task Task[int], err error) { gotErr = err }))
	q.Add(1, 0)

	release := make(chan struct{})
	defer close(release)
	q.Process(context.Background(), func(ctx context.Context, task Task[int]) error {
		<-release // ignores ctx, like a transport without cancellation
		return nil
	})
	q.Wait()

	if !errors.Is(gotErr, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", gotErr)
	}
}

func TestProcess_PanicCountsAsFailure(t *testing.T) {
	var gotErr error
	q := newQueue[int](t, Options{MaxConcurrent: 1, MaxAttempts: 1},
		WithExhausted[int](func(task Task[int], err error) { gotErr = err }))
	q.Add(1, 0)

	q.Process(context.Background(), func(ctx context.Context, task Task[int]) error {
		panic("nil map write")
	})
	q.Wait()

	if gotErr == nil {
		t.Fatalf("expected panic to be reported as failure")
	}
}

// ------------------------------------------------------------
// STATS / CONFIG
// ------------------------------------------------------------
func TestStats_CountsPendingAndProcessing(t *testing.T) {
	q := newQueue[int](t, Options{MaxConcurrent: 1})
	q.Add(1, 0)
	q.Add(2, 0)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	q.Process(context.Background(), func(ctx context.Context, task Task[int]) error {
		started <- struct{}{}
		<-release
		return nil
	})
	<-started

	if s := q.Stats(); s != (domain.QueueStats{Pending: 1, Processing: 1}) {
		t.Fatalf("expected pending=1 processing=1, got %+v", s)
	}
	close(release)
	q.Wait()

	if s := q.Stats(); s != (domain.QueueStats{Pending: 1, Processing: 0}) {
		t.Fatalf("expected pending=1 processing=0, got %+v", s)
	}
}

func TestNew_RejectsNegativeOptions(t *testing.T) {
	_, err := New[int](Options{MaxConcurrent: -1})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
