package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventrelay/internal/domain"
)

// recordSleeps replaces the sleeper for the duration of a test and returns
// the slice of requested delays.
func recordSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	t.Cleanup(func() { sleep = orig })
	return &delays
}

func TestDo_BackoffSchedule(t *testing.T) {
	delays := recordSleeps(t)
	calls := 0

	res, err := Do(context.Background(), Options{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Fatalf("expected ok, got %q", res)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, *delays)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, *delays)
		}
	}
}

func TestDo_Exhausted(t *testing.T) {
	recordSleeps(t)
	calls := 0
	var last error

	_, err := Do(context.Background(), Options{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: time.Second},
		func(ctx context.Context) (int, error) {
			calls++
			last = errors.New("attempt failed")
			return 0, last
		})

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != 3 {
		t.Fatalf("expected attempts=3, got %d", ex.Attempts)
	}
	if ex.LastError != last {
		t.Fatalf("expected last error to be the final underlying error")
	}
	if !errors.Is(err, last) {
		t.Fatalf("expected ExhaustedError to unwrap to last error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonRetryableFailsFast(t *testing.T) {
	delays := recordSleeps(t)
	calls := 0
	perm := errors.New("Segment API error: 401 unauthorized")

	_, err := Do(context.Background(), Options{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        time.Second,
		BackoffFactor:   2,
		RetryableErrors: NetworkErrors,
	}, func(ctx context.Context) (int, error) {
		calls++
		return 0, perm
	})

	if err != perm {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if len(*delays) != 0 {
		t.Fatalf("expected no delay, got %v", *delays)
	}
}

func TestDo_RetryableByCodeAndMessage(t *testing.T) {
	recordSleeps(t)

	tests := []struct {
		name string
		err  error
	}{
		{"code", &domain.TransientError{Code: "ECONNRESET", Err: errors.New("read: connection reset by peer")}},
		{"message case-insensitive", errors.New("dial tcp: lookup api: etimedout")},
	}

	for _, tc := range tests {
		calls := 0
		_, err := Do(context.Background(), Options{
			MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2,
			RetryableErrors: NetworkErrors,
		}, func(ctx context.Context) (int, error) {
			calls++
			return 0, tc.err
		})
		var ex *ExhaustedError
		if !errors.As(err, &ex) {
			t.Fatalf("%s: expected ExhaustedError, got %v", tc.name, err)
		}
		if calls != 2 {
			t.Fatalf("%s: expected 2 calls, got %d", tc.name, calls)
		}
	}
}

func TestDo_InvalidOptions(t *testing.T) {
	tests := []Options{
		{MaxAttempts: 0},
		{MaxAttempts: 1, BaseDelay: -1},
		{MaxAttempts: 1, MaxDelay: -1},
		{MaxAttempts: 1, BackoffFactor: -0.5},
	}

	for _, opts := range tests {
		calls := 0
		_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
			calls++
			return 1, nil
		})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration for %+v, got %v", opts, err)
		}
		if calls != 0 {
			t.Fatalf("expected zero calls for %+v, got %d", opts, calls)
		}
	}
}

func TestOptions_Delay(t *testing.T) {
	exp := Options{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}
	if d := exp.Delay(1); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", d)
	}
	if d := exp.Delay(3); d != 300*time.Millisecond {
		t.Fatalf("expected delay capped at 300ms, got %v", d)
	}

	constant := Options{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 1}
	if d := constant.Delay(4); d != 50*time.Millisecond {
		t.Fatalf("expected constant 50ms, got %v", d)
	}
	zero := Options{BaseDelay: 50 * time.Millisecond, BackoffFactor: 0}
	if d := zero.Delay(4); d != 50*time.Millisecond {
		t.Fatalf("expected constant 50ms, got %v", d)
	}
}

func TestDo_JitterStaysWithinTenPercent(t *testing.T) {
	delays := recordSleeps(t)

	_, _ = Do(context.Background(), Options{
		MaxAttempts: 20, BaseDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 2, EnableJitter: true,
	}, func(ctx context.Context) (int, error) {
		return 0, errors.New("fail")
	})

	for _, d := range *delays {
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("expected jittered delay within ±10%% of 1s, got %v", d)
		}
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	_, err := Do(ctx, Options{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 2},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("fail")
		})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestWithRetry_IndependentCalls(t *testing.T) {
	recordSleeps(t)
	calls := map[string]int{}

	fn := WithRetry(func(ctx context.Context, key string) (int, error) {
		calls[key]++
		if calls[key] < 2 {
			return 0, errors.New("first call fails")
		}
		return len(key), nil
	}, Options{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2})

	for _, key := range []string{"a", "bb"} {
		n, err := fn(context.Background(), key)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", key, err)
		}
		if n != len(key) {
			t.Fatalf("expected %d, got %d", len(key), n)
		}
		if calls[key] != 2 {
			t.Fatalf("expected 2 calls for %q, got %d", key, calls[key])
		}
	}
}
