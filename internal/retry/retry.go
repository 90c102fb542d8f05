// Package retry runs an operation several times with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"eventrelay/internal/domain"
)

type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryableErrors, when non-empty, restricts retries to errors whose
	// code or message matches one of the entries.
	RetryableErrors []string
	// EnableJitter perturbs every delay by up to ±10%.
	EnableJitter bool
}

var DefaultOptions = Options{
	MaxAttempts:   3,
	BaseDelay:     time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2,
}

// NetworkErrors is the allow-list used for outbound destination calls.
var NetworkErrors = []string{"ECONNRESET", "ETIMEDOUT", "ENOTFOUND"}

// ExhaustedError is returned when every allowed attempt failed.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

func (o Options) Validate() error {
	switch {
	case o.MaxAttempts <= 0:
		return fmt.Errorf("%w: maxAttempts must be greater than 0", domain.ErrConfiguration)
	case o.BaseDelay < 0:
		return fmt.Errorf("%w: baseDelay must be non-negative", domain.ErrConfiguration)
	case o.MaxDelay < 0:
		return fmt.Errorf("%w: maxDelay must be non-negative", domain.ErrConfiguration)
	case o.BackoffFactor < 0:
		return fmt.Errorf("%w: backoffFactor must be non-negative", domain.ErrConfiguration)
	}
	return nil
}

// Delay returns the wait before the attempt following attempt (1-based),
// without jitter.
func (o Options) Delay(attempt int) time.Duration {
	if o.BackoffFactor == 0 || o.BackoffFactor == 1 {
		return o.BaseDelay
	}
	d := float64(o.BaseDelay) * math.Pow(o.BackoffFactor, float64(attempt-1))
	if d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

func (o Options) retryable(err error) bool {
	if len(o.RetryableErrors) == 0 {
		return true
	}
	var coded interface{ ErrorCode() string }
	code := ""
	if errors.As(err, &coded) {
		code = coded.ErrorCode()
	}
	msg := strings.ToLower(err.Error())
	for _, name := range o.RetryableErrors {
		if code == name || strings.Contains(msg, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// sleep is swapped in tests to observe the backoff schedule.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func jitter(d time.Duration) time.Duration {
	j := float64(d) * 0.1 * (rand.Float64()*2 - 1)
	if out := time.Duration(float64(d) + j); out > 0 {
		return out
	}
	return 0
}

// Do calls op until it succeeds, a non-retryable error occurs, or
// opts.MaxAttempts is reached. Invalid options fail before op is called.
func Do[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := opts.Validate(); err != nil {
		return zero, err
	}

	for attempt := 1; ; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if !opts.retryable(err) {
			return zero, err
		}
		if attempt >= opts.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, LastError: err}
		}

		d := opts.Delay(attempt)
		if opts.EnableJitter {
			d = jitter(d)
		}
		if serr := sleep(ctx, d); serr != nil {
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt, serr)
		}
	}
}

// WithRetry wraps fn so that each call is retried independently under opts.
func WithRetry[A, T any](fn func(context.Context, A) (T, error), opts Options) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		return Do(ctx, opts, func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		})
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, opts Options, op func(context.Context) error) error {
	_, err := Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
