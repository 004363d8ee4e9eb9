// Package retrier runs a function with a bounded number of fixed-delay retries.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultDelay      = 1 * time.Second
	defaultMaxRetries = 3
)

// Retrier retries a failing function after a fixed delay.
type Retrier struct {
	delay      time.Duration
	maxRetries int
	onRetry    func(attempt int, err error)
}

// Option defines a function to configure the Retrier.
type Option func(*Retrier)

// WithDelay sets the fixed pause between attempts.
func WithDelay(d time.Duration) Option {
	return func(r *Retrier) {
		if d < 0 {
			d = 0
		}
		r.delay = d
	}
}

// WithMaxRetries sets the number of attempts made after the first one.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		if n < 0 {
			n = 0
		}
		r.maxRetries = n
	}
}

// WithOnRetry registers a hook called before every retry with the failed attempt number.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// New creates a new Retrier with default values and optional overrides.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		delay:      defaultDelay,
		maxRetries: defaultMaxRetries,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// MaxAttempts returns the upper bound of calls Do makes.
func (r *Retrier) MaxAttempts() int {
	return r.maxRetries + 1
}

// Do executes fn until it succeeds, returns a permanent error, or runs out of retries.
// The returned error is the last one fn produced; earlier errors are dropped. If ctx
// ends during a delay, the last error is returned wrapped together with ctx.Err().
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) (attempts int, err error) {
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if r.onRetry != nil {
				r.onRetry(attempt, err)
			}

			select {
			case <-ctx.Done():
				// keep the last attempt's cause; the context error only says why we stopped
				return attempts, fmt.Errorf("%w (retry aborted: %w)", err, ctx.Err())
			case <-time.After(r.delay):
			}
		}

		attempts++
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return attempts, perm.err
		}
	}

	return attempts, err
}

// DoWithData executes the given function with retries and returns a value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var result T
	attempts, err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, attempts, err
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
