package llm

import (
	"context"
	"errors"
	"math"
	"time"
)

// Retryable marks an error as transient. Only retryable errors are retried.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// RetryableErr wraps err as retryable.
func RetryableErr(err error) error { return &Retryable{Err: err} }

// IsRetryable reports whether err is or wraps a Retryable.
func IsRetryable(err error) bool { return errors.As(err, new(*Retryable)) }

// BackoffPolicy is an exponential backoff: the delay before retry n (n >= 1)
// is Initial * Multiplier^(n-1), capped at Cap. MaxAttempts counts the first
// try.
type BackoffPolicy struct {
	Initial     time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff is used when a gateway is built without a policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: 500 * time.Millisecond, Multiplier: 2, Cap: 10 * time.Second, MaxAttempts: 3}
}

// Delay returns the wait before the given retry.
func (p BackoffPolicy) Delay(retry int) time.Duration {
	if retry < 1 || p.Initial <= 0 {
		return 0
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d := float64(p.Initial) * math.Pow(m, float64(retry-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

func (p BackoffPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// retry runs op until it succeeds, returns a non-retryable error, the
// attempts are used up, or ctx ends. It returns the number of attempts made
// and the last error.
func retry(ctx context.Context, p BackoffPolicy, op func(ctx context.Context, attempt int) error) (int, error) {
	var err error
	limit := p.attempts()
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, ctx.Err()
			case <-timer.C:
			}
		}
		err = op(ctx, attempt)
		if err == nil || !IsRetryable(err) {
			return attempt, err
		}
	}
	return limit, err
}
