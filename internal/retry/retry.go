// Package retry provides a small bounded-attempt backoff helper shared by the
// credential provider and the endpoint health monitor.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff with jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Must be ≥ 1.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; it doubles each
	// subsequent attempt. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the per-attempt delay. Default: 5s.
	MaxDelay time.Duration

	// AttemptTimeout bounds each individual attempt. 0 means no per-attempt
	// timeout beyond what ctx carries.
	AttemptTimeout time.Duration
}

// DefaultPolicy matches the credential-fetch contract: 3 attempts, 5s each.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	BaseDelay:      200 * time.Millisecond,
	MaxDelay:       5 * time.Second,
	AttemptTimeout: 5 * time.Second,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// delay returns the backoff before attempt n (0-based), with full jitter.
func (p Policy) delay(n int) time.Duration {
	d := p.BaseDelay << uint(n-1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// Do runs fn until it succeeds or the policy is exhausted. The last error is
// returned. Permanent errors (wrapped with Permanent) stop immediately.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.delay(attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}

		v, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return v, nil
		}
		lastErr = err

		var pe *permanentError
		if asPermanent(err, &pe) {
			return zero, pe.err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func asPermanent(err error, target **permanentError) bool {
	for err != nil {
		if pe, ok := err.(*permanentError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
