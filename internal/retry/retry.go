// Package retry runs operations with capped exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// MaxDelay caps the wait between attempts.
const MaxDelay = 30 * time.Second

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err, or anything it wraps, came from Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends, or
// attempts are exhausted. The wait starts at baseDelay and doubles each
// time, up to MaxDelay.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	_, err := DoValue(ctx, attempts, baseDelay, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, attempts int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	attempts = max(attempts, 1)
	delay := baseDelay

	for i := 1; ; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var p *permanent
		if errors.As(err, &p) {
			return zero, p.err
		}
		if i == attempts {
			return zero, err
		}
		if werr := wait(ctx, Backoff(delay)); werr != nil {
			return zero, werr
		}
		delay = min(delay*2, MaxDelay)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff spreads delay uniformly over [0.75*delay, 1.25*delay].
func Backoff(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	spread := int64(delay / 2)
	if spread == 0 {
		return delay
	}
	return delay - delay/4 + time.Duration(rand.Int64N(spread+1))
}
