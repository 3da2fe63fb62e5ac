package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// NoRetry marks err as permanent: the engine reports it without retrying.
//
//	return engine.NoRetry(fmt.Errorf("log sink: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsNoRetry reports whether err was wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "no-retry: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// RetryAfterError is implemented by errors that ask for a specific delay
// before the next attempt.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter attaches a suggested retry delay to err. The engine still caps
// it at RetryMaxDelay and applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{err: err, after: max(after, 0)}
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e *delayedError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e *delayedError) Unwrap() error             { return e.err }
func (e *delayedError) RetryAfter() time.Duration { return e.after }

// retryPolicy decides whether and when a failed attempt runs again.
type retryPolicy struct {
	opt TaskOptions
	rng *rand.Rand
}

// next returns the delay before attempt+1, or false when err is final.
// A permanent error is unwrapped in place.
func (p retryPolicy) next(attempt int, err *error) (time.Duration, bool) {
	var perm *permanentError
	if errors.As(*err, &perm) {
		*err = perm.err
		return 0, false
	}
	if attempt > p.opt.RetryMax {
		return 0, false
	}
	var hinted RetryAfterError
	if errors.As(*err, &hinted) {
		return p.spread(hinted.RetryAfter()), true
	}
	return p.spread(p.base(attempt)), true
}

// base doubles RetryBase per attempt up to RetryMaxDelay.
func (p retryPolicy) base(attempt int) time.Duration {
	d := p.opt.RetryBase
	for i := 1; i < attempt && d < p.opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return d
}

func (p retryPolicy) spread(d time.Duration) time.Duration {
	d = min(max(d, 0), p.opt.RetryMaxDelay)
	if p.rng != nil && p.opt.RetryJitter > 0 && d > 0 {
		f := 1 + (p.rng.Float64()*2-1)*p.opt.RetryJitter
		d = min(time.Duration(float64(d)*f), p.opt.RetryMaxDelay)
	}
	return d
}
