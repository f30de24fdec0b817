// Package retry models the sync engine's single retry decorator as a value
// type instead of a chain of decorators: a caller builds one Policy and
// invokes Do at the call site.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes how a fallible operation should be retried.
type Policy struct {
	// ClassesToRetry are errors (matched via errors.Is) that should be retried.
	// Nil means "retry everything not in ClassesToFail".
	ClassesToRetry []error
	// ClassesToFail are errors that must never be retried; the first match
	// returns immediately.
	ClassesToFail []error
	// Backoff is the base delay between attempts.
	Backoff time.Duration
	// Jitter is added uniformly in [0, Jitter) to each backoff.
	Jitter time.Duration
	// MaxConsecutiveBeforeLogging suppresses error-level logging until this
	// many consecutive failures have occurred at a call site (the spec logs
	// transient network/database errors only after >=20 occurrences).
	MaxConsecutiveBeforeLogging int
	// MaxAttempts bounds the number of tries; 0 means unbounded (keep retrying
	// until ctx is cancelled).
	MaxAttempts int
}

// Default matches the spec's transient-network/database retry behavior:
// 30s + U(1,10) backoff, unbounded attempts, log only after 20 failures.
func Default() Policy {
	return Policy{
		Backoff:                     30 * time.Second,
		Jitter:                      10 * time.Second,
		MaxConsecutiveBeforeLogging: 20,
	}
}

// ShouldFail reports whether err is in ClassesToFail.
func (p Policy) ShouldFail(err error) bool {
	for _, fail := range p.ClassesToFail {
		if errors.Is(err, fail) {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether err should be retried under this policy.
func (p Policy) ShouldRetry(err error) bool {
	if p.ShouldFail(err) {
		return false
	}
	if len(p.ClassesToRetry) == 0 {
		return true
	}
	for _, retry := range p.ClassesToRetry {
		if errors.Is(err, retry) {
			return true
		}
	}
	return false
}

func (p Policy) sleep(ctx context.Context, attempt int) error {
	delay := p.Backoff
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn under the policy: retrying until it succeeds, ctx is cancelled,
// MaxAttempts is exhausted, or fn returns an error in ClassesToFail.
// onRetry, if non-nil, is called with the attempt number and error before
// each backoff sleep so the caller can apply the "log only after N
// consecutive failures" rule.
func (p Policy) Do(ctx context.Context, onRetry func(attempt int, err error), fn func() error) error {
	attempt := 0
	for {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if p.ShouldFail(err) {
			return err
		}
		if !p.ShouldRetry(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := p.sleep(ctx, attempt); serr != nil {
			return serr
		}
	}
}
