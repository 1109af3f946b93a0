// Package vtretry is the single bounded-retry combinator used by every
// backend that can fail transiently (the version store's backends, mostly).
// One helper, reused everywhere, instead of ad hoc retry loops per call site.
package vtretry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds a retry sequence.
type Policy struct {
	MaxAttempts int           // total attempts including the first, e.g. 6
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on any single delay
	IsRetriable func(error) bool
}

// DefaultPolicy matches spec.md's store-retry policy: up to 6 attempts,
// exponential backoff, capped so the whole sequence stays well under 1.2s.
func DefaultPolicy(isRetriable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 6,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
		IsRetriable: isRetriable,
	}
}

var ErrExhausted = errors.New("vtretry: attempts exhausted")

// Do runs fn up to p.MaxAttempts times, backing off exponentially with jitter
// between attempts, stopping early if fn succeeds, ctx is cancelled, or the
// error is not retriable per p.IsRetriable. It returns the last error seen.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.IsRetriable == nil {
		p.IsRetriable = func(error) bool { return true }
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !p.IsRetriable(lastErr) {
			return lastErr
		}
		delay := backoff(p, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func backoff(p Policy, attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}
