package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxAttempts is the total number of transport calls allowed per
	// logical request, including the first.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the first retry delay.
	DefaultBaseDelay = 1 * time.Second
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 30 * time.Second
)

// RetryPolicy decides whether and how long to wait before retrying a failed
// transport call. Delays grow exponentially (×2 per attempt) from BaseDelay
// up to MaxDelay. Rate-limit errors additionally honor the server's
// Retry-After hint, taking the larger of the hint and the backoff delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 attempts, 1s base, 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// NewAttempt starts the retry bookkeeping for one logical request. The
// attempt counter is never shared across requests.
func (p RetryPolicy) NewAttempt() *Attempt {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0 // deterministic, non-decreasing delays
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return &Attempt{backoff: backoff.WithMaxRetries(eb, uint64(retries))}
}

// Attempt tracks retry state for a single logical request.
type Attempt struct {
	backoff backoff.BackOff
	n       int
}

// Next reports whether the failed call should be retried and how long to wait
// first. Non-retryable kinds and exhausted budgets return false.
func (a *Attempt) Next(err error) (time.Duration, bool) {
	if !IsRetryable(err) {
		return 0, false
	}
	delay := a.backoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	if KindOf(err) == KindRateLimited {
		if hint := RetryAfterHint(err); hint != nil && *hint > delay {
			delay = *hint
		}
	}
	a.n++
	return delay, true
}

// Retries returns how many retries have been granted so far.
func (a *Attempt) Retries() int {
	return a.n
}

// Wait sleeps for the given delay, returning early if the context is
// cancelled.
func Wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
