// Package ratelimit provides the client-side request limiter: two rolling
// counters (per-minute, per-hour) that gate admission of outbound provider
// requests. Both windows are independent hard gates; the most restrictive
// wins.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultPerMinute is the default per-minute request cap.
	DefaultPerMinute = 50
	// DefaultPerHour is the default per-hour request cap.
	DefaultPerHour = 1000
)

// window is a fixed counter that resets lazily once its period elapses.
type window struct {
	start  time.Time
	count  int
	limit  int
	period time.Duration
}

// roll advances the window if the period has elapsed. Caller holds the lock.
func (w *window) roll(now time.Time) {
	if !now.Before(w.start.Add(w.period)) {
		w.start = now
		w.count = 0
	}
}

func (w *window) full() bool {
	return w.count >= w.limit
}

func (w *window) resetAt() time.Time {
	return w.start.Add(w.period)
}

// Limiter tracks request counts in rolling minute and hour windows and
// decides whether a request may proceed now. A single mutex guards both
// counters; it is held only for O(1) bookkeeping, never across I/O.
type Limiter struct {
	mu     sync.Mutex
	minute window
	hour   window
	logger zerolog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates a limiter with the given caps. Non-positive caps fall back to
// the defaults.
func New(perMinute, perHour int, logger zerolog.Logger) *Limiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perHour <= 0 {
		perHour = DefaultPerHour
	}
	l := &Limiter{
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
	start := l.now()
	l.minute = window{start: start, limit: perMinute, period: time.Minute}
	l.hour = window{start: start, limit: perHour, period: time.Hour}
	return l
}

// TryAdmit reports whether a request could proceed now. It has no side
// effects beyond lazily rolling the windows; callers that proceed must call
// Record, or use Admit for an atomic check-and-record.
func (l *Limiter) TryAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.minute.roll(now)
	l.hour.roll(now)
	return !l.minute.full() && !l.hour.full()
}

// Record counts one admitted request against both windows.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.minute.roll(now)
	l.hour.roll(now)
	l.minute.count++
	l.hour.count++
}

// Admit atomically checks capacity and records the request. Concurrent
// callers cannot over-admit: the check and the count happen under one lock.
func (l *Limiter) Admit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.minute.roll(now)
	l.hour.roll(now)
	if l.minute.full() || l.hour.full() {
		return false
	}
	l.minute.count++
	l.hour.count++
	return true
}

// RetryIn returns how long until the nearer blocking window resets. Zero
// means a request would be admitted now.
func (l *Limiter) RetryIn() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.minute.roll(now)
	l.hour.roll(now)
	return l.waitLocked(now)
}

// waitLocked computes the sleep until the nearer full window resets. Caller
// holds the lock.
func (l *Limiter) waitLocked(now time.Time) time.Duration {
	var until time.Time
	if l.minute.full() {
		until = l.minute.resetAt()
	}
	if l.hour.full() {
		if reset := l.hour.resetAt(); until.IsZero() || reset.Before(until) {
			until = reset
		}
	}
	if until.IsZero() {
		return 0
	}
	return until.Sub(now)
}

// WaitUntilAdmitted blocks until the request is admitted (and recorded) or the
// context is cancelled. It sleeps until the nearer window reset rather than
// busy-spinning, and returns the context error promptly on cancellation.
func (l *Limiter) WaitUntilAdmitted(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.minute.roll(now)
		l.hour.roll(now)
		if !l.minute.full() && !l.hour.full() {
			l.minute.count++
			l.hour.count++
			l.mu.Unlock()
			return nil
		}
		wait := l.waitLocked(now)
		l.mu.Unlock()

		l.logger.Debug().Dur("wait", wait).Msg("rate limit reached, waiting for window reset")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
