package llm

import (
	"context"
	"testing"
	"time"
)

func TestAttemptDelaysNonDecreasing(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	attempt := policy.NewAttempt()
	serverErr := NewError(KindServerError, "upstream", nil)

	var prev time.Duration
	for i := 0; i < policy.MaxAttempts-1; i++ {
		delay, ok := attempt.Next(serverErr)
		if !ok {
			t.Fatalf("retry %d unexpectedly refused", i+1)
		}
		if delay < prev {
			t.Errorf("delay %v decreased from %v", delay, prev)
		}
		prev = delay
	}

	// 1s, 2s, 4s for the default doubling schedule.
	if prev != 4*time.Second {
		t.Errorf("final delay = %v, want 4s", prev)
	}

	if _, ok := attempt.Next(serverErr); ok {
		t.Error("expected retry budget to be exhausted")
	}
}

func TestAttemptDelayCapped(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	attempt := policy.NewAttempt()
	serverErr := NewError(KindTimeout, "deadline", nil)

	var last time.Duration
	for {
		delay, ok := attempt.Next(serverErr)
		if !ok {
			break
		}
		last = delay
	}
	if last != 30*time.Second {
		t.Errorf("capped delay = %v, want 30s", last)
	}
}

func TestAttemptNonRetryableKinds(t *testing.T) {
	policy := DefaultRetryPolicy()
	for _, kind := range []ErrorKind{KindAuthInvalid, KindClientError, KindMalformedResponse} {
		attempt := policy.NewAttempt()
		if _, ok := attempt.Next(NewError(kind, "nope", nil)); ok {
			t.Errorf("expected no retry for %s", kind)
		}
	}
}

func TestAttemptRateLimitHonorsRetryAfter(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	attempt := policy.NewAttempt()

	hint := 10 * time.Second
	err := &Error{Kind: KindRateLimited, Message: "slow down", RetryAfter: &hint}

	delay, ok := attempt.Next(err)
	if !ok {
		t.Fatal("expected retry")
	}
	if delay != hint {
		t.Errorf("delay = %v, want server hint %v", delay, hint)
	}

	// A hint smaller than the backoff delay loses to the backoff.
	small := time.Millisecond
	err.RetryAfter = &small
	delay, ok = attempt.Next(err)
	if !ok {
		t.Fatal("expected retry")
	}
	if delay != 2*time.Second {
		t.Errorf("delay = %v, want backoff 2s", delay)
	}
}

func TestWaitRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Wait(ctx, time.Minute); err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Wait took %v after cancellation, want prompt return", elapsed)
	}
}
