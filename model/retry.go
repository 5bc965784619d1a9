package model

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of transient provider failures.
//
// The delay before attempt n is min(BaseDelay * 2^n, MaxDelay) plus a
// random jitter in [0, BaseDelay) so concurrent runs do not retry in
// lockstep against an already-throttling provider.
type RetryPolicy struct {
	// MaxAttempts counts the initial attempt. 1 disables retries.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is the policy the LLM call sites use unless configured
// otherwise: three attempts, 500ms base, 8s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// ChatWithRetry calls m.Chat, retrying retryable provider failures per the
// policy. Non-retryable failures and context cancellation return
// immediately.
func ChatWithRetry(ctx context.Context, m ChatModel, policy RetryPolicy, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ChatOut{}, ctx.Err()
			case <-time.After(backoff(attempt-1, policy.BaseDelay, policy.MaxDelay)):
			}
		}
		out, err := m.Chat(ctx, messages, tools)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return ChatOut{}, err
		}
	}
	return ChatOut{}, lastErr
}

// backoff computes min(base * 2^attempt, maxDelay) + jitter(0, base).
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = base
	}
	delay := base
	if attempt < 16 {
		delay = base * (1 << attempt)
	} else {
		delay = maxDelay
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}
