package model

import (
	"context"
	"testing"
	"time"
)

// TestChatWithRetry_RecoversFromTransientError verifies one transient
// failure is absorbed and the second attempt's answer is returned.
func TestChatWithRetry_RecoversFromTransientError(t *testing.T) {
	mock := &MockChatModel{
		ErrOnce:   &ProviderError{Code: "rate_limited", Message: "slow down", Retryable: true},
		Responses: []ChatOut{{Text: "recovered"}},
	}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	out, err := ChatWithRetry(context.Background(), mock, policy, []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if out.Text != "recovered" {
		t.Errorf("expected 'recovered', got %q", out.Text)
	}
	if mock.CallCount() != 2 {
		t.Errorf("expected 2 calls, got %d", mock.CallCount())
	}
}

// TestChatWithRetry_FatalErrorNotRetried verifies non-retryable errors
// surface immediately.
func TestChatWithRetry_FatalErrorNotRetried(t *testing.T) {
	mock := &MockChatModel{
		Err: &ProviderError{Code: "invalid_api_key", Message: "bad key"},
	}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	_, err := ChatWithRetry(context.Background(), mock, policy, []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.CallCount() != 1 {
		t.Errorf("expected exactly 1 call, got %d", mock.CallCount())
	}
}

// TestChatWithRetry_ExhaustsAttempts verifies the last error is returned
// once attempts run out.
func TestChatWithRetry_ExhaustsAttempts(t *testing.T) {
	mock := &MockChatModel{
		Err: &ProviderError{Code: "timeout", Message: "upstream timeout", Retryable: true},
	}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	_, err := ChatWithRetry(context.Background(), mock, policy, []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !IsRetryable(err) {
		t.Error("expected the surfaced error to keep its classification")
	}
	if mock.CallCount() != 3 {
		t.Errorf("expected 3 calls, got %d", mock.CallCount())
	}
}

// TestChatWithRetry_ContextCancelled verifies cancellation stops the
// retry loop between attempts.
func TestChatWithRetry_ContextCancelled(t *testing.T) {
	mock := &MockChatModel{
		Err: &ProviderError{Code: "timeout", Message: "upstream timeout", Retryable: true},
	}
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ChatWithRetry(ctx, mock, policy, []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.CallCount() >= 5 {
		t.Errorf("expected cancellation to cut retries short, got %d calls", mock.CallCount())
	}
}

// TestBackoff verifies exponential growth with jitter stays within bounds.
func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second

	for attempt := 0; attempt < 6; attempt++ {
		d := backoff(attempt, base, maxDelay)
		if d < 0 {
			t.Errorf("attempt %d: negative delay %v", attempt, d)
		}
		if d > maxDelay+base {
			t.Errorf("attempt %d: delay %v exceeds max %v plus jitter", attempt, d, maxDelay)
		}
	}
}
