package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ProviderError is the normalized failure every provider adapter returns.
//
// Adapters map SDK-specific failures onto a small set of codes so the
// orchestrator can decide on retries without knowing which vendor it is
// talking to.
type ProviderError struct {
	// Code is one of: invalid_api_key, rate_limited, quota_exceeded,
	// timeout, parse_error, api_error.
	Code string

	// Message is human-readable detail.
	Message string

	// Retryable marks failures worth retrying with backoff (rate limits,
	// timeouts, transient 5xx).
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ClassifyProviderError converts an arbitrary SDK error into a
// *ProviderError by inspecting the error text, the same way each vendor's
// status codes leak through their Go SDKs. Context cancellation maps to a
// retryable timeout so the caller's own deadline handling stays uniform.
func ClassifyProviderError(vendor string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{
			Code:      "timeout",
			Message:   "request cancelled or timed out",
			Retryable: true,
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "api_key"):
		return &ProviderError{
			Code:      "invalid_api_key",
			Message:   "API key is invalid or expired",
			Retryable: false,
		}
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return &ProviderError{
			Code:      "rate_limited",
			Message:   "API rate limit exceeded",
			Retryable: true,
		}
	case strings.Contains(lower, "quota"),
		strings.Contains(lower, "billing"):
		return &ProviderError{
			Code:      "quota_exceeded",
			Message:   "API quota exceeded",
			Retryable: false,
		}
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "504"):
		return &ProviderError{
			Code:      "timeout",
			Message:   fmt.Sprintf("transient %s failure: %v", vendor, err),
			Retryable: true,
		}
	default:
		return &ProviderError{
			Code:      "api_error",
			Message:   fmt.Sprintf("%s API error: %v", vendor, err),
			Retryable: false,
		}
	}
}
