package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// IsRetryableError classifies whether a step error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: context.Canceled and typed errors carrying a non-retryable code.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A deadline hit is a step timeout, worth another attempt.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the execution itself is going away.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var kErr *schema.KinetiqError
	if errors.As(err, &kErr) {
		return kErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient patterns from untyped handlers.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Conservative default: retry and let the attempt cap bound the cost.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// attempt is the number of failed attempts so far (1 after the first failure).
// A nil or delay-less policy falls back to defaultDelay with constant backoff.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int, defaultDelay time.Duration) time.Duration {
	base := defaultDelay
	backoff := "constant"

	if policy != nil {
		backoff = policy.Backoff
		if policy.Delay != "" {
			if d, err := time.ParseDuration(policy.Delay); err == nil {
				base = d
			}
		}
	}

	var delay time.Duration
	switch backoff {
	case "none":
		return 0
	case "exponential":
		// base * 2^(attempt-1)
		multiplier := time.Duration(1)
		for i := 1; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt)
	default: // "constant" or unrecognized
		delay = base
	}

	if policy != nil && policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the given delay or returns early when the context
// is cancelled, in which case the context error is returned.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
