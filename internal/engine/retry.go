package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: configuration errors, context.Canceled, typed FlowErrors with
// non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context deadline exceeded is retryable (step timeout, not run-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable — means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// FlowError checks its own code.
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
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

	// Default: retryable (conservative — let max_retries limit attempts).
	return true
}

// Backoff strategies for the delay between retry attempts.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// BackoffPolicy controls the delay between retry attempts. Steps declare how
// many retries they get; the policy is engine-wide.
type BackoffPolicy struct {
	Strategy string
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultBackoffPolicy returns the engine default: exponential backoff starting
// at 200ms, capped at 10s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Strategy: BackoffExponential,
		Delay:    200 * time.Millisecond,
		MaxDelay: 10 * time.Second,
	}
}

// ComputeBackoff calculates the delay before retry attempt N (zero-based: the
// delay after the first failure is attempt 0).
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	if policy.Strategy == BackoffNone || policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Strategy {
	case BackoffExponential:
		delay = policy.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
				delay = policy.MaxDelay
				break
			}
		}
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default: // constant
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled. Returns the context error on early exit.
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
