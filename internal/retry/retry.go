// Package retry implements a generic exponential-backoff executor with
// error classification for network-sensitive operations.
package retry

import (
	"context"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// Policy configures the retry behaviour of Do.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration

	// Factor is the backoff multiplier applied per attempt.
	Factor float64

	// Jitter inflates each delay by rand(0, 0.25)*delay so many agents
	// retrying against the same target do not synchronize.
	Jitter bool

	// RetryablePatterns classifies errors. Each entry is matched
	// case-insensitively against the error text, as a regular expression
	// when it compiles and as a substring otherwise. An empty set means
	// every error is retryable.
	RetryablePatterns []string

	// OnRetry, when set, is invoked before each backoff sleep with the
	// failed attempt's error, the 1-based attempt number and the delay.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// networkErrorPatterns is the canonical transient-network classification:
// socket-level failures, DNS hiccups and SMB error texts that a later
// attempt can reasonably recover from. Credential failures are absent on
// purpose; retrying those only locks accounts out.
var networkErrorPatterns = []string{
	"connection reset",
	"connection refused",
	"connection timed out",
	"i/o timeout",
	"timeout",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"host is down",
	"temporary failure in name resolution",
	"no such host",
	"stale file handle",
	"session setup failed",
	"STATUS_NETWORK_NAME_DELETED",
	"STATUS_IO_TIMEOUT",
	"STATUS_CONNECTION_RESET",
	"the specified network name is no longer available",
	"the semaphore timeout period has expired",
}

// DefaultNetworkPolicy returns the policy used for remote-share operations.
func DefaultNetworkPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          60 * time.Second,
		Factor:            2.0,
		Jitter:            true,
		RetryablePatterns: append([]string(nil), networkErrorPatterns...),
	}
}

func (p Policy) factor() float64 {
	if p.Factor <= 0 {
		return 2.0
	}
	return p.Factor
}

// Retryable reports whether err matches the policy's classification.
// With an empty pattern set every error is retryable.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if len(p.RetryablePatterns) == 0 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range p.RetryablePatterns {
		if re, reErr := regexp.Compile("(?i)" + pattern); reErr == nil {
			if re.MatchString(msg) {
				return true
			}
			continue
		}
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// Delay computes the backoff delay for the given zero-based attempt,
// capped at MaxDelay, with jitter applied when enabled.
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.factor(), float64(attempt))
	if max := float64(p.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	if p.Jitter {
		delay += rand.Float64() * 0.25 * delay
	}
	return time.Duration(delay)
}

// Do invokes op with the zero-based attempt number until it succeeds, a
// non-retryable error occurs, the retry budget is exhausted, or ctx is
// cancelled. The engine never converts a permanent error into success; it
// only suppresses transient ones up to the budget.
func Do[T any](ctx context.Context, policy Policy, op func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := op(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !policy.Retryable(err) {
			return zero, err
		}
		if attempt == policy.MaxRetries {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
}

// Run is a convenience wrapper for operations without a result value.
func Run(ctx context.Context, policy Policy, op func(attempt int) error) error {
	_, err := Do(ctx, policy, func(attempt int) (struct{}, error) {
		return struct{}{}, op(attempt)
	})
	return err
}
