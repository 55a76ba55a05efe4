package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// nonRetryableStatus lists permanent resource errors that end a fetch early.
var nonRetryableStatus = map[int]struct{}{
	400: {},
	401: {},
	403: {},
	404: {},
	410: {},
}

// StatusError reports an HTTP response with an error status code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// ExponentialRetryPolicy doubles the wait after every failed attempt.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxRetries retries after
// the first attempt.
func NewExponentialRetryPolicy(maxRetries int, baseDelay time.Duration) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxRetries + 1,
		baseDelay:   baseDelay,
	}
}

// MaxAttempts returns the attempt ceiling.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt follows the given 1-based
// attempt that failed with err.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

// Backoff returns the wait before the given 1-based attempt:
// zero for the first, then baseDelay * 2^(attempt-2). The exponent stops
// growing at MaxRetriesLimit-1.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	shift := min(attempt-2, MaxRetriesLimit-1)
	return p.baseDelay * time.Duration(int64(1)<<shift)
}

// IsPermanent reports whether err carries a status that must not be retried.
func IsPermanent(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	_, ok := nonRetryableStatus[statusErr.StatusCode]
	return ok
}
