package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Second)
	assert.Equal(t, 4, p.MaxAttempts())
	assert.Zero(t, p.Backoff(1))
	assert.Equal(t, time.Second, p.Backoff(2))
	assert.Equal(t, 2*time.Second, p.Backoff(3))
	assert.Equal(t, 4*time.Second, p.Backoff(4))
}

func TestExponentialRetryPolicyBackoffSaturates(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(100, time.Second)
	ceiling := p.Backoff(MaxRetriesLimit + 1)
	assert.Equal(t, 512*time.Second, ceiling)
	for _, attempt := range []int{20, 65, 66, 200} {
		assert.Equal(t, ceiling, p.Backoff(attempt), "attempt %d", attempt)
	}
}

func TestExponentialRetryPolicyNegativeRetries(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, NewExponentialRetryPolicy(-2, time.Second).MaxAttempts())
}

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2, time.Millisecond)
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil error", err: nil, attempt: 1, want: false},
		{name: "transient", err: errors.New("reset"), attempt: 1, want: true},
		{name: "at ceiling", err: errors.New("reset"), attempt: 3, want: false},
		{name: "canceled", err: fmt.Errorf("wrap: %w", context.Canceled), attempt: 1, want: false},
		{name: "server error", err: &StatusError{StatusCode: http.StatusInternalServerError}, attempt: 1, want: true},
		{name: "forbidden", err: &StatusError{StatusCode: http.StatusForbidden}, attempt: 1, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	for _, code := range []int{400, 401, 403, 404, 410} {
		assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", &StatusError{StatusCode: code})), "status %d", code)
	}
	for _, code := range []int{408, 429, 500, 502, 503} {
		assert.False(t, IsPermanent(&StatusError{StatusCode: code}), "status %d", code)
	}
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.Equal(t, "unexpected status 404 for https://x", (&StatusError{URL: "https://x", StatusCode: 404}).Error())
}
