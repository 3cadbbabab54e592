package httpclient

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RetryPolicy decides which attempts are retried and how long to wait.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewRetryPolicy builds a policy allowing maxAttempts total attempts with
// delays of baseDelay, 2*baseDelay, 4*baseDelay and so on.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay < 0 {
		baseDelay = 0
	}
	return RetryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// MaxAttempts returns the total number of attempts allowed per request.
func (p RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// HasAttemptsLeft reports whether another attempt may follow attempt (zero-based).
func (p RetryPolicy) HasAttemptsLeft(attempt int) bool {
	return attempt+1 < p.maxAttempts
}

// Backoff returns the wait before the attempt following attempt (zero-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.baseDelay << uint(attempt)
}

// RetryableStatus reports whether code is transient: 429 or any 5xx.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// retryableError reports whether a transport error warrants another attempt.
// Host violations and caller cancellation never do.
func retryableError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrHostNotAllowed)
}

// pauseFunc sleeps for d or until ctx ends.
type pauseFunc func(ctx context.Context, d time.Duration) error

func timerPause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
