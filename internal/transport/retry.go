package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"
)

// DefaultRetryStatuses are the HTTP statuses treated as transient.
var DefaultRetryStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// StatusError reports a response whose status is retryable. The response is
// still handed back to the caller once retries are exhausted.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("retryable status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ExponentialRetryPolicy decides which failures are retried and how long to
// wait between attempts, using jittered exponential backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	statuses   map[int]struct{}
}

// NewExponentialRetryPolicy builds a policy allowing maxRetries retries after
// the first attempt. A nil statuses slice uses DefaultRetryStatuses.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration, statuses []int) *ExponentialRetryPolicy {
	if statuses == nil {
		statuses = DefaultRetryStatuses
	}
	set := make(map[int]struct{}, len(statuses))
	for _, code := range statuses {
		set[code] = struct{}{}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		statuses:   set,
	}
}

// RetryableStatus reports whether code is in the transient status set.
func (p *ExponentialRetryPolicy) RetryableStatus(code int) bool {
	_, ok := p.statuses[code]
	return ok
}

// ShouldRetry decides whether the error of the given zero-based attempt is
// retryable. Cancellation and an open circuit are never retried; an attempt
// timeout is.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return p.RetryableStatus(statusErr.StatusCode)
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	// The overall deadline is spent; context.DeadlineExceeded is also a net.Error.
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Network failures surface as arbitrary transport errors.
	return true
}

// Backoff returns the wait duration before retry number attempt+1.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
