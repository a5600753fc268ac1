package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter paces outbound requests per host with a token bucket.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	logger   *zap.Logger
}

// NewLimiter creates a Limiter. A non-positive rps disables pacing.
func NewLimiter(rps float64, burst int, logger *zap.Logger) *Limiter {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		logger:   logger,
	}
}

// Wait blocks until a token is available for the host of u, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, u *url.URL) error {
	host := "unknown"
	if u != nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		l.logger.Debug("rate limited", zap.String("host", host), zap.Duration("waited", waited))
	}
	return nil
}
