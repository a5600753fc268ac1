// Package cache implements an in-memory cache-aside store with single-flight
// loading, eager refresh and fail-safe fallback to the last good value.
//
// A Cache is meant to be created once per process and injected into the
// components sharing it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/cartescolaire/internal/metrics"
)

// ErrFactoryTimeout is returned when a factory exceeds Options.FactoryTimeout.
var ErrFactoryTimeout = errors.New("cache factory timed out")

// Cache event labels reported to metrics.
const (
	EventHit     = "hit"
	EventMiss    = "miss"
	EventStale   = "stale"
	EventRefresh = "refresh"
	EventEvict   = "evict"
	EventFailure = "failure"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Factory produces the value for a key on a miss.
type Factory[V any] func(ctx context.Context) (V, error)

// Options tunes entry lifetime and failure handling.
type Options struct {
	// Duration is how long a stored value is considered fresh.
	Duration time.Duration
	// EagerRefreshRatio, when in (0,1), starts a background refresh once that
	// fraction of Duration has elapsed. Zero disables eager refresh.
	EagerRefreshRatio float64
	// FailSafe keeps serving the last good value when a refresh fails.
	FailSafe bool
	// FailSafeMaxDuration bounds how long past expiry a value may be served.
	FailSafeMaxDuration time.Duration
	// FailSafeThrottle is how long a failure suppresses further factory calls.
	FailSafeThrottle time.Duration
	// FactoryTimeout bounds a single factory call. Zero means no bound.
	FactoryTimeout time.Duration
}

// DefaultOptions returns the token cache defaults.
func DefaultOptions() Options {
	return Options{
		Duration:            2 * time.Hour,
		EagerRefreshRatio:   0.9,
		FailSafe:            true,
		FailSafeMaxDuration: 24 * time.Hour,
		FailSafeThrottle:    30 * time.Second,
		FactoryTimeout:      10 * time.Second,
	}
}

type entry[V any] struct {
	value    V
	hasValue bool
	// freshUntil is the logical expiry of value.
	freshUntil time.Time
	// refreshAt is when an eager refresh may start; zero when disabled.
	refreshAt time.Time
	// refreshing is set while an eager refresh for this entry is running.
	refreshing bool
	// throttleUntil suppresses factory calls after a failure.
	throttleUntil time.Time
	err           error
}

// Cache is a keyed cache-aside store. The zero value is not usable; use New.
type Cache[V any] struct {
	opts   Options
	clock  Clock
	logger *zap.Logger
	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry[V]
}

// New builds a Cache. Zero-valued durations fall back to DefaultOptions.
func New[V any](opts Options, clock Clock, logger *zap.Logger) *Cache[V] {
	def := DefaultOptions()
	if opts.Duration <= 0 {
		opts.Duration = def.Duration
	}
	if opts.FailSafeMaxDuration <= 0 {
		opts.FailSafeMaxDuration = def.FailSafeMaxDuration
	}
	if opts.FailSafeThrottle <= 0 {
		opts.FailSafeThrottle = def.FailSafeThrottle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[V]{
		opts:    opts,
		clock:   clock,
		logger:  logger.Named("cache"),
		entries: make(map[string]*entry[V]),
	}
}

// GetOrSet returns the cached value for key, invoking factory on a miss.
//
// Concurrent misses on the same key share one factory call and observe the
// same outcome. The factory runs detached from ctx, so a caller that gives up
// gets ctx.Err() while the shared call carries on for the others.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, factory Factory[V]) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	c.mu.Lock()
	now := c.clock.Now()
	if e, ok := c.entries[key]; ok {
		switch {
		case e.hasValue && now.Before(e.freshUntil):
			if !e.refreshing && !e.refreshAt.IsZero() && !now.Before(e.refreshAt) && !now.Before(e.throttleUntil) {
				e.refreshing = true
				c.flight.DoChan(key, c.load(ctx, key, factory, true))
				metrics.ObserveTokenCacheEvent(EventRefresh)
				c.logger.Debug("eager refresh started", zap.String("key", key))
			}
			value := e.value
			c.mu.Unlock()
			metrics.ObserveTokenCacheEvent(EventHit)
			return value, nil
		case e.hasValue && now.Before(e.throttleUntil) && c.usable(e, now):
			value := e.value
			c.mu.Unlock()
			metrics.ObserveTokenCacheEvent(EventStale)
			return value, nil
		case e.err != nil && now.Before(e.throttleUntil):
			err := e.err
			c.mu.Unlock()
			metrics.ObserveTokenCacheEvent(EventFailure)
			return zero, err
		}
	}
	c.mu.Unlock()
	metrics.ObserveTokenCacheEvent(EventMiss)

	ch := c.flight.DoChan(key, c.load(ctx, key, factory, false))
	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		value, _ := r.Val.(V)
		return value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Remove evicts key. A factory call already in flight is not canceled.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		metrics.ObserveTokenCacheEvent(EventEvict)
		c.logger.Debug("entry evicted", zap.String("key", key))
	}
}

// load returns the shared flight for key. Unless refresh is set, it first
// re-checks the entry, since a flight that finished between the caller's miss
// and this one joining has already stored the outcome.
func (c *Cache[V]) load(ctx context.Context, key string, factory Factory[V], refresh bool) func() (any, error) {
	detached := context.WithoutCancel(ctx)
	return func() (any, error) {
		if !refresh {
			c.mu.Lock()
			now := c.clock.Now()
			if e, ok := c.entries[key]; ok {
				if e.hasValue && now.Before(e.freshUntil) {
					value := e.value
					c.mu.Unlock()
					return value, nil
				}
				if !e.hasValue && e.err != nil && now.Before(e.throttleUntil) {
					err := e.err
					c.mu.Unlock()
					return nil, err
				}
			}
			c.mu.Unlock()
		}

		value, err := c.invoke(detached, factory)

		c.mu.Lock()
		defer c.mu.Unlock()
		now := c.clock.Now()
		prev := c.entries[key]

		switch {
		case err == nil:
			c.entries[key] = c.fresh(value, now)
			return value, nil
		case prev != nil && prev.hasValue && c.usable(prev, now):
			prev.refreshing = false
			prev.throttleUntil = now.Add(c.opts.FailSafeThrottle)
			c.logger.Warn("factory failed, serving last good value",
				zap.String("key", key), zap.Error(err))
			metrics.ObserveTokenCacheEvent(EventStale)
			return prev.value, nil
		default:
			c.entries[key] = &entry[V]{err: err, throttleUntil: now.Add(c.opts.FailSafeThrottle)}
			c.logger.Warn("factory failed", zap.String("key", key), zap.Error(err))
			metrics.ObserveTokenCacheEvent(EventFailure)
			return nil, err
		}
	}
}

// invoke runs factory under the factory timeout and turns panics into errors.
func (c *Cache[V]) invoke(ctx context.Context, factory Factory[V]) (V, error) {
	var zero V
	if c.opts.FactoryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FactoryTimeout)
		defer cancel()
	}

	type outcome struct {
		value V
		err   error
	}
	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				out <- outcome{err: fmt.Errorf("cache factory panicked: %v", rec)}
			}
		}()
		v, err := factory(ctx)
		out <- outcome{value: v, err: err}
	}()

	select {
	case o := <-out:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s: %w", ErrFactoryTimeout, c.opts.FactoryTimeout, o.err)
		}
		return o.value, o.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w after %s", ErrFactoryTimeout, c.opts.FactoryTimeout)
	}
}

func (c *Cache[V]) fresh(value V, now time.Time) *entry[V] {
	ttl := c.opts.Duration
	e := &entry[V]{value: value, hasValue: true, freshUntil: now.Add(ttl)}
	if r := c.opts.EagerRefreshRatio; r > 0 && r < 1 {
		e.refreshAt = now.Add(time.Duration(float64(ttl) * r))
	}
	return e
}

// usable reports whether e may be served after a failed refresh.
func (c *Cache[V]) usable(e *entry[V], now time.Time) bool {
	if now.Before(e.freshUntil) {
		return true
	}
	return c.opts.FailSafe && now.Before(e.freshUntil.Add(c.opts.FailSafeMaxDuration))
}
