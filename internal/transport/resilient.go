// Package transport provides the resilient HTTP round tripper used for every
// call to the portal: a total deadline across attempts, jittered exponential
// retry, a failure-ratio circuit breaker and a per-attempt timeout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/metrics"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrAttemptTimeout marks a single attempt exceeding its timeout.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// Attempt outcomes reported to metrics.
const (
	outcomeSuccess     = "success"
	outcomeStatus      = "retryable_status"
	outcomeError       = "error"
	outcomeTimeout     = "timeout"
	outcomeCircuitOpen = "circuit_open"
)

// BreakerOptions configures the failure-ratio circuit breaker.
type BreakerOptions struct {
	FailureRatio      float64       `mapstructure:"failure_ratio"`
	MinimumThroughput uint32        `mapstructure:"minimum_throughput"`
	SamplingDuration  time.Duration `mapstructure:"sampling_duration"`
	BreakDuration     time.Duration `mapstructure:"break_duration"`
}

// RateLimitOptions configures outbound pacing. RPS <= 0 disables it.
type RateLimitOptions struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Options configures a Resilient transport.
type Options struct {
	AttemptTimeout time.Duration    `mapstructure:"attempt_timeout"`
	TotalTimeout   time.Duration    `mapstructure:"total_timeout"`
	MaxRetries     int              `mapstructure:"max_retries"`
	BackoffBase    time.Duration    `mapstructure:"backoff_base"`
	BackoffMax     time.Duration    `mapstructure:"backoff_max"`
	RetryStatuses  []int            `mapstructure:"retry_statuses"`
	Breaker        BreakerOptions   `mapstructure:"breaker"`
	RateLimit      RateLimitOptions `mapstructure:"rate_limit"`
}

// DefaultOptions returns the portal's known-good resilience settings.
func DefaultOptions() Options {
	return Options{
		AttemptTimeout: 20 * time.Second,
		TotalTimeout:   150 * time.Second,
		MaxRetries:     2,
		BackoffBase:    2 * time.Second,
		BackoffMax:     30 * time.Second,
		RetryStatuses:  append([]int(nil), DefaultRetryStatuses...),
		Breaker: BreakerOptions{
			FailureRatio:      0.2,
			MinimumThroughput: 20,
			SamplingDuration:  60 * time.Second,
			BreakDuration:     5 * time.Second,
		},
	}
}

// Validate checks that the timeouts compose: the total budget must outlast
// every attempt running to its own timeout.
func (o Options) Validate() error {
	if o.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be > 0")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if budget := o.AttemptTimeout * time.Duration(o.MaxRetries+1); o.TotalTimeout <= budget {
		return fmt.Errorf("total_timeout %s must exceed attempt_timeout x (max_retries+1) = %s", o.TotalTimeout, budget)
	}
	if o.Breaker.FailureRatio <= 0 || o.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in (0,1]")
	}
	if o.Breaker.SamplingDuration <= 0 {
		return fmt.Errorf("breaker.sampling_duration must be > 0")
	}
	if o.Breaker.BreakDuration <= 0 {
		return fmt.Errorf("breaker.break_duration must be > 0")
	}
	return nil
}

// Resilient is an http.RoundTripper composing total timeout, retry, circuit
// breaker and per-attempt timeout around next, outermost first.
type Resilient struct {
	name    string
	next    http.RoundTripper
	opts    Options
	retry   *ExponentialRetryPolicy
	breaker *gobreaker.CircuitBreaker[*http.Response]
	limiter *Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewResilient wraps next. name labels the breaker, logs and metrics.
func NewResilient(name string, next http.RoundTripper, opts Options, logger *zap.Logger) *Resilient {
	if next == nil {
		next = NewHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport").With(zap.String("client", name))
	t := &Resilient{
		name:    name,
		next:    next,
		opts:    opts,
		retry:   NewExponentialRetryPolicy(opts.MaxRetries, opts.BackoffBase, opts.BackoffMax, opts.RetryStatuses),
		limiter: NewLimiter(opts.RateLimit.RPS, opts.RateLimit.Burst, logger),
		logger:  logger,
		sleep:   sleepContext,
	}
	t.breaker = gobreaker.NewCircuitBreaker[*http.Response](breakerSettings(name, opts.Breaker, logger))
	metrics.SetCircuitState(name, metrics.CircuitClosed)
	return t
}

// State returns the current breaker state.
func (t *Resilient) State() gobreaker.State {
	return t.breaker.State()
}

// RoundTrip implements http.RoundTripper.
func (t *Resilient) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	if t.opts.TotalTimeout > 0 {
		cancel()
		ctx, cancel = context.WithTimeout(req.Context(), t.opts.TotalTimeout)
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.attempt(ctx, req, attempt)
		if err == nil {
			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		if ctx.Err() != nil || !t.retry.ShouldRetry(err, attempt) {
			if resp != nil {
				// Out of retries on a retryable status: hand the response back.
				resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
				return resp, nil
			}
			err = t.finalError(ctx, req, err)
			cancel()
			return nil, err
		}

		if resp != nil {
			drainAndClose(resp.Body)
		}
		delay := t.retry.Backoff(attempt)
		metrics.ObservePortalRetry(t.name)
		t.logger.Warn("retrying portal request",
			zap.String("url", redactedURL(req)),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if sleepErr := t.sleep(ctx, delay); sleepErr != nil {
			err = t.finalError(ctx, req, fmt.Errorf("%w (last attempt: %w)", sleepErr, err))
			cancel()
			return nil, err
		}
	}
}

func (t *Resilient) attempt(parent context.Context, req *http.Request, attempt int) (*http.Response, error) {
	if err := t.limiter.Wait(parent, req.URL); err != nil {
		return nil, err
	}
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		ctx, cancel := context.WithCancel(parent)
		if t.opts.AttemptTimeout > 0 {
			cancel()
			ctx, cancel = context.WithTimeout(parent, t.opts.AttemptTimeout)
		}
		out := req.Clone(ctx)
		if attempt > 0 && req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				cancel()
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			out.Body = body
		}

		resp, err := t.next.RoundTrip(out)
		if err != nil {
			cancel()
			if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				metrics.ObservePortalAttempt(t.name, outcomeTimeout)
				return nil, fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, t.opts.AttemptTimeout, err)
			}
			metrics.ObservePortalAttempt(t.name, outcomeError)
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		if t.retry.RetryableStatus(resp.StatusCode) {
			metrics.ObservePortalAttempt(t.name, outcomeStatus)
			return resp, &StatusError{StatusCode: resp.StatusCode}
		}
		metrics.ObservePortalAttempt(t.name, outcomeSuccess)
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.ObservePortalAttempt(t.name, outcomeCircuitOpen)
		return nil, fmt.Errorf("%s: %w", t.name, ErrCircuitOpen)
	}
	return resp, err
}

// finalError must run before the total-timeout context is canceled, so that
// ctx only reports an error the caller or the deadline caused.
func (t *Resilient) finalError(ctx context.Context, req *http.Request, err error) error {
	if callerErr := req.Context().Err(); callerErr != nil {
		if !errors.Is(err, callerErr) {
			err = fmt.Errorf("%w: %w", callerErr, err)
		}
	} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		err = fmt.Errorf("total timeout %s exceeded: %w", t.opts.TotalTimeout, err)
	}
	t.logger.Warn("portal request failed", zap.String("url", redactedURL(req)), zap.Error(err))
	return err
}

func breakerSettings(name string, opts BreakerOptions, logger *zap.Logger) gobreaker.Settings {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    opts.SamplingDuration,
		Timeout:     opts.BreakDuration,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < opts.MinimumThroughput {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= opts.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			metrics.SetCircuitState(name, circuitGauge(to))
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	}
	if bucket := opts.SamplingDuration / 10; bucket > 0 {
		st.BucketPeriod = bucket
	}
	return st
}

func circuitGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// cancelBody releases the request contexts once the caller closes the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// redactedURL strips the query string so tokens never reach the logs.
func redactedURL(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}
