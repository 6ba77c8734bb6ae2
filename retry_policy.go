package stanchion

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	internalbackoff "github.com/stanchionhq/stanchion/internal/backoff"
)

// RetryPolicy decides whether the attempt that just finished should be
// followed by another, and after what delay. attempt is 1-based and counts
// every try including the first.
type RetryPolicy interface {
	ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool)
}

// BackoffStrategy selects the delay algorithm used by DefaultRetryPolicy.
type BackoffStrategy int

const (
	// ExponentialJitter grows the delay by the configured multiplier and
	// adds uniform jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter draws the delay from [base, base*3^attempt],
	// AWS-style.
	DecorrelatedJitter
)

// DefaultRetryPolicy retries transient failures (network errors, timeouts,
// 429 and 5xx responses) on idempotent methods, honoring Retry-After and
// backing off per the configured strategy.
type DefaultRetryPolicy struct {
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	strategy     internalbackoff.Strategy
	isIdempotent func(method string) bool
}

// NewDefaultRetryPolicy creates a retry policy with exponential jitter
// backoff. maxAttempts counts every try including the first.
func NewDefaultRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return &DefaultRetryPolicy{
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		jitter:       jitter,
		strategy:     internalbackoff.ExponentialJitter{},
		isIdempotent: DefaultIsIdempotent,
	}
}

// NewDefaultRetryPolicyWithStrategy creates a retry policy with a specific
// backoff strategy.
func NewDefaultRetryPolicyWithStrategy(maxAttempts int, baseDelay, maxDelay time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *DefaultRetryPolicy {
	p := NewDefaultRetryPolicy(maxAttempts, baseDelay, maxDelay, multiplier, jitter)
	switch strategy {
	case DecorrelatedJitter:
		p.strategy = internalbackoff.DecorrelatedJitter{}
	default:
		p.strategy = internalbackoff.ExponentialJitter{}
	}
	return p
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.maxAttempts {
		return 0, false
	}

	if resp != nil && resp.Request != nil && !p.isIdempotent(resp.Request.Method) {
		return 0, false
	}

	shouldRetry := false
	var delay time.Duration

	if err != nil {
		// Circuit-open rejections are the breaker's verdict and are never
		// retried here; a cancelled caller is gone.
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
			return 0, false
		}
		shouldRetry = true
	} else if resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			shouldRetry = true
			delay = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
	}

	if !shouldRetry {
		return 0, false
	}

	if delay == 0 {
		delay = p.strategy.Calculate(attempt-1, p.baseDelay, p.maxDelay, p.multiplier, p.jitter)
	}
	return delay, true
}

// conditionRetryPolicy adapts a RetryCondition to the RetryPolicy
// interface, keeping the default policy's attempt bound and backoff.
type conditionRetryPolicy struct {
	cond   RetryCondition
	policy *DefaultRetryPolicy
}

func (p *conditionRetryPolicy) ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.policy.maxAttempts {
		return 0, false
	}
	if !p.cond(resp, err) {
		return 0, false
	}
	delay := p.policy.strategy.Calculate(attempt-1, p.policy.baseDelay, p.policy.maxDelay, p.policy.multiplier, p.policy.jitter)
	return delay, true
}

// DefaultRetryCondition retries on any transport error and on 5xx
// responses.
func DefaultRetryCondition(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses a Retry-After header value, supporting both
// delay-seconds and HTTP-date formats. Values are capped at one hour; zero
// means no usable value.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget caps the total number of retries allowed within a rolling
// window, protecting the downstream from retry storms when many requests
// fail at once.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a retry budget of maxRetries per window.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow reports whether another retry fits the current window's budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns the spent budget, the cap and the current window start.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
