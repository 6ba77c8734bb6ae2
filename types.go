package stanchion

import (
	"context"
	"net/http"
	"time"
)

// Request is the descriptor accepted by Execute. It is deliberately plain:
// the domain-operation layer above builds these, and the pipeline reduces
// them to a deterministic fingerprint.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Cacheable overrides the client's cache condition for this request
	// when non-nil.
	Cacheable *bool

	// CacheTTL overrides the adapted TTL for this request when positive.
	CacheTTL time.Duration
}

// Response is the materialized result delivered to callers. Body is fully
// buffered; coalesced waiters share the same Response value and must treat
// it as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
	Latency    time.Duration
}

// Metrics is the read-only snapshot returned by GetMetrics.
type Metrics struct {
	HitRate       float64
	ReuseRate     float64
	BreakerState  CircuitState
	TotalRequests uint64
	FailureCount  uint64
}

// RetryCondition determines whether a request should be retried.
type RetryCondition func(resp *http.Response, err error) bool

// RequestDecorator mutates an outgoing request before transmission. It runs
// once per network attempt, so per-attempt signatures stay fresh across
// retries. The authentication layer above supplies one; this core only
// invokes it.
type RequestDecorator func(ctx context.Context, req *http.Request) error

// Middleware wraps the transport for cross-cutting concerns.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper is the HTTP transport interface middleware composes over.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// CacheCondition decides whether a request's response is cacheable.
type CacheCondition func(req *http.Request) bool

// CoalesceCondition decides whether concurrent identical requests should be
// merged onto one in-flight execution.
type CoalesceCondition func(req *http.Request) bool

// KeyFunc reduces a request to its canonical fingerprint.
type KeyFunc func(*http.Request) string

// Option configures a Client at construction.
type Option func(*Client)

// Context keys for per-request cache control.
type contextKey string

const (
	// CacheControlKey carries a CacheControl override in a request context.
	CacheControlKey contextKey = "stanchion_cache_control"
)

// CacheControl holds per-request cache overrides.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// Cache is the response-cache surface the client consumes. ResponseCache is
// the built-in budgeted implementation; custom implementations may be
// supplied with WithCustomCache.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
}

// CacheEntry is a stored response as handed to and from a Cache.
type CacheEntry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	CreatedAt  time.Time
	ExpiresAt  time.Time
}
