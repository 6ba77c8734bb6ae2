package stanchion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stanchionhq/stanchion/internal/singleflight"
)

// Client is a resilient HTTP client that layers response caching, request
// coalescing, circuit breaking, bounded retries, rate limiting, connection
// pooling and DNS caching around the standard net/http transport. It is
// safe for concurrent use.
type Client struct {
	httpClient *http.Client
	pool       *ConnectionPool
	poolConfig PoolConfig
	dns        *DNSCache
	dnsEnabled bool
	dnsTTL     time.Duration
	dnsLookup  LookupFunc
	timeout    time.Duration

	maxAttempts       int
	baseDelay         time.Duration
	maxDelay          time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	retryCondition    RetryCondition
	retryPolicy       RetryPolicy
	retryBudget       *RetryBudget

	breakerEnabled bool
	breakerConfig  CircuitBreakerConfig
	circuitBreaker *CircuitBreaker

	rateLimiter *RateLimiter
	middleware  []Middleware
	decorators  []RequestDecorator

	cacheEnabled   bool
	cacheConfig    CacheConfig
	customCache    Cache
	cache          Cache
	responseCache  *ResponseCache
	baseTTL        time.Duration
	ttlAdapter     TTLAdapter
	cacheKeyFunc   KeyFunc
	cacheCondition CacheCondition

	coalescingEnabled bool
	coalesceKeyFunc   KeyFunc
	coalesceCondition CoalesceCondition
	group             *singleflight.Group

	metrics      *MetricsCollector
	debug        *DebugConfig
	logger       Logger
	eventHandler EventHandler

	totalRequests uint64
	failureCount  uint64
	cacheLookups  uint64
	cacheHits     uint64

	buildError      error
	validationError error
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for
// errors.
func New(options ...Option) *Client {
	client := &Client{
		timeout:           30 * time.Second,
		maxAttempts:       3,
		baseDelay:         100 * time.Millisecond,
		maxDelay:          10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   ExponentialJitter,
		breakerEnabled:    true,
		breakerConfig:     CircuitBreakerConfig{},
		cacheEnabled:      true,
		cacheConfig:       CacheConfig{},
		baseTTL:           5 * time.Minute,
		ttlAdapter:        DefaultTTLAdapter,
		cacheKeyFunc:      DefaultCacheKeyFunc,
		cacheCondition:    DefaultCacheCondition,
		coalescingEnabled: true,
		coalesceKeyFunc:   DefaultCoalesceKeyFunc,
		coalesceCondition: DefaultCoalesceCondition,
		poolConfig:        DefaultPoolConfig(),
		dnsEnabled:        true,
		dnsTTL:            DefaultDNSCacheTTL,
		middleware:        []Middleware{},
		debug:             DefaultDebugConfig(),
		group:             singleflight.New(),
	}

	for _, option := range options {
		option(client)
	}

	client.build()

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// build assembles the components that depend on the final option values.
func (c *Client) build() {
	if c.cacheEnabled {
		if c.customCache != nil {
			c.cache = c.customCache
		} else {
			cacheConfig := c.cacheConfig
			evictObserver := cacheConfig.OnEvict
			cacheConfig.OnEvict = func(key string) {
				c.emitEvent(Event{Type: EventCacheEvicted, Key: key})
				if evictObserver != nil {
					evictObserver(key)
				}
			}
			c.responseCache = NewResponseCache(cacheConfig)
			c.cache = c.responseCache
		}
	}

	if c.breakerEnabled {
		config := c.breakerConfig
		name := config.Name
		if name == "" {
			name = "default"
		}
		observer := config.OnStateChange
		config.OnStateChange = func(from, to CircuitState) {
			c.metrics.RecordCircuitBreakerState(name, to)
			c.emitEvent(Event{Type: EventBreakerStateChange, From: from, To: to})
			if observer != nil {
				observer(from, to)
			}
		}
		c.circuitBreaker = NewCircuitBreaker(config)
	}

	if c.httpClient == nil {
		if c.dnsEnabled {
			c.dns = NewDNSCache(c.dnsTTL)
			lookup := c.dnsLookup
			if c.debug != nil && c.debug.Enabled && c.debug.LogDNS && c.logger != nil {
				inner := lookup
				if inner == nil {
					inner = defaultDNSLookup
				}
				lookup = func(ctx context.Context, host string) ([]string, error) {
					addrs, err := inner(ctx, host)
					if err != nil {
						c.logger.Warn("DNS lookup failed", "host", host, "error", err.Error())
						return nil, err
					}
					c.logger.Debug("DNS lookup", "host", host, "addresses", len(addrs))
					return addrs, nil
				}
			}
			if lookup != nil {
				c.dns.SetLookupFunc(lookup)
			}
			c.dns.SetOnHit(func(host string) {
				c.emitEvent(Event{Type: EventDNSCacheHit, Endpoint: host})
			})
		}

		poolConfig := c.poolConfig
		reuseObserver := poolConfig.OnConnReuse
		poolConfig.OnConnReuse = func(host string) {
			c.emitEvent(Event{Type: EventConnReused, Endpoint: host})
			if reuseObserver != nil {
				reuseObserver(host)
			}
		}
		pool, err := NewConnectionPool(poolConfig, c.dns)
		if err != nil {
			c.buildError = err
		} else {
			c.pool = pool
		}

		c.httpClient = &http.Client{Timeout: c.timeout}
		if c.pool != nil {
			c.httpClient.Transport = c.pool
		}
	}

	if c.retryPolicy == nil {
		policy := NewDefaultRetryPolicyWithStrategy(
			c.maxAttempts, c.baseDelay, c.maxDelay, c.backoffMultiplier, c.jitter, c.backoffStrategy)
		if c.retryCondition != nil {
			c.retryPolicy = &conditionRetryPolicy{cond: c.retryCondition, policy: policy}
		} else {
			c.retryPolicy = policy
		}
	}

	if c.metrics != nil {
		c.metrics.ObserveResponseCache(c.responseCache)
		c.metrics.ObserveDNSCache(c.dns)
		c.metrics.ObservePool(c.pool)
		if c.rateLimiter != nil {
			c.metrics.ObserveRateLimiter("default", c.rateLimiter)
		}
		if c.circuitBreaker != nil {
			c.metrics.RecordCircuitBreakerState(c.circuitBreaker.config.Name, c.circuitBreaker.State())
		}
	}
}

// Get performs an HTTP GET through the full pipeline.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodGet, URL: url})
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	req := &Request{
		Method: http.MethodPost,
		URL:    url,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   body,
	}
	return c.Execute(ctx, req)
}

// Execute runs a request descriptor through the pipeline: cache lookup,
// in-flight coalescing, circuit breaker, bounded retries and the
// connection pool. It is the primary entry point.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "request is nil",
			Timestamp: time.Now(),
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   fmt.Sprintf("invalid request URL %q", req.URL),
			Cause:     err,
			Method:    method,
			URL:       req.URL,
			Timestamp: time.Now(),
		}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "invalid request",
			Cause:     err,
			Method:    method,
			URL:       req.URL,
			Timestamp: time.Now(),
		}
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	return c.do(httpReq, req)
}

// Do executes a prepared *http.Request through the pipeline. The request
// body, if any, is buffered so attempts can be replayed.
func (c *Client) Do(req *http.Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "request is nil",
			Timestamp: time.Now(),
		}
	}

	if req.Body != nil && req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, &ClientError{
				Type:      ErrorTypeClient,
				Message:   "failed to buffer request body",
				Cause:     err,
				Method:    req.Method,
				URL:       req.URL.String(),
				Timestamp: time.Now(),
			}
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	return c.do(req, nil)
}

// do is the pipeline front: cache lookup, then join-or-start a coalesced
// execution.
func (c *Client) do(req *http.Request, desc *Request) (*Response, error) {
	start := time.Now()
	endpoint := getEndpointFromRequest(req)
	atomic.AddUint64(&c.totalRequests, 1)

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("Starting request", "requestID", requestID, "method", req.Method, "url", req.URL.String(), "endpoint", endpoint)
	}

	c.metrics.RecordRequestStart(req.Method, endpoint)
	defer c.metrics.RecordRequestEnd(req.Method, endpoint)

	var cacheKey string
	cacheEnabled := c.cacheAllowed(req, desc)
	if cacheEnabled {
		cacheKey = c.cacheKeyFunc(req)
		atomic.AddUint64(&c.cacheLookups, 1)

		if entry, found := c.cache.Get(cacheKey); found {
			atomic.AddUint64(&c.cacheHits, 1)

			if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
				c.logger.Debug("Cache hit", "requestID", requestID, "cacheKey", cacheKey)
			}
			c.metrics.RecordCacheHit(req.Method, endpoint)
			c.emitEvent(Event{Type: EventCacheHit, Key: cacheKey, Endpoint: endpoint})

			resp := responseFromEntry(entry)
			resp.Latency = time.Since(start)
			c.metrics.RecordRequest(req.Method, endpoint, resp.StatusCode, resp.Latency)
			return resp, nil
		}

		if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
			c.logger.Debug("Cache miss", "requestID", requestID, "cacheKey", cacheKey)
		}
		c.metrics.RecordCacheMiss(req.Method, endpoint)
		c.emitEvent(Event{Type: EventCacheMiss, Key: cacheKey, Endpoint: endpoint})
	}

	if c.coalesceAllowed(req) {
		coalesceKey := c.coalesceKeyFunc(req)
		val, shared, err := c.group.Do(req.Context(), coalesceKey, func(execCtx context.Context) (interface{}, error) {
			return c.fetchWithRetry(execCtx, req, desc, cacheEnabled, cacheKey, requestID, start)
		})
		if shared {
			if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
				c.logger.Debug("Coalesced with in-flight request", "requestID", requestID, "coalesceKey", coalesceKey)
			}
			c.metrics.RecordCoalescedRequest(req.Method, endpoint)
			c.emitEvent(Event{Type: EventCoalesced, Key: coalesceKey, Endpoint: endpoint})
		}
		if err != nil {
			c.metrics.RecordRequest(req.Method, endpoint, 0, time.Since(start))
			return nil, err
		}
		resp := val.(*Response)
		c.metrics.RecordRequest(req.Method, endpoint, resp.StatusCode, time.Since(start))
		return resp, nil
	}

	resp, err := c.fetchWithRetry(req.Context(), req, desc, cacheEnabled, cacheKey, requestID, start)
	if err != nil {
		c.metrics.RecordRequest(req.Method, endpoint, 0, time.Since(start))
		return nil, err
	}
	c.metrics.RecordRequest(req.Method, endpoint, resp.StatusCode, time.Since(start))
	return resp, nil
}

// fetchWithRetry is the attempt loop: rate limit, circuit breaker,
// decorated transmission, failure classification and backoff. On success
// the result is stored in the cache before the coalescing group resolves,
// so late arrivals hit the cache instead of starting a fresh fetch.
func (c *Client) fetchWithRetry(ctx context.Context, req *http.Request, desc *Request, cacheEnabled bool, cacheKey, requestID string, start time.Time) (*Response, error) {
	endpoint := getEndpointFromRequest(req)

	var lastResult *Response
	var lastErr error

	attempt := 0
	for {
		attempt++

		if err := ctx.Err(); err != nil {
			return nil, c.createClientError(classifyError(err), "request context done", err, requestID, req, attempt, time.Since(start))
		}

		if c.rateLimiter != nil && !c.rateLimiter.Allow() {
			if c.debug != nil && c.debug.Enabled && c.debug.LogRateLimit && c.logger != nil {
				c.logger.Warn("Rate limit exceeded", "requestID", requestID, "endpoint", endpoint)
			}
			c.metrics.RecordError(ErrorTypeRateLimit, req.Method, endpoint)
			c.emitEvent(Event{Type: EventRateLimited, Endpoint: endpoint, Attempt: attempt})
			return nil, c.createClientError(ErrorTypeRateLimit, "rate limit exceeded", nil, requestID, req, attempt, time.Since(start))
		}

		if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
			if c.debug != nil && c.debug.Enabled && c.debug.LogCircuit && c.logger != nil {
				c.logger.Warn("Circuit breaker open", "requestID", requestID, "endpoint", endpoint, "state", c.circuitBreaker.State().String())
			}
			c.metrics.RecordError(ErrorTypeCircuitOpen, req.Method, endpoint)
			c.emitEvent(Event{Type: EventBreakerRejected, Endpoint: endpoint, Attempt: attempt})
			return nil, c.createClientError(ErrorTypeCircuitOpen, "circuit breaker is open", nil, requestID, req, attempt, time.Since(start))
		}

		if attempt > 1 {
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Info("Retry attempt", "requestID", requestID, "attempt", attempt, "maxAttempts", c.maxAttempts, "endpoint", endpoint)
			}
			c.metrics.RecordRetry(req.Method, endpoint, attempt-1)
		}

		attemptReq, err := c.prepareAttempt(ctx, req)
		if err != nil {
			return nil, c.createClientError(ErrorTypeClient, "request decoration failed", err, requestID, req, attempt, time.Since(start))
		}

		httpResp, err := c.executeMiddleware(attemptReq)
		var result *Response
		if err == nil {
			result, err = materializeResponse(httpResp)
		}

		if errors.Is(err, ErrPoolExhausted) && c.debug != nil && c.debug.Enabled && c.debug.LogPool && c.logger != nil {
			c.logger.Warn("Connection pool exhausted", "requestID", requestID, "endpoint", endpoint)
		}

		failure := err != nil || (httpResp != nil && httpResp.StatusCode >= 500)
		// An attempt killed by the caller's own context says nothing about
		// upstream health and is kept out of the breaker counts. The
		// client-level timeout runs inside http.Client and leaves ctx
		// untouched, so slow upstreams still count.
		callerDone := err != nil && ctx.Err() != nil &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
		if c.circuitBreaker != nil {
			if failure && !callerDone {
				c.circuitBreaker.RecordFailure()
				if c.debug != nil && c.debug.Enabled && c.debug.LogCircuit && c.logger != nil {
					if err != nil {
						c.logger.Warn("Circuit breaker failure recorded", "requestID", requestID, "error", err.Error())
					} else {
						c.logger.Warn("Circuit breaker failure recorded", "requestID", requestID, "statusCode", httpResp.StatusCode)
					}
				}
			} else if !failure {
				c.circuitBreaker.RecordSuccess()
			}
		}
		if failure {
			atomic.AddUint64(&c.failureCount, 1)
			if err != nil {
				c.metrics.RecordError(classifyError(err), req.Method, endpoint)
			} else {
				c.metrics.RecordError(ErrorTypeServer, req.Method, endpoint)
			}
		}

		lastResult, lastErr = result, err

		delay, retry := c.retryPolicy.ShouldRetry(httpResp, err, attempt)
		if retry && c.retryBudget != nil && !c.retryBudget.Allow() {
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Warn("Retry budget exceeded", "requestID", requestID, "endpoint", endpoint)
			}
			c.metrics.RecordRetryBudgetExceeded(endpoint)
			c.emitEvent(Event{Type: EventRetryBudgetDenied, Endpoint: endpoint, Attempt: attempt})
			retry = false
		}
		if !retry {
			break
		}

		if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
			c.logger.Info("Scheduling retry", "requestID", requestID, "attempt", attempt+1, "backoff", delay, "endpoint", endpoint)
		}
		c.emitEvent(Event{Type: EventRetryScheduled, Endpoint: endpoint, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, c.createClientError(classifyError(ctx.Err()), "request context done during backoff", ctx.Err(), requestID, req, attempt, time.Since(start))
		}
	}

	if lastErr != nil {
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return nil, c.createClientError(ErrorTypeTimeout, "request deadline exceeded", lastErr, requestID, req, attempt, time.Since(start))
		}
		return nil, c.createClientError(ErrorTypeExhausted,
			fmt.Sprintf("request failed after %d attempt(s)", attempt), lastErr, requestID, req, attempt, time.Since(start))
	}

	c.maybeStore(req, desc, cacheEnabled, cacheKey, lastResult, requestID)
	lastResult.Latency = time.Since(start)
	return lastResult, nil
}

// prepareAttempt clones the request for a fresh attempt, rewinding the body
// and running the request decorators.
func (c *Client) prepareAttempt(ctx context.Context, req *http.Request) (*http.Request, error) {
	attemptReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		attemptReq.Body = body
	}

	for _, decorate := range c.decorators {
		if err := decorate(ctx, attemptReq); err != nil {
			return nil, err
		}
	}
	return attemptReq, nil
}

// executeMiddleware runs the middleware chain with the HTTP client as the
// terminal round tripper.
func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// materializeResponse drains and closes the network response so the
// connection slot is released and the payload can be shared between
// coalesced waiters and the cache.
func materializeResponse(resp *http.Response) (*Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// responseFromEntry builds a caller-visible response from a cache entry.
// The body and header are copies; a caller may mutate them without
// touching the stored entry.
func responseFromEntry(entry *CacheEntry) *Response {
	return &Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       append([]byte(nil), entry.Body...),
		FromCache:  true,
	}
}

// maybeStore writes a successful result to the cache with its adapted TTL.
func (c *Client) maybeStore(req *http.Request, desc *Request, cacheEnabled bool, cacheKey string, result *Response, requestID string) {
	if !cacheEnabled || cacheKey == "" || result == nil {
		return
	}
	if result.StatusCode >= 400 {
		return
	}

	ttl := c.ttlFor(req, desc, result)
	if ttl <= 0 {
		return
	}

	// The entry gets its own body and header so the caller keeps a free
	// hand with the response it was returned.
	now := time.Now()
	entry := &CacheEntry{
		Body:       append([]byte(nil), result.Body...),
		StatusCode: result.StatusCode,
		Header:     result.Header.Clone(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	c.cache.Set(cacheKey, entry, ttl)
	c.emitEvent(Event{Type: EventCacheStore, Key: cacheKey})

	if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
		c.logger.Debug("Response cached", "requestID", requestID, "cacheKey", cacheKey, "ttl", ttl)
	}
}

// ttlFor resolves the entry TTL: base TTL, per-request overrides, then the
// response-dependent adaptation.
func (c *Client) ttlFor(req *http.Request, desc *Request, result *Response) time.Duration {
	ttl := c.baseTTL
	if control, ok := cacheControlFrom(req.Context()); ok && control.TTL > 0 {
		ttl = control.TTL
	}
	if desc != nil && desc.CacheTTL > 0 {
		ttl = desc.CacheTTL
	}
	if c.ttlAdapter != nil {
		ttl = c.ttlAdapter(result.StatusCode, result.Header, ttl)
	}
	return ttl
}

// cacheAllowed decides whether this request participates in the cache,
// honoring per-request overrides over the configured condition.
func (c *Client) cacheAllowed(req *http.Request, desc *Request) bool {
	if c.cache == nil || c.cacheKeyFunc == nil {
		return false
	}
	if control, ok := cacheControlFrom(req.Context()); ok && !control.Enabled {
		return false
	}
	if desc != nil && desc.Cacheable != nil {
		return *desc.Cacheable
	}
	if c.cacheCondition == nil {
		return false
	}
	return c.cacheCondition(req)
}

// coalesceAllowed decides whether this request joins the in-flight group
// registry.
func (c *Client) coalesceAllowed(req *http.Request) bool {
	if !c.coalescingEnabled || c.group == nil || c.coalesceKeyFunc == nil {
		return false
	}
	if c.coalesceCondition == nil {
		return false
	}
	return c.coalesceCondition(req)
}

// WithCacheControl returns a context carrying per-request cache behavior.
func WithCacheControl(ctx context.Context, control CacheControl) context.Context {
	return context.WithValue(ctx, CacheControlKey, control)
}

// WithContextCacheEnabled clears a cache bypass set higher up the context
// chain. It does not make an otherwise uncacheable request cacheable; use
// Request.Cacheable for that.
func WithContextCacheEnabled(ctx context.Context) context.Context {
	return WithCacheControl(ctx, CacheControl{Enabled: true})
}

// WithContextCacheDisabled bypasses the cache for requests carrying ctx.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return WithCacheControl(ctx, CacheControl{Enabled: false})
}

// WithContextCacheTTL overrides the cache TTL for requests carrying ctx.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return WithCacheControl(ctx, CacheControl{Enabled: true, TTL: ttl})
}

func cacheControlFrom(ctx context.Context) (CacheControl, bool) {
	control, ok := ctx.Value(CacheControlKey).(CacheControl)
	return control, ok
}

func (c *Client) createClientError(errorType, message string, cause error, requestID string, req *http.Request, attempt int, duration time.Duration) *ClientError {
	endpoint := getEndpointFromRequest(req)

	return &ClientError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		RequestID:   requestID,
		Method:      req.Method,
		URL:         req.URL.String(),
		Attempt:     attempt,
		MaxAttempts: c.maxAttempts,
		Timestamp:   time.Now(),
		Duration:    duration,
		StatusCode:  0,
		Endpoint:    endpoint,
	}
}

// Invalidate removes cache entries matching keyOrPattern and returns the
// number removed. Patterns use path.Match syntax; an exact key match is
// tried first. Custom caches without pattern support get a plain delete
// and a zero count.
func (c *Client) Invalidate(keyOrPattern string) int {
	if c.cache == nil {
		return 0
	}
	if invalidator, ok := c.cache.(PatternInvalidator); ok {
		return invalidator.InvalidatePattern(keyOrPattern)
	}
	c.cache.Delete(keyOrPattern)
	return 0
}

// GetMetrics returns a read-only snapshot of client health: cache hit
// rate, connection reuse rate, breaker state and request counters.
func (c *Client) GetMetrics() Metrics {
	m := Metrics{
		TotalRequests: atomic.LoadUint64(&c.totalRequests),
		FailureCount:  atomic.LoadUint64(&c.failureCount),
		BreakerState:  StateClosed,
	}

	if lookups := atomic.LoadUint64(&c.cacheLookups); lookups > 0 {
		m.HitRate = float64(atomic.LoadUint64(&c.cacheHits)) / float64(lookups)
	}
	if c.circuitBreaker != nil {
		m.BreakerState = c.circuitBreaker.State()
	}
	if c.pool != nil {
		m.ReuseRate = c.pool.Stats().ReuseRate
	}
	return m
}

// Close releases the client's background resources: the cache janitor and
// idle pooled connections. The client must not be used after Close.
func (c *Client) Close() {
	if c.responseCache != nil {
		c.responseCache.Close()
	}
	if c.pool != nil {
		c.pool.CloseIdleConnections()
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	host := req.URL.Host
	path := req.URL.Path

	var builder strings.Builder
	builder.WriteString(host)

	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
