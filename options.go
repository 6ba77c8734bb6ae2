package stanchion

import (
	"fmt"
	"net/http"
	"time"
)

// WithMaxAttempts sets the total number of attempts per request, the first
// try included.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithInitialBackoff sets the delay before the first retry.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithMaxBackoff caps the retry delay.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithBackoffMultiplier sets the growth factor between retry delays.
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.backoffMultiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0).
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithBackoffStrategy selects the delay algorithm for the default retry
// policy.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.backoffStrategy = strategy
	}
}

// WithRetryPolicy replaces the default retry policy entirely.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithRetryCondition keeps the default backoff but replaces the decision of
// whether an outcome is retryable.
func WithRetryCondition(fn RetryCondition) Option {
	return func(c *Client) {
		c.retryCondition = fn
	}
}

// WithRetryBudget caps total retries across all requests to maxRetries per
// window.
func WithRetryBudget(maxRetries int, perWindow time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithRateLimiter installs a token bucket in front of every attempt.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.rateLimiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithCache replaces the default response cache configuration.
func WithCache(config CacheConfig) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheConfig = config
		c.customCache = nil
	}
}

// WithCustomCache sets a custom cache implementation.
func WithCustomCache(cache Cache) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.customCache = cache
	}
}

// WithoutCache disables response caching.
func WithoutCache() Option {
	return func(c *Client) {
		c.cacheEnabled = false
	}
}

// WithCacheTTL sets the base TTL entries receive before adaptation.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.baseTTL = ttl
	}
}

// WithTTLAdapter sets the per-response TTL adaptation function.
func WithTTLAdapter(fn TTLAdapter) Option {
	return func(c *Client) {
		c.ttlAdapter = fn
	}
}

// WithCacheKeyFunc sets a custom cache key function.
func WithCacheKeyFunc(fn KeyFunc) Option {
	return func(c *Client) {
		c.cacheKeyFunc = fn
	}
}

// WithCacheCondition sets a custom cache condition function.
func WithCacheCondition(fn CacheCondition) Option {
	return func(c *Client) {
		c.cacheCondition = fn
	}
}

// WithoutCoalescing disables in-flight request coalescing.
func WithoutCoalescing() Option {
	return func(c *Client) {
		c.coalescingEnabled = false
	}
}

// WithCoalesceKeyFunc sets a custom coalescing key function.
func WithCoalesceKeyFunc(fn KeyFunc) Option {
	return func(c *Client) {
		c.coalesceKeyFunc = fn
	}
}

// WithCoalesceCondition sets a custom coalescing condition function.
func WithCoalesceCondition(fn CoalesceCondition) Option {
	return func(c *Client) {
		c.coalesceCondition = fn
	}
}

// WithConnectionPool replaces the default connection pool configuration.
func WithConnectionPool(config PoolConfig) Option {
	return func(c *Client) {
		c.poolConfig = config
	}
}

// WithMaxConnectionsPerHost bounds concurrent requests per host.
func WithMaxConnectionsPerHost(n int) Option {
	return func(c *Client) {
		c.poolConfig.MaxConnsPerHost = n
	}
}

// WithKeepAlive toggles connection reuse.
func WithKeepAlive(enabled bool) Option {
	return func(c *Client) {
		c.poolConfig.KeepAlive = enabled
	}
}

// WithProtocolUpgrade toggles HTTP/2 negotiation.
func WithProtocolUpgrade(enabled bool) Option {
	return func(c *Client) {
		c.poolConfig.ProtocolUpgrade = enabled
	}
}

// WithDNSCache sets the TTL for cached hostname resolutions.
func WithDNSCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.dnsEnabled = true
		c.dnsTTL = ttl
	}
}

// WithoutDNSCache disables DNS caching; every dial uses the resolver.
func WithoutDNSCache() Option {
	return func(c *Client) {
		c.dnsEnabled = false
	}
}

// WithDNSLookupFunc replaces the resolver used on DNS cache misses.
func WithDNSLookupFunc(fn LookupFunc) Option {
	return func(c *Client) {
		c.dnsLookup = fn
	}
}

// WithCircuitBreaker sets the circuit breaker configuration.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerEnabled = true
		c.breakerConfig = config
	}
}

// WithoutCircuitBreaker disables the circuit breaker.
func WithoutCircuitBreaker() Option {
	return func(c *Client) {
		c.breakerEnabled = false
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithRequestDecorator adds a hook run on every attempt before
// transmission, in registration order. Used for request signing.
func WithRequestDecorator(decorators ...RequestDecorator) Option {
	return func(c *Client) {
		c.decorators = append(c.decorators, decorators...)
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client. The client's transport is used
// as-is, so the connection pool and DNS cache are not installed.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		if c.timeout != 0 {
			c.httpClient.Timeout = c.timeout
		}
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a console logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithEventHandler installs an observer for pipeline events.
func WithEventHandler(handler EventHandler) Option {
	return func(c *Client) {
		c.eventHandler = handler
	}
}

// ValidateConfiguration validates the client configuration and returns an
// error if invalid.
func (c *Client) ValidateConfiguration() error {
	var errors []string

	if c.buildError != nil {
		errors = append(errors, fmt.Sprintf("connection pool: %v", c.buildError))
	}

	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateRateLimiterConfig()...)
	errors = append(errors, c.validateCacheConfig()...)
	errors = append(errors, c.validateCircuitBreakerConfig()...)
	errors = append(errors, c.validatePoolConfig()...)
	errors = append(errors, c.validateCoalescingConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateHTTPClientConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

// validateRetryConfig validates retry-related configuration.
func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.maxAttempts < 1 {
		errors = append(errors, "maxAttempts must be at least 1")
	}

	if c.baseDelay <= 0 {
		errors = append(errors, "initialBackoff must be positive")
	}

	if c.maxDelay < c.baseDelay {
		errors = append(errors, "maxBackoff must be greater than or equal to initialBackoff")
	}

	if c.backoffMultiplier <= 0 {
		errors = append(errors, "backoffMultiplier must be positive")
	}

	if c.jitter < 0 || c.jitter > 1 {
		errors = append(errors, "jitter must be between 0 and 1 (will be clamped automatically)")
	}

	if c.timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}

	return errors
}

// validateRateLimiterConfig validates rate limiter configuration.
func (c *Client) validateRateLimiterConfig() []string {
	var errors []string

	if c.rateLimiter != nil {
		if c.rateLimiter.maxTokens <= 0 {
			errors = append(errors, "rateLimiter maxTokens must be positive")
		}
		if c.rateLimiter.refillRate <= 0 {
			errors = append(errors, "rateLimiter refillRate must be positive")
		}
	}

	return errors
}

// validateCacheConfig validates cache configuration.
func (c *Client) validateCacheConfig() []string {
	var errors []string

	if c.cacheEnabled {
		if c.baseTTL <= 0 {
			errors = append(errors, "cacheTTL must be positive when cache is enabled")
		}
		if c.customCache == nil {
			if c.cacheConfig.CapacityBytes < 0 {
				errors = append(errors, "cacheCapacityBytes must be non-negative")
			}
			switch c.cacheConfig.Policy {
			case LRU, LFU, FIFO:
			default:
				errors = append(errors, "evictionPolicy must be LRU, LFU or FIFO")
			}
		}
		if c.cacheKeyFunc == nil {
			errors = append(errors, "cache key function must be set when cache is enabled")
		}
		if c.cacheCondition == nil {
			errors = append(errors, "cache condition must be set when cache is enabled")
		}
	}

	return errors
}

// validateCircuitBreakerConfig validates circuit breaker configuration.
func (c *Client) validateCircuitBreakerConfig() []string {
	var errors []string

	if c.circuitBreaker != nil {
		if c.circuitBreaker.config.FailureThreshold <= 0 {
			errors = append(errors, "circuitBreaker FailureThreshold must be positive")
		}
		if c.circuitBreaker.config.RecoveryTimeout <= 0 {
			errors = append(errors, "circuitBreaker RecoveryTimeout must be positive")
		}
		if c.circuitBreaker.config.SuccessThreshold <= 0 {
			errors = append(errors, "circuitBreaker SuccessThreshold must be positive")
		}
	}

	return errors
}

// validatePoolConfig validates connection pool configuration.
func (c *Client) validatePoolConfig() []string {
	var errors []string

	if c.poolConfig.MaxConnsPerHost < 0 {
		errors = append(errors, "maxConnectionsPerHost must be non-negative")
	}
	if c.poolConfig.GlobalMaxConns < 0 {
		errors = append(errors, "globalMaxConns must be non-negative")
	}

	return errors
}

// validateCoalescingConfig validates coalescing configuration.
func (c *Client) validateCoalescingConfig() []string {
	var errors []string

	if c.coalescingEnabled {
		if c.coalesceKeyFunc == nil {
			errors = append(errors, "coalesce key function must be set when coalescing is enabled")
		}
		if c.coalesceCondition == nil {
			errors = append(errors, "coalesce condition must be set when coalescing is enabled")
		}
	}

	return errors
}

// validateDebugConfig validates debug configuration.
func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

// validateMiddlewareConfig validates middleware configuration.
func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}
	for i, decorator := range c.decorators {
		if decorator == nil {
			errors = append(errors, fmt.Sprintf("decorator[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateHTTPClientConfig validates HTTP client configuration.
func (c *Client) validateHTTPClientConfig() []string {
	var errors []string

	if c.httpClient == nil {
		errors = append(errors, "HTTP client cannot be nil")
	}

	return errors
}

// validateExtremeValues validates that configuration values are within
// reasonable bounds.
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.maxAttempts > 100 {
		errors = append(errors, "maxAttempts > 100 may cause excessive resource usage")
	}

	if c.baseDelay > 10*time.Minute {
		errors = append(errors, "initialBackoff > 10m may cause very long delays")
	}
	if c.maxDelay > 1*time.Hour {
		errors = append(errors, "maxBackoff > 1h may cause extremely long delays")
	}

	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}

	if c.rateLimiter != nil {
		if c.rateLimiter.maxTokens > 1000000 {
			errors = append(errors, "rateLimiter maxTokens > 1M may cause memory issues")
		}
		if c.rateLimiter.refillRate < time.Millisecond {
			errors = append(errors, "rateLimiter refillRate < 1ms may cause excessive CPU usage")
		}
	}

	if c.cacheEnabled && c.baseTTL > 24*time.Hour {
		errors = append(errors, "cacheTTL > 24h may cause stale data issues")
	}

	return errors
}
