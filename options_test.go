package stanchion

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRetryOptions(t *testing.T) {
	client := New(
		WithMaxAttempts(7),
		WithInitialBackoff(250*time.Millisecond),
		WithMaxBackoff(20*time.Second),
		WithBackoffMultiplier(3.0),
	)
	defer client.Close()

	if client.maxAttempts != 7 {
		t.Errorf("Expected maxAttempts=7, got %d", client.maxAttempts)
	}
	if client.baseDelay != 250*time.Millisecond {
		t.Errorf("Expected baseDelay=250ms, got %v", client.baseDelay)
	}
	if client.maxDelay != 20*time.Second {
		t.Errorf("Expected maxDelay=20s, got %v", client.maxDelay)
	}
	if client.backoffMultiplier != 3.0 {
		t.Errorf("Expected multiplier=3.0, got %f", client.backoffMultiplier)
	}
}

func TestWithJitterClamping(t *testing.T) {
	tests := []struct {
		name  string
		input float64
		want  float64
	}{
		{"negative clamped", -0.5, 0},
		{"above one clamped", 1.5, 1},
		{"in range", 0.3, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(WithJitter(tt.input))
			defer client.Close()
			if client.jitter != tt.want {
				t.Errorf("Expected jitter=%f, got %f", tt.want, client.jitter)
			}
		})
	}
}

func TestCacheOptions(t *testing.T) {
	client := New(WithCache(CacheConfig{
		CapacityBytes:        1 << 20,
		Policy:               LFU,
		CompressionThreshold: 512,
	}))
	defer client.Close()

	if !client.cacheEnabled {
		t.Error("Expected cache enabled")
	}
	if client.cacheConfig.Policy != LFU {
		t.Errorf("Expected LFU policy, got %v", client.cacheConfig.Policy)
	}
	if client.cacheConfig.CapacityBytes != 1<<20 {
		t.Errorf("Expected capacity=1MiB, got %d", client.cacheConfig.CapacityBytes)
	}

	disabled := New(WithoutCache())
	defer disabled.Close()
	if disabled.cache != nil {
		t.Error("Expected no cache after WithoutCache")
	}

	custom := newMapCache()
	customClient := New(WithCustomCache(custom))
	defer customClient.Close()
	if customClient.cache != Cache(custom) {
		t.Error("Expected custom cache installed")
	}

	// WithCache after WithCustomCache reverts to the built-in cache.
	reverted := New(WithCustomCache(custom), WithCache(CacheConfig{}))
	defer reverted.Close()
	if reverted.customCache != nil {
		t.Error("Expected WithCache to clear the custom cache")
	}
	if reverted.responseCache == nil {
		t.Error("Expected built-in cache to be constructed")
	}
}

func TestCacheTTLAndAdapterOptions(t *testing.T) {
	adapter := func(statusCode int, header http.Header, baseTTL time.Duration) time.Duration {
		return time.Second
	}
	client := New(WithCacheTTL(time.Minute), WithTTLAdapter(adapter))
	defer client.Close()

	if client.baseTTL != time.Minute {
		t.Errorf("Expected baseTTL=1m, got %v", client.baseTTL)
	}
	if client.ttlAdapter == nil {
		t.Error("Expected TTL adapter set")
	}
	if got := client.ttlAdapter(200, nil, time.Hour); got != time.Second {
		t.Errorf("Expected adapter result=1s, got %v", got)
	}
}

func TestCoalescingOptions(t *testing.T) {
	client := New(WithoutCoalescing())
	defer client.Close()
	if client.coalescingEnabled {
		t.Error("Expected coalescing disabled")
	}

	keyed := New(
		WithCoalesceKeyFunc(func(r *http.Request) string { return "fixed" }),
		WithCoalesceCondition(func(r *http.Request) bool { return true }),
	)
	defer keyed.Close()
	if keyed.coalesceKeyFunc(nil) != "fixed" {
		t.Error("Expected custom coalesce key function")
	}
	if !keyed.coalesceCondition(nil) {
		t.Error("Expected custom coalesce condition")
	}
}

func TestPoolOptions(t *testing.T) {
	client := New(WithConnectionPool(PoolConfig{
		MaxConnsPerHost: 7,
		GlobalMaxConns:  50,
		KeepAlive:       true,
	}))
	defer client.Close()
	if client.poolConfig.MaxConnsPerHost != 7 {
		t.Errorf("Expected maxConnsPerHost=7, got %d", client.poolConfig.MaxConnsPerHost)
	}
	if client.poolConfig.GlobalMaxConns != 50 {
		t.Errorf("Expected globalMaxConns=50, got %d", client.poolConfig.GlobalMaxConns)
	}

	tuned := New(
		WithMaxConnectionsPerHost(9),
		WithKeepAlive(false),
		WithProtocolUpgrade(false),
	)
	defer tuned.Close()
	if tuned.poolConfig.MaxConnsPerHost != 9 {
		t.Errorf("Expected maxConnsPerHost=9, got %d", tuned.poolConfig.MaxConnsPerHost)
	}
	if tuned.poolConfig.KeepAlive {
		t.Error("Expected keep-alive disabled")
	}
	if tuned.poolConfig.ProtocolUpgrade {
		t.Error("Expected protocol upgrade disabled")
	}
}

func TestDNSOptions(t *testing.T) {
	client := New(WithDNSCache(10 * time.Second))
	defer client.Close()
	if client.dns == nil {
		t.Fatal("Expected DNS cache enabled")
	}
	if client.dnsTTL != 10*time.Second {
		t.Errorf("Expected dnsTTL=10s, got %v", client.dnsTTL)
	}

	lookupClient := New(WithDNSLookupFunc(func(ctx context.Context, host string) ([]string, error) {
		return []string{"10.0.0.1"}, nil
	}))
	defer lookupClient.Close()
	if lookupClient.dnsLookup == nil {
		t.Error("Expected custom lookup function set")
	}

	addrs, err := lookupClient.dns.Resolve(context.Background(), "service.internal")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "10.0.0.1" {
		t.Errorf("Expected custom lookup result, got %v", addrs)
	}
}

func TestCircuitBreakerOptions(t *testing.T) {
	client := New(WithCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 9,
		RecoveryTimeout:  45 * time.Second,
		SuccessThreshold: 3,
	}))
	defer client.Close()

	if client.circuitBreaker == nil {
		t.Fatal("Expected circuit breaker built")
	}
	if client.circuitBreaker.config.FailureThreshold != 9 {
		t.Errorf("Expected failureThreshold=9, got %d", client.circuitBreaker.config.FailureThreshold)
	}

	disabled := New(WithoutCircuitBreaker())
	defer disabled.Close()
	if disabled.circuitBreaker != nil {
		t.Error("Expected circuit breaker disabled")
	}
}

func TestMiddlewareAndDecoratorOptions(t *testing.T) {
	mw := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		return next.RoundTrip(req)
	}
	dec := func(ctx context.Context, req *http.Request) error { return nil }

	client := New(
		WithMiddleware(mw),
		WithMiddleware(mw, mw),
		WithRequestDecorator(dec),
		WithRequestDecorator(dec),
	)
	defer client.Close()

	if len(client.middleware) != 3 {
		t.Errorf("Expected 3 middleware, got %d", len(client.middleware))
	}
	if len(client.decorators) != 2 {
		t.Errorf("Expected 2 decorators, got %d", len(client.decorators))
	}
}

func TestWithTimeout(t *testing.T) {
	client := New(WithTimeout(5 * time.Second))
	defer client.Close()

	if client.timeout != 5*time.Second {
		t.Errorf("Expected timeout=5s, got %v", client.timeout)
	}
	if client.httpClient.Timeout != 5*time.Second {
		t.Errorf("Expected HTTP client timeout=5s, got %v", client.httpClient.Timeout)
	}
}

func TestWithHTTPClient(t *testing.T) {
	custom := &http.Client{}
	client := New(WithHTTPClient(custom))
	defer client.Close()

	if client.httpClient != custom {
		t.Error("Expected custom HTTP client installed")
	}
	if custom.Timeout != 30*time.Second {
		t.Errorf("Expected configured timeout applied, got %v", custom.Timeout)
	}
}

func TestDebugOptions(t *testing.T) {
	client := New(WithSimpleLogger())
	defer client.Close()

	if client.debug == nil || !client.debug.Enabled {
		t.Fatal("Expected debug enabled")
	}
	if client.logger == nil {
		t.Error("Expected logger set")
	}
	if client.debug.RequestIDGen == nil {
		t.Error("Expected request ID generator set")
	}
	if !client.IsValid() {
		t.Errorf("Expected valid configuration, got %v", client.ValidationError())
	}

	gen := func() string { return "fixed-id" }
	custom := New(WithSimpleLogger(), WithRequestIDGenerator(gen))
	defer custom.Close()
	if got := custom.debug.RequestIDGen(); got != "fixed-id" {
		t.Errorf("Expected custom request ID, got %q", got)
	}
}

func TestValidateConfiguration(t *testing.T) {
	client := New()
	defer client.Close()
	if err := client.ValidateConfiguration(); err != nil {
		t.Errorf("Expected default configuration valid, got %v", err)
	}

	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{"zero attempts", []Option{WithMaxAttempts(0)}, "maxAttempts must be at least 1"},
		{"negative backoff", []Option{WithInitialBackoff(-time.Second)}, "initialBackoff must be positive"},
		{"max below initial", []Option{WithInitialBackoff(20 * time.Second)}, "maxBackoff must be greater than or equal to initialBackoff"},
		{"zero multiplier", []Option{WithBackoffMultiplier(0)}, "backoffMultiplier must be positive"},
		{"zero timeout", []Option{WithTimeout(0)}, "timeout must be positive"},
		{"zero cache ttl", []Option{WithCacheTTL(0)}, "cacheTTL must be positive when cache is enabled"},
		{"nil middleware", []Option{WithMiddleware(nil)}, "middleware[0] cannot be nil"},
		{"nil decorator", []Option{WithRequestDecorator(nil)}, "decorator[0] cannot be nil"},
		{"debug without logger", []Option{WithDebug()}, "logger must be set when debug is enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := New(tt.opts...)
			defer bad.Close()

			err := bad.ValidateConfiguration()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !IsValidation(err) {
				t.Errorf("Expected validation error type, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateConfigurationExtremeValues(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{"huge attempt count", []Option{WithMaxAttempts(101)}, "maxAttempts > 100"},
		{"huge timeout", []Option{WithTimeout(11 * time.Minute)}, "timeout > 10m"},
		{"huge max backoff", []Option{WithMaxBackoff(2 * time.Hour)}, "maxBackoff > 1h"},
		{"huge token bucket", []Option{WithRateLimiter(2000000, time.Second)}, "maxTokens > 1M"},
		{"sub-millisecond refill", []Option{WithRateLimiter(10, 500 * time.Microsecond)}, "refillRate < 1ms"},
		{"stale cache ttl", []Option{WithCacheTTL(25 * time.Hour)}, "cacheTTL > 24h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.opts...)
			defer client.Close()

			err := client.ValidateConfiguration()
			if err == nil {
				t.Fatal("Expected validation warning")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
