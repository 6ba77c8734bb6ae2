package stanchion

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle
// and the resilience layers. All methods are nil-safe so a client built
// without metrics can call them unconditionally. It is safe for concurrent
// use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	coalescedRequests *prometheus.CounterVec

	retryBudgetExceeded *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	registry   *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanchion_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stanchion_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stanchion_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanchion_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stanchion_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanchion_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanchion_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"method", "endpoint"},
		),
		coalescedRequests: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanchion_coalesced_requests_total",
				Help: "Total number of requests that joined an in-flight execution",
			},
			[]string{"method", "endpoint"},
		),
		retryBudgetExceeded: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanchion_retry_budget_exceeded_total",
				Help: "Total number of times the retry budget was exceeded",
			},
			[]string{"host"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanchion_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		registerer: registry,
	}
	if r, ok := registry.(*prometheus.Registry); ok {
		mc.registry = r
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	attemptStr := strconv.Itoa(attempt)
	mc.retriesTotal.WithLabelValues(method, endpoint, attemptStr).Inc()
}

// RecordCircuitBreakerState sets the breaker state gauge.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCoalescedRequest increments the coalesced request counter.
func (mc *MetricsCollector) RecordCoalescedRequest(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.coalescedRequests.WithLabelValues(method, endpoint).Inc()
}

// RecordRetryBudgetExceeded increments the retry budget exceeded counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(endpoint string) {
	if mc == nil {
		return
	}

	host := endpoint
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		host = endpoint[:idx]
	}

	mc.retryBudgetExceeded.WithLabelValues(host).Inc()
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// ObserveResponseCache registers pull-based metrics backed by the cache's
// own accounting. Call at most once per cache.
func (mc *MetricsCollector) ObserveResponseCache(cache *ResponseCache) {
	if mc == nil || cache == nil {
		return
	}

	factory := promauto.With(mc.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stanchion_cache_entries",
		Help: "Current number of entries in the response cache",
	}, func() float64 { return float64(cache.Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stanchion_cache_size_bytes",
		Help: "Current response cache size in bytes",
	}, func() float64 { return float64(cache.SizeBytes()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_cache_evictions_total",
		Help: "Total number of cache entries evicted by policy",
	}, func() float64 { return float64(cache.Stats().Evictions) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_cache_expirations_total",
		Help: "Total number of cache entries removed after expiry",
	}, func() float64 { return float64(cache.Stats().Expirations) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_cache_rejected_total",
		Help: "Total number of entries rejected for exceeding capacity",
	}, func() float64 { return float64(cache.Stats().Rejected) })
}

// ObserveDNSCache registers pull-based metrics backed by the DNS cache's
// own accounting. Call at most once per cache.
func (mc *MetricsCollector) ObserveDNSCache(dns *DNSCache) {
	if mc == nil || dns == nil {
		return
	}

	factory := promauto.With(mc.registerer)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_dns_lookups_total",
		Help: "Total number of resolver lookups performed",
	}, func() float64 { return float64(dns.Stats().Lookups) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_dns_cache_hits_total",
		Help: "Total number of DNS cache hits",
	}, func() float64 { return float64(dns.Stats().Hits) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_dns_cache_misses_total",
		Help: "Total number of DNS cache misses",
	}, func() float64 { return float64(dns.Stats().Misses) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_dns_errors_total",
		Help: "Total number of failed resolver lookups",
	}, func() float64 { return float64(dns.Stats().Errors) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stanchion_dns_cache_entries",
		Help: "Current number of cached hostnames",
	}, func() float64 { return float64(dns.Len()) })
}

// ObservePool registers pull-based metrics backed by the connection pool's
// own accounting. Call at most once per pool.
func (mc *MetricsCollector) ObservePool(pool *ConnectionPool) {
	if mc == nil || pool == nil {
		return
	}

	factory := promauto.With(mc.registerer)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_pool_connections_reused_total",
		Help: "Total number of requests served over a reused connection",
	}, func() float64 { return float64(pool.Stats().Reused) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_pool_connections_created_total",
		Help: "Total number of requests that opened a new connection",
	}, func() float64 { return float64(pool.Stats().Created) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "stanchion_pool_acquire_timeouts_total",
		Help: "Total number of requests that timed out waiting for a connection slot",
	}, func() float64 { return float64(pool.Stats().AcquireTimeouts) })
}

// ObserveRateLimiter registers a token gauge backed by the limiter's own
// accounting. Call at most once per limiter.
func (mc *MetricsCollector) ObserveRateLimiter(name string, limiter *RateLimiter) {
	if mc == nil || limiter == nil {
		return
	}

	promauto.With(mc.registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "stanchion_rate_limiter_tokens",
		Help:        "Current number of available rate limiter tokens",
		ConstLabels: prometheus.Labels{"name": name},
	}, func() float64 { return float64(limiter.Tokens()) })
}

// GetRegistry exposes the underlying registry when the collector was built
// on a *prometheus.Registry, nil otherwise.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
