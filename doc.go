// Package stanchion is a client-side resilience and performance layer for
// outbound HTTP traffic against rate-limited, latency-variable APIs:
//
//   - Response caching with LRU/LFU/FIFO eviction, a byte budget,
//     transparent compression and response-adapted TTLs
//   - Coalescing of concurrent identical requests onto one in-flight
//     execution (all waiters share the result)
//   - Circuit breaker (closed / open / half-open states) with bounded
//     recovery probes
//   - Retries with exponential backoff + jitter, Retry-After support and
//     an optional global retry budget
//   - Per-host bounded connection pooling with keep-alive reuse and
//     HTTP/2 negotiation
//   - DNS resolution caching with coalesced lookups
//   - Middleware chain and request decorators for cross-cutting concerns
//     (auth signing, tracing, etc.)
//   - Prometheus metrics, typed events and structured debug logging
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Instance-scoped state: no ambient singletons, so independent clients
//     coexist in one process and in tests
//   - Extensibility via middleware, pluggable cache, retry policy, TTL
//     adaptation and metrics
//
// Typical usage:
//
//	client := stanchion.New(
//	    stanchion.WithMaxAttempts(4),
//	    stanchion.WithCache(stanchion.CacheConfig{Policy: stanchion.LRU}),
//	    stanchion.WithCircuitBreaker(stanchion.CircuitBreakerConfig{}),
//	    stanchion.WithMaxConnectionsPerHost(8),
//	)
//	defer client.Close()
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// GET responses are cached and coalesced by default; POSTs pass straight
// through. Transport errors and 5xx/429 responses on idempotent methods are
// retried; override with WithRetryPolicy or WithRetryCondition. The library
// avoids opinionated logging: provide a Logger (e.g. via WithSimpleLogger)
// and enable debug flags selectively for insight without noise.
package stanchion
