package stanchion

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"
)

// Connection pool defaults.
const (
	DefaultMaxConnsPerHost     = 16
	DefaultMaxIdleConnsPerHost = 16
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultAcquireTimeout      = 10 * time.Second
	DefaultDialTimeout         = 10 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// PoolConfig controls the connection pool.
type PoolConfig struct {
	// MaxConnsPerHost bounds concurrent requests per destination host.
	// Requests beyond the bound queue until a slot frees or
	// AcquireTimeout elapses.
	MaxConnsPerHost int

	// MaxIdleConnsPerHost bounds the idle keep-alive pool per host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout closes idle connections after this long.
	IdleConnTimeout time.Duration

	// KeepAlive enables connection reuse. When false every request
	// opens and closes its own connection.
	KeepAlive bool

	// ProtocolUpgrade negotiates HTTP/2 over TLS when the destination
	// supports it, multiplexing requests over shared connections.
	ProtocolUpgrade bool

	// AcquireTimeout is the longest a request waits for a per-host
	// slot. Zero selects DefaultAcquireTimeout; negative disables the
	// timeout so only the request context bounds the wait.
	AcquireTimeout time.Duration

	// GlobalMaxConns optionally bounds concurrent requests across all
	// hosts. Zero means unbounded.
	GlobalMaxConns int

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration

	// TLSClientConfig configures TLS for the underlying transport, for
	// private roots or client certificates. Nil uses the defaults. The
	// pool clones it; ProtocolUpgrade adds its ALPN identifiers to the
	// clone.
	TLSClientConfig *tls.Config

	// OnConnReuse observes the host of every request served over a
	// reused connection. It runs on the request path and must return
	// quickly.
	OnConnReuse func(host string)
}

// DefaultPoolConfig returns the pool defaults with keep-alive and protocol
// upgrade enabled.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnsPerHost:     DefaultMaxConnsPerHost,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		KeepAlive:           true,
		ProtocolUpgrade:     true,
		AcquireTimeout:      DefaultAcquireTimeout,
		DialTimeout:         DefaultDialTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
	}
}

type hostSlots struct {
	sem    *semaphore.Weighted
	active int64
}

// ConnectionPool is an http.RoundTripper that bounds concurrent requests
// per host, reuses keep-alive connections and resolves hostnames through an
// optional DNS cache. Waiters queue for a slot rather than opening
// unbounded connections; a wait that outlives AcquireTimeout fails with
// ErrPoolExhausted, which is retryable.
type ConnectionPool struct {
	transport *http.Transport
	config    PoolConfig
	global    *semaphore.Weighted

	mu    sync.Mutex
	hosts map[string]*hostSlots

	reused          uint64
	created         uint64
	acquireTimeouts uint64
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	ActivePerHost   map[string]int64
	Reused          uint64
	Created         uint64
	AcquireTimeouts uint64
	ReuseRate       float64
}

// NewConnectionPool creates a pool from config. dns may be nil, in which
// case the standard resolver is used on every dial.
func NewConnectionPool(config PoolConfig, dns *DNSCache) (*ConnectionPool, error) {
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if config.MaxIdleConnsPerHost <= 0 {
		config.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if config.IdleConnTimeout <= 0 {
		config.IdleConnTimeout = DefaultIdleConnTimeout
	}
	if config.AcquireTimeout == 0 {
		config.AcquireTimeout = DefaultAcquireTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.TLSHandshakeTimeout <= 0 {
		config.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	dial := dialer.DialContext
	if dns != nil {
		dial = dns.DialContext(dialer)
	}

	transport := &http.Transport{
		DialContext:           dial,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		DisableKeepAlives:     !config.KeepAlive,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if config.TLSClientConfig != nil {
		transport.TLSClientConfig = config.TLSClientConfig.Clone()
	}
	if config.ProtocolUpgrade {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("stanchion: configure http2: %w", err)
		}
	}

	pool := &ConnectionPool{
		transport: transport,
		config:    config,
		hosts:     make(map[string]*hostSlots),
	}
	if config.GlobalMaxConns > 0 {
		pool.global = semaphore.NewWeighted(int64(config.GlobalMaxConns))
	}
	return pool, nil
}

// RoundTrip implements http.RoundTripper. The caller must close the
// response body; the per-host slot is held until then.
func (p *ConnectionPool) RoundTrip(req *http.Request) (*http.Response, error) {
	hostKey := strings.ToLower(req.URL.Host)
	slots := p.slotsFor(hostKey)

	acquireCtx := req.Context()
	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(acquireCtx, p.config.AcquireTimeout)
		defer cancel()
	}

	if p.global != nil {
		if err := p.global.Acquire(acquireCtx, 1); err != nil {
			return nil, p.acquireError(req, hostKey)
		}
	}
	if err := slots.sem.Acquire(acquireCtx, 1); err != nil {
		if p.global != nil {
			p.global.Release(1)
		}
		return nil, p.acquireError(req, hostKey)
	}
	atomic.AddInt64(&slots.active, 1)

	release := func() {
		atomic.AddInt64(&slots.active, -1)
		slots.sem.Release(1)
		if p.global != nil {
			p.global.Release(1)
		}
	}

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				atomic.AddUint64(&p.reused, 1)
				if p.config.OnConnReuse != nil {
					p.config.OnConnReuse(hostKey)
				}
			} else {
				atomic.AddUint64(&p.created, 1)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		release()
		return nil, err
	}

	resp.Body = &pooledBody{body: resp.Body, release: release}
	return resp, nil
}

// acquireError distinguishes a caller cancellation from pool exhaustion.
func (p *ConnectionPool) acquireError(req *http.Request, hostKey string) error {
	if err := req.Context().Err(); err != nil {
		return err
	}
	atomic.AddUint64(&p.acquireTimeouts, 1)
	return fmt.Errorf("%w: host %s", ErrPoolExhausted, hostKey)
}

// slotsFor returns the admission state for hostKey, creating it on first
// use. Entries live for the pool's lifetime.
func (p *ConnectionPool) slotsFor(hostKey string) *hostSlots {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots, ok := p.hosts[hostKey]
	if !ok {
		slots = &hostSlots{sem: semaphore.NewWeighted(int64(p.config.MaxConnsPerHost))}
		p.hosts[hostKey] = slots
	}
	return slots
}

// Active returns the number of in-flight requests for hostKey.
func (p *ConnectionPool) Active(hostKey string) int64 {
	p.mu.Lock()
	slots, ok := p.hosts[strings.ToLower(hostKey)]
	p.mu.Unlock()

	if !ok {
		return 0
	}
	return atomic.LoadInt64(&slots.active)
}

// Stats returns a snapshot of pool counters.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	perHost := make(map[string]int64, len(p.hosts))
	for host, slots := range p.hosts {
		perHost[host] = atomic.LoadInt64(&slots.active)
	}
	p.mu.Unlock()

	reused := atomic.LoadUint64(&p.reused)
	created := atomic.LoadUint64(&p.created)
	stats := PoolStats{
		ActivePerHost:   perHost,
		Reused:          reused,
		Created:         created,
		AcquireTimeouts: atomic.LoadUint64(&p.acquireTimeouts),
	}
	if total := reused + created; total > 0 {
		stats.ReuseRate = float64(reused) / float64(total)
	}
	return stats
}

// CloseIdleConnections closes idle keep-alive connections.
func (p *ConnectionPool) CloseIdleConnections() {
	p.transport.CloseIdleConnections()
}

// pooledBody releases the per-host slot when the response body is closed.
// Close is safe to call more than once.
type pooledBody struct {
	body    io.ReadCloser
	release func()
	once    sync.Once
}

func (b *pooledBody) Read(p []byte) (int, error) {
	return b.body.Read(p)
}

func (b *pooledBody) Close() error {
	err := b.body.Close()
	b.once.Do(b.release)
	return err
}
