package stanchion

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stanchionhq/stanchion/internal/singleflight"
)

// DefaultDNSCacheTTL is how long resolved addresses are kept when no TTL is
// configured.
const DefaultDNSCacheTTL = 30 * time.Second

// LookupFunc resolves a hostname to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

type dnsEntry struct {
	addrs      []string
	resolvedAt time.Time
	expiresAt  time.Time
}

// DNSCache caches hostname resolutions with a TTL. Misses are coalesced so
// that at most one lookup per hostname is in flight at a time; every caller
// waiting on that hostname shares its outcome.
type DNSCache struct {
	mu      sync.RWMutex
	entries map[string]*dnsEntry
	ttl     time.Duration
	lookup  LookupFunc
	onHit   func(host string)
	group   *singleflight.Group

	hits    uint64
	misses  uint64
	lookups uint64
	errors  uint64
}

// DNSCacheStats is a point-in-time snapshot of DNS cache counters.
type DNSCacheStats struct {
	Hits    uint64
	Misses  uint64
	Lookups uint64
	Errors  uint64
	Entries int
}

// NewDNSCache creates a DNS cache with the given TTL. A zero or negative
// ttl falls back to DefaultDNSCacheTTL. The default lookup function uses
// net.DefaultResolver.
func NewDNSCache(ttl time.Duration) *DNSCache {
	if ttl <= 0 {
		ttl = DefaultDNSCacheTTL
	}
	return &DNSCache{
		entries: make(map[string]*dnsEntry),
		ttl:     ttl,
		lookup:  defaultDNSLookup,
		group:   singleflight.New(),
	}
}

func defaultDNSLookup(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// SetLookupFunc replaces the resolver, primarily for tests. It must be
// called before the cache is shared between goroutines.
func (d *DNSCache) SetLookupFunc(fn LookupFunc) {
	d.lookup = fn
}

// SetOnHit installs an observer called with the hostname of every cache
// hit. It must be set before the cache is shared between goroutines and
// must return quickly.
func (d *DNSCache) SetOnHit(fn func(host string)) {
	d.onHit = fn
}

// Resolve returns the addresses for host, serving from cache when a fresh
// entry exists. IP literals bypass the cache entirely. Concurrent misses
// for the same host share a single lookup.
func (d *DNSCache) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	if addrs, ok := d.get(host); ok {
		atomic.AddUint64(&d.hits, 1)
		if d.onHit != nil {
			d.onHit(host)
		}
		return addrs, nil
	}
	atomic.AddUint64(&d.misses, 1)

	val, _, err := d.group.Do(ctx, host, func(ctx context.Context) (interface{}, error) {
		// Another flight may have populated the cache between the miss
		// and this execution.
		if addrs, ok := d.get(host); ok {
			return addrs, nil
		}

		atomic.AddUint64(&d.lookups, 1)
		addrs, err := d.lookup(ctx, host)
		if err != nil {
			atomic.AddUint64(&d.errors, 1)
			return nil, err
		}

		now := time.Now()
		d.mu.Lock()
		d.entries[host] = &dnsEntry{
			addrs:      addrs,
			resolvedAt: now,
			expiresAt:  now.Add(d.ttl),
		}
		d.mu.Unlock()

		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]string), nil
}

// Invalidate removes the entry for host, forcing the next Resolve to look
// it up again.
func (d *DNSCache) Invalidate(host string) {
	d.mu.Lock()
	delete(d.entries, host)
	d.mu.Unlock()
}

// InvalidateAll drops every cached resolution.
func (d *DNSCache) InvalidateAll() {
	d.mu.Lock()
	d.entries = make(map[string]*dnsEntry)
	d.mu.Unlock()
}

// Len returns the number of cached hostnames, counting stale entries that
// have not been touched since expiry.
func (d *DNSCache) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Stats returns a snapshot of the cache counters.
func (d *DNSCache) Stats() DNSCacheStats {
	d.mu.RLock()
	entries := len(d.entries)
	d.mu.RUnlock()

	return DNSCacheStats{
		Hits:    atomic.LoadUint64(&d.hits),
		Misses:  atomic.LoadUint64(&d.misses),
		Lookups: atomic.LoadUint64(&d.lookups),
		Errors:  atomic.LoadUint64(&d.errors),
		Entries: entries,
	}
}

// get returns a fresh entry's addresses, lazily removing a stale one.
func (d *DNSCache) get(host string) ([]string, bool) {
	d.mu.RLock()
	entry, ok := d.entries[host]
	d.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		d.mu.Lock()
		// Recheck under the write lock; a concurrent Resolve may have
		// refreshed the entry already.
		if current, ok := d.entries[host]; ok && current == entry {
			delete(d.entries, host)
		}
		d.mu.Unlock()
		return nil, false
	}
	return entry.addrs, true
}

// DialContext wraps base so that hostnames are resolved through the cache.
// Resolved addresses are tried in order until one connects; the last dial
// error is returned if all fail. A resolution failure invalidates nothing
// and surfaces as the dial error.
func (d *DNSCache) DialContext(base *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return base.DialContext(ctx, network, addr)
		}

		addrs, err := d.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}

		var lastErr error
		for _, resolved := range addrs {
			conn, err := base.DialContext(ctx, network, net.JoinHostPort(resolved, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
		if lastErr == nil {
			lastErr = &net.DNSError{Err: "no addresses resolved", Name: host}
		}
		// A host whose cached addresses all refuse may have moved;
		// drop the entry so the next attempt resolves fresh.
		d.Invalidate(host)
		return nil, lastErr
	}
}
