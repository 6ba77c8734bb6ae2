package stanchion

import (
	"net/http"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
)

// EvictionPolicy selects how the response cache picks victims when an
// insert would exceed its budget.
type EvictionPolicy int

const (
	// LRU evicts the entry with the oldest last-access time.
	LRU EvictionPolicy = iota
	// LFU evicts the entry with the lowest access count, ties broken by
	// oldest last access.
	LFU
	// FIFO evicts the oldest-created entry regardless of use.
	FIFO
)

func (p EvictionPolicy) String() string {
	switch p {
	case LRU:
		return "LRU"
	case LFU:
		return "LFU"
	case FIFO:
		return "FIFO"
	default:
		return "unknown"
	}
}

// Default cache sizing applied when CacheConfig fields are zero.
const (
	DefaultCacheCapacityBytes   = 64 << 20
	DefaultCompressionThreshold = 4 << 10
	defaultCacheEntryOverhead   = 128
)

// CacheConfig configures the built-in response cache.
type CacheConfig struct {
	// CapacityBytes is the byte budget across all stored entries.
	// Zero applies DefaultCacheCapacityBytes.
	CapacityBytes int64

	// MaxEntries optionally bounds the entry count. Zero means unbounded.
	MaxEntries int

	// Policy selects the eviction victim ordering.
	Policy EvictionPolicy

	// CompressionThreshold is the body size, in bytes, at or above which
	// bodies are stored snappy-compressed. Zero applies
	// DefaultCompressionThreshold; negative disables compression.
	CompressionThreshold int

	// SweepInterval, when positive, runs a background sweep removing
	// expired entries. Expired entries are otherwise removed lazily on
	// lookup.
	SweepInterval time.Duration

	// OnEvict observes the key of every entry evicted to make room for
	// an insert. It runs after the cache lock is released and must
	// return quickly.
	OnEvict func(key string)
}

// PatternInvalidator is implemented by caches that can remove entries by
// key pattern and report how many were removed.
type PatternInvalidator interface {
	InvalidatePattern(pattern string) int
}

// cacheEntry is the stored form. prev/next maintain the eviction order
// list: recency order under LRU, insertion order under FIFO.
type cacheEntry struct {
	key         string
	body        []byte
	compressed  bool
	statusCode  int
	header      http.Header
	size        int64
	createdAt   time.Time
	expiresAt   time.Time
	lastAccess  time.Time
	accessCount int64

	prev, next *cacheEntry
}

// ResponseCache is the built-in budgeted response store. A single mutex
// guards the map, the eviction list and the byte accounting: the budget and
// the victim guarantee are global, so sharding would trade both away for
// throughput this client-side cache does not need.
type ResponseCache struct {
	mu                   sync.Mutex
	entries              map[string]*cacheEntry
	head, tail           *cacheEntry
	totalBytes           int64
	capacityBytes        int64
	maxEntries           int
	policy               EvictionPolicy
	compressionThreshold int

	hits        int64
	misses      int64
	sets        int64
	evictions   int64
	expirations int64
	rejected    int64

	onEvict func(key string)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewResponseCache creates a cache with the given configuration. Close must
// be called to stop the sweep goroutine when SweepInterval is set.
func NewResponseCache(cfg CacheConfig) *ResponseCache {
	if cfg.CapacityBytes <= 0 {
		cfg.CapacityBytes = DefaultCacheCapacityBytes
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}

	c := &ResponseCache{
		entries:              make(map[string]*cacheEntry),
		capacityBytes:        cfg.CapacityBytes,
		maxEntries:           cfg.MaxEntries,
		policy:               cfg.Policy,
		compressionThreshold: cfg.CompressionThreshold,
		onEvict:              cfg.OnEvict,
	}

	if cfg.SweepInterval > 0 {
		c.stop = make(chan struct{})
		go c.sweepLoop(cfg.SweepInterval)
	}
	return c
}

// Get returns the live entry for key, updating access metadata per the
// eviction policy. Expired entries are removed and reported as misses.
func (c *ResponseCache) Get(key string) (*CacheEntry, bool) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	if now.After(entry.expiresAt) {
		c.removeLocked(entry)
		c.mu.Unlock()
		atomic.AddInt64(&c.expirations, 1)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	entry.accessCount++
	entry.lastAccess = now
	if c.policy == LRU {
		c.moveToFrontLocked(entry)
	}

	body := entry.body
	compressed := entry.compressed
	out := &CacheEntry{
		StatusCode: entry.statusCode,
		Header:     entry.header,
		CreatedAt:  entry.createdAt,
		ExpiresAt:  entry.expiresAt,
	}
	c.mu.Unlock()

	if compressed {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			// Corrupt stored body: drop it and report a miss.
			c.Delete(key)
			atomic.AddInt64(&c.misses, 1)
			return nil, false
		}
		out.Body = decoded
	} else {
		out.Body = body
	}

	atomic.AddInt64(&c.hits, 1)
	return out, true
}

// Set stores entry under key with the given TTL, compressing large bodies
// and evicting per policy until the insert fits the budget. Entries that
// could never fit, and non-positive TTLs, are silently not stored.
func (c *ResponseCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	body := entry.Body
	compressed := false
	if c.compressionThreshold > 0 && len(body) >= c.compressionThreshold {
		if encoded := snappy.Encode(nil, body); len(encoded) < len(body) {
			body = encoded
			compressed = true
		}
	}

	header := entry.Header.Clone()
	now := time.Now()
	stored := &cacheEntry{
		key:         key,
		body:        body,
		compressed:  compressed,
		statusCode:  entry.StatusCode,
		header:      header,
		size:        entrySize(key, body, header),
		createdAt:   now,
		expiresAt:   now.Add(ttl),
		lastAccess:  now,
		accessCount: 1,
	}

	if stored.size > c.capacityBytes {
		atomic.AddInt64(&c.rejected, 1)
		return
	}

	c.mu.Lock()

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}

	// Evict before inserting so the store is never over budget, even
	// transiently.
	var evicted []string
	fits := true
	for c.totalBytes+stored.size > c.capacityBytes ||
		(c.maxEntries > 0 && len(c.entries) >= c.maxEntries) {
		victim := c.victimLocked()
		if victim == nil {
			fits = false
			break
		}
		c.removeLocked(victim)
		atomic.AddInt64(&c.evictions, 1)
		if c.onEvict != nil {
			evicted = append(evicted, victim.key)
		}
	}

	if fits {
		c.entries[key] = stored
		c.pushFrontLocked(stored)
		c.totalBytes += stored.size
		atomic.AddInt64(&c.sets, 1)
	}
	c.mu.Unlock()

	for _, k := range evicted {
		c.onEvict(k)
	}
}

// Delete removes the entry for key, if present.
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(entry)
	}
}

// Clear removes all entries.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.head = nil
	c.tail = nil
	c.totalBytes = 0
}

// InvalidatePattern removes the exact key, or every key matching the glob
// pattern (path.Match syntax), and reports how many entries were removed.
func (c *ResponseCache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[pattern]; ok {
		c.removeLocked(entry)
		return 1
	}

	removed := 0
	for key, entry := range c.entries {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			c.removeLocked(entry)
			removed++
		}
	}
	return removed
}

// RemoveExpired sweeps out every expired entry and reports the count.
func (c *ResponseCache) RemoveExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(entry)
			removed++
		}
	}
	atomic.AddInt64(&c.expirations, int64(removed))
	return removed
}

// Len reports the number of stored entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SizeBytes reports the accounted size of all stored entries.
func (c *ResponseCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Close stops the background sweep, if one is running.
func (c *ResponseCache) Close() {
	if c.stop == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// ResponseCacheStats is a point-in-time view of cache counters.
type ResponseCacheStats struct {
	Entries       int
	SizeBytes     int64
	CapacityBytes int64
	Hits          int64
	Misses        int64
	Sets          int64
	Evictions     int64
	Expirations   int64
	Rejected      int64
	HitRatio      float64
}

// Stats returns current cache statistics.
func (c *ResponseCache) Stats() ResponseCacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	size := c.totalBytes
	c.mu.Unlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	ratio := float64(0)
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}

	return ResponseCacheStats{
		Entries:       entries,
		SizeBytes:     size,
		CapacityBytes: c.capacityBytes,
		Hits:          hits,
		Misses:        misses,
		Sets:          atomic.LoadInt64(&c.sets),
		Evictions:     atomic.LoadInt64(&c.evictions),
		Expirations:   atomic.LoadInt64(&c.expirations),
		Rejected:      atomic.LoadInt64(&c.rejected),
		HitRatio:      ratio,
	}
}

func (c *ResponseCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RemoveExpired()
		case <-c.stop:
			return
		}
	}
}

// victimLocked picks the next eviction victim per policy. LRU and FIFO both
// take the list tail: the list is recency-ordered under LRU (entries move
// to the front on access) and insertion-ordered under FIFO (they do not).
// LFU scans for the coldest entry.
func (c *ResponseCache) victimLocked() *cacheEntry {
	switch c.policy {
	case LFU:
		var victim *cacheEntry
		for _, entry := range c.entries {
			if victim == nil ||
				entry.accessCount < victim.accessCount ||
				(entry.accessCount == victim.accessCount && entry.lastAccess.Before(victim.lastAccess)) {
				victim = entry
			}
		}
		return victim
	default:
		return c.tail
	}
}

func (c *ResponseCache) removeLocked(entry *cacheEntry) {
	delete(c.entries, entry.key)
	c.unlinkLocked(entry)
	c.totalBytes -= entry.size
}

func (c *ResponseCache) pushFrontLocked(entry *cacheEntry) {
	if c.head == nil {
		c.head = entry
		c.tail = entry
		return
	}
	entry.next = c.head
	c.head.prev = entry
	c.head = entry
}

func (c *ResponseCache) unlinkLocked(entry *cacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}
	entry.prev = nil
	entry.next = nil
}

func (c *ResponseCache) moveToFrontLocked(entry *cacheEntry) {
	if c.head == entry {
		return
	}
	c.unlinkLocked(entry)
	c.pushFrontLocked(entry)
}

// entrySize accounts an entry against the byte budget: key, stored body,
// canonical header bytes and a fixed overhead for the map cell and list
// pointers.
func entrySize(key string, body []byte, header http.Header) int64 {
	size := int64(len(key) + len(body) + defaultCacheEntryOverhead)
	for name, values := range header {
		size += int64(len(name))
		for _, v := range values {
			size += int64(len(v))
		}
	}
	return size
}
