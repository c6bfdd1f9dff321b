package terminology

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// CacheResult is the cached outcome of a code validation.
type CacheResult struct {
	Valid   bool   `json:"valid"`
	Display string `json:"display,omitempty"`
	Message string `json:"message,omitempty"`
}

// CacheKey derives the SHA-256 cache key from the pipe-joined key parts.
// Display does not participate: cacheability is independent of it.
func CacheKey(system, code, valueSet, fhirVersion string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{system, code, valueSet, fhirVersion}, "|")))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	key            string
	result         CacheResult
	cachedAt       time.Time
	ttl            time.Duration // 0 means no expiry (offline mode)
	hits           int64
	lastAccessedAt time.Time
	elem           *list.Element
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.cachedAt) > e.ttl
}

// CacheStats is a point-in-time snapshot of cache behavior.
type CacheStats struct {
	Entries    int   `json:"entries"`
	MaxEntries int   `json:"maxEntries"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Cache is a bounded TTL+LRU cache for terminology validation results.
// All operations are safe for concurrent use. A background janitor
// removes expired entries so reads stay cheap.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	lru        *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stopOnce sync.Once
	stop     chan struct{}
}

// CacheConfig controls cache bounds and the janitor interval.
type CacheConfig struct {
	MaxEntries      int
	TTL             time.Duration
	CleanupInterval time.Duration
}

// NewCache creates a cache and starts its cleanup janitor.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	c := &Cache{
		entries:    make(map[string]*cacheEntry),
		lru:        list.New(),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		stop:       make(chan struct{}),
	}

	go c.janitor(cfg.CleanupInterval)
	return c
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Close stops the background janitor. Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Get returns the cached result, or nil when absent or expired. An
// expired entry is removed on access.
func (c *Cache) Get(key string) *CacheResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}

	now := time.Now()
	if entry.expired(now) {
		c.removeLocked(entry)
		c.expirations++
		c.misses++
		return nil
	}

	entry.hits++
	entry.lastAccessedAt = now
	c.lru.MoveToFront(entry.elem)
	c.hits++

	result := entry.result
	return &result
}

// Set stores a result. Offline mode stores with an infinite TTL. When
// the cache is full the least-recently-accessed entry is evicted.
func (c *Cache) Set(key string, result CacheResult, offlineMode bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[key]; ok {
		entry.result = result
		entry.cachedAt = now
		entry.lastAccessedAt = now
		if offlineMode {
			entry.ttl = 0
		} else {
			entry.ttl = c.ttl
		}
		c.lru.MoveToFront(entry.elem)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*cacheEntry))
		c.evictions++
	}

	entry := &cacheEntry{
		key:            key,
		result:         result,
		cachedAt:       now,
		lastAccessedAt: now,
	}
	if !offlineMode {
		entry.ttl = c.ttl
	}
	entry.elem = c.lru.PushFront(entry)
	c.entries[key] = entry
}

// Has reports whether a non-expired entry exists. It does not touch
// LRU order or hit counters.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if entry.expired(time.Now()) {
		c.removeLocked(entry)
		c.expirations++
		return false
	}
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lru.Init()
}

// Cleanup removes all expired entries and returns how many were dropped.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, entry := range c.entries {
		if entry.expired(now) {
			c.removeLocked(entry)
			c.expirations++
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:     len(c.entries),
		MaxEntries:  c.maxEntries,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

func (c *Cache) removeLocked(entry *cacheEntry) {
	delete(c.entries, entry.key)
	c.lru.Remove(entry.elem)
}
