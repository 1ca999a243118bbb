package artifact

import (
	"container/list"
	"sync"
	"time"

	"mdmd.sh/internal/metrics"
)

const (
	// DefaultCacheMaxBytes caps the cache at 200 MB.
	DefaultCacheMaxBytes = 200 * 1024 * 1024
	// DefaultCacheTTL expires entries after one hour.
	DefaultCacheTTL = time.Hour
)

// Cache is a byte-capped LRU with TTL for hot APK blobs. Streaming
// downloads bypass it entirely.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	ttl      time.Duration
	bytes    int64
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	now      func() time.Time
}

type cacheEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// NewCache creates a cache; zero values select the defaults.
func NewCache(maxBytes int64, ttl time.Duration) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultCacheMaxBytes
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		maxBytes: maxBytes,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the cached blob and whether it was present and fresh.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		metrics.APKCacheMissesTotal.Inc()
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		metrics.APKCacheEvictionsTotal.Inc()
		metrics.APKCacheMissesTotal.Inc()
		return nil, false
	}
	c.order.MoveToFront(elem)
	metrics.APKCacheHitsTotal.Inc()
	return entry.data, true
}

// Put stores a blob, evicting LRU entries until it fits. Blobs larger
// than the cap are rejected outright.
func (c *Cache) Put(key string, data []byte) {
	size := int64(len(data))
	if size == 0 || size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	for c.bytes+size > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		metrics.APKCacheEvictionsTotal.Inc()
	}

	elem := c.order.PushFront(&cacheEntry{
		key:       key,
		data:      data,
		expiresAt: c.now().Add(c.ttl),
	})
	c.entries[key] = elem
	c.bytes += size
	metrics.APKCacheBytes.Set(float64(c.bytes))
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Bytes reports the current cache size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.bytes -= int64(len(entry.data))
	metrics.APKCacheBytes.Set(float64(c.bytes))
}
