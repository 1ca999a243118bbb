package projection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"mdmd.sh/internal/metrics"
)

// DefaultResponseTTL is how long cached list responses stay fresh.
const DefaultResponseTTL = 15 * time.Second

// ResponseCache memoizes admin list responses. Keys hash path plus the
// sorted query string so parameter order never splits entries. The
// cache is advisory: it trades seconds of staleness for read QPS.
type ResponseCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]*cachedResponse
	now     func() time.Time
}

type cachedResponse struct {
	value     []byte
	expiresAt time.Time
	// path is kept for prefix invalidation. Entries written before the
	// field existed have it empty and are evicted on every purge.
	path string
}

// NewResponseCache creates the cache; zero ttl selects the default.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	return &ResponseCache{
		ttl:     ttl,
		entries: make(map[string]*cachedResponse),
		now:     time.Now,
	}
}

// CacheKey hashes path + sorted query into the cache key.
func CacheKey(path string, query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(path)
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			sb.WriteByte('&')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response if present and fresh.
func (c *ResponseCache) Get(path string, query url.Values) ([]byte, bool) {
	key := CacheKey(path, query)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		metrics.ResponseCacheMissesTotal.Inc()
		return nil, false
	}
	metrics.ResponseCacheHitsTotal.Inc()
	return entry.value, true
}

// Put stores one response body.
func (c *ResponseCache) Put(path string, query url.Values, value []byte) {
	key := CacheKey(path, query)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cachedResponse{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
		path:      path,
	}
}

// InvalidatePrefix drops every entry whose path starts with prefix.
// Entries without a recorded path are dropped too: staleness there is
// worse than the refetch.
func (c *ResponseCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.path == "" || strings.HasPrefix(entry.path, prefix) {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of live entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Janitor evicts expired entries until ctx is done.
func (c *ResponseCache) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *ResponseCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
