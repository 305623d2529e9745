package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// featureCache is a small TTL cache from hashed query text to Features.
// Expired entries are evicted lazily on access; when the cache is full the
// oldest entry is dropped.
type featureCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	nowFunc    func() time.Time // test hook
}

type cacheEntry struct {
	features  Features
	expiresAt time.Time
}

func newFeatureCache(ttl time.Duration, maxEntries int) *featureCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &featureCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		nowFunc:    time.Now,
	}
}

func cacheKey(trimmed string) string {
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}

func (c *featureCache) get(trimmed string) (Features, bool) {
	key := cacheKey(trimmed)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Features{}, false
	}
	if c.nowFunc().After(e.expiresAt) {
		delete(c.entries, key)
		return Features{}, false
	}
	return e.features, true
}

func (c *featureCache) put(trimmed string, f Features) {
	key := cacheKey(trimmed)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{features: f, expiresAt: c.nowFunc().Add(c.ttl)}
}

func (c *featureCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *featureCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
