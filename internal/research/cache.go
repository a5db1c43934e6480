package research

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// CacheEntry holds a cached grounded-search result.
type CacheEntry struct {
	Key       string
	Value     string
	Sources   []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Cache provides in-memory caching of grounded research calls so repeated
// prompts within a process do not hit the provider again.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a new cache with the given size limit and TTL.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &Cache{
		entries: make(map[string]*CacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves a live entry by key.
func (c *Cache) Get(key string) (*CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// Set stores a value, evicting the oldest entry at capacity.
func (c *Cache) Set(key, value string, sources []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	now := c.now()
	c.entries[key] = &CacheEntry{
		Key:       key,
		Value:     value,
		Sources:   sources,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
}

// Size returns the number of entries in the cache.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// hashKey creates a cache key from arbitrary inputs.
func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
