package cache

import (
	"sync"
	"time"
)

// entry is a cached value with expiration
type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is a simple in-memory string cache with per-key TTL. It backs the
// sent-message-id reverse lookup, which maps an outbound Message-ID to the
// conversation that sent it; that mapping is append-only, so serving a
// cached value is always safe.
type Cache struct {
	items map[string]entry
	mutex sync.RWMutex
}

// New creates a new cache instance
func New() *Cache {
	return &Cache{
		items: make(map[string]entry),
	}
}

// Get retrieves a value from the cache
func (c *Cache) Get(key string) (string, bool) {
	c.mutex.RLock()
	item, exists := c.items[key]
	c.mutex.RUnlock()

	if !exists {
		return "", false
	}
	if time.Now().After(item.expiresAt) {
		c.mutex.Lock()
		// Re-check under the write lock, a concurrent Set may have refreshed it.
		if item, exists = c.items[key]; exists && time.Now().After(item.expiresAt) {
			delete(c.items, key)
		}
		c.mutex.Unlock()
		return "", false
	}

	return item.value, true
}

// Set stores a value in the cache with TTL
func (c *Cache) Set(key, value string, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Delete removes a value from the cache
func (c *Cache) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.items, key)
}

// Clear removes all values from the cache
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.items = make(map[string]entry)
}
