package services

import (
	"strings"
	"sync"
	"time"

	"dispatch-backend/internal/models"
)

// GeocodeCache keeps resolved addresses so repeat pickups cost no API call.
// Entries expire after ttl; when full the least recently used one is evicted.
type GeocodeCache struct {
	mu         sync.Mutex
	entries    map[string]*geocodeEntry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	hits   int64
	misses int64
}

type geocodeEntry struct {
	coords       models.Coordinates
	createdAt    time.Time
	lastAccessed time.Time
}

func NewGeocodeCache(maxEntries int, ttl time.Duration) *GeocodeCache {
	return &GeocodeCache{
		entries:    make(map[string]*geocodeEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func cacheKey(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

func (c *GeocodeCache) Get(address string) (models.Coordinates, bool) {
	key := cacheKey(address)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return models.Coordinates{}, false
	}
	now := c.now()
	if now.Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return models.Coordinates{}, false
	}
	entry.lastAccessed = now
	c.hits++
	return entry.coords, true
}

func (c *GeocodeCache) Set(address string, coords models.Coordinates) {
	key := cacheKey(address)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	now := c.now()
	c.entries[key] = &geocodeEntry{coords: coords, createdAt: now, lastAccessed: now}
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (c *GeocodeCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = e.lastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stats returns hit and miss counters and the current size
func (c *GeocodeCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
