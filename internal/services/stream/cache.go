package stream

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CacheEntry represents a cached stream URL and its lease window
type CacheEntry struct {
	URL       string
	CachedAt  time.Time
	ExpiresAt time.Time
}

// URLCache holds resolved stream URLs for the duration of their backend
// lease. Expired entries are dropped lazily on read and swept periodically
// by the cache janitor.
type URLCache struct {
	cache            *gocache.Cache
	refreshThreshold float64
}

// NewURLCache creates a new URL cache. threshold is the fraction of an
// entry's lifetime after which a proactive refresh should be triggered.
func NewURLCache(threshold float64) *URLCache {
	return &URLCache{
		cache:            gocache.New(gocache.NoExpiration, 5*time.Minute),
		refreshThreshold: threshold,
	}
}

// Get returns the cached entry for an item, if present and not expired
func (c *URLCache) Get(itemID string) (*CacheEntry, bool) {
	value, found := c.cache.Get(itemID)
	if !found {
		return nil, false
	}
	return value.(*CacheEntry), true
}

// Set caches a URL until its expiry. Already-expired grants are ignored.
func (c *URLCache) Set(itemID, url string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	entry := &CacheEntry{
		URL:       url,
		CachedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}
	c.cache.Set(itemID, entry, ttl)
}

// Delete evicts the entry for an item
func (c *URLCache) Delete(itemID string) {
	c.cache.Delete(itemID)
}

// NeedsRefresh reports whether an entry has crossed the refresh threshold
// of its lifetime
func (c *URLCache) NeedsRefresh(entry *CacheEntry) bool {
	lifetime := entry.ExpiresAt.Sub(entry.CachedAt)
	if lifetime <= 0 {
		return true
	}
	elapsed := time.Since(entry.CachedAt)
	return float64(elapsed) >= float64(lifetime)*c.refreshThreshold
}
