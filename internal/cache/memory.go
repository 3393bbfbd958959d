package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache is an in-memory cache with a capacity bound and a fixed TTL
type MemoryCache struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryCache creates a new in-memory cache and starts its expiry loop
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []byte](ttl),
		ttlcache.WithCapacity[string, []byte](uint64(size)),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go cache.Start()

	return &MemoryCache{cache: cache}
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(key string) ([]byte, bool) {
	item := mc.cache.Get(key)
	if item == nil || item.IsExpired() {
		return nil, false
	}
	return item.Value(), true
}

// Set stores a value in the cache
func (mc *MemoryCache) Set(key string, value []byte) {
	mc.cache.Set(key, value, ttlcache.DefaultTTL)
}

// Len returns the number of cached entries
func (mc *MemoryCache) Len() int {
	return mc.cache.Len()
}

// Close stops the expiry loop
func (mc *MemoryCache) Close() {
	mc.cache.Stop()
}

// NoopCache is a cache that does nothing (used when caching is disabled)
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

// Get always returns not found
func (nc *NoopCache) Get(string) ([]byte, bool) {
	return nil, false
}

// Set does nothing
func (nc *NoopCache) Set(string, []byte) {}

// Close does nothing
func (nc *NoopCache) Close() {}
