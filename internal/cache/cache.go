package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache stores the most recent upstream timestamp per layer. Get returns the
// cached value if present and not expired, Set stores a value with TTL.
type Cache interface {
	Get(ctx context.Context, layer string) (time.Time, bool, error)
	Set(ctx context.Context, layer string, ts time.Time, ttl time.Duration) error
}

// InMemoryCache implements Cache with a mutex-guarded map. Expired entries are
// removed on access.
type InMemoryCache struct {
	mu    sync.Mutex
	data  map[string]entry
	clock clockwork.Clock
}

type entry struct {
	value     time.Time
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache using the real clock.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(clockwork.NewRealClock())
}

// NewInMemoryCacheWithClock creates an in-memory cache with an injected clock
// so tests can step time past TTLs.
func NewInMemoryCacheWithClock(clock clockwork.Clock) *InMemoryCache {
	return &InMemoryCache{
		data:  make(map[string]entry),
		clock: clock,
	}
}

// Get returns the cached timestamp for the layer if present and not expired.
func (c *InMemoryCache) Get(ctx context.Context, layer string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[layer]
	if !ok {
		return time.Time{}, false, nil
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.data, layer)
		return time.Time{}, false, nil
	}
	return e.value, true, nil
}

// Set stores the timestamp for the layer with the given TTL.
func (c *InMemoryCache) Set(ctx context.Context, layer string, ts time.Time, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[layer] = entry{
		value:     ts,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}
