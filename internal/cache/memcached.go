package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "ndfdkml:"

// MemcachedCache implements Cache using memcached. Timestamps are stored as
// RFC3339Nano strings so entries stay readable in cache dumps.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(layer string) string {
	return keyPrefix + layer
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, layer string) (time.Time, bool, error) {
	if ctx.Err() != nil {
		return time.Time{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(layer))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("memcached get: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, string(item.Value))
	if err != nil {
		// Unreadable entry; treat as miss so the next Set repairs it.
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

// Set implements Cache.Set. TTL is rounded up to whole seconds as required by
// the memcached protocol.
func (c *MemcachedCache) Set(ctx context.Context, layer string, ts time.Time, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	seconds := int32((ttl + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	err := c.client.Set(&memcache.Item{
		Key:        c.key(layer),
		Value:      []byte(ts.UTC().Format(time.RFC3339Nano)),
		Expiration: seconds,
	})
	if err != nil {
		return fmt.Errorf("memcached set: %w", err)
	}
	return nil
}

// Ping checks memcached reachability for health reporting.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close releases idle connections.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
