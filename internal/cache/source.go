package cache

import (
	"context"
	"strings"
	"time"

	"github.com/kjstillabower/ndfd-kml-publisher/internal/observability"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/wms"
)

// Source wraps a wms.TimeSource with cache-aside lookup. Health probes and the
// status API share the refresh cycle's result instead of hammering upstream.
// A cache failure is never fatal; the lookup falls through to upstream.
type Source struct {
	upstream  wms.TimeSource
	cache     Cache
	ttl       time.Duration
	cacheType string
}

// NewSource wraps upstream with the cache. cacheType labels hit metrics
// ("in_memory" or "memcached").
func NewSource(upstream wms.TimeSource, c Cache, ttl time.Duration, cacheType string) *Source {
	return &Source{
		upstream:  upstream,
		cache:     c,
		ttl:       ttl,
		cacheType: cacheType,
	}
}

// LatestTimestamp implements wms.TimeSource.
func (s *Source) LatestTimestamp(ctx context.Context, layer string) (time.Time, error) {
	cached, ok, err := s.cache.Get(ctx, layer)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeError(err)).Inc()
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(s.cacheType).Inc()
		return cached, nil
	}

	ts, err := s.upstream.LatestTimestamp(ctx, layer)
	if err != nil {
		return time.Time{}, err
	}

	if setErr := s.cache.Set(ctx, layer, ts, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeError(setErr)).Inc()
	}
	return ts, nil
}

// categorizeError returns a stable label for cache error metrics.
func categorizeError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
