package permcache

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-gate/types"
)

// Cache memoizes permission chain outcomes per (method, path, actor)
// for the process lifetime. Every outcome is stored literally: allows,
// denials and fault descriptors replay identically until Flush. There
// is no TTL and no eviction.
type Cache struct {
	entries sync.Map
	group   singleflight.Group
	size    atomic.Int64
	logger  types.Logger

	hits       types.Counter
	misses     types.Counter
	sizeGauge  types.Gauge
	flushCount types.Counter
}

// NewCache wires the cache. metrics may be nil; counters are then
// skipped.
func NewCache(logger types.Logger, metrics types.MetricsManager) *Cache {
	c := &Cache{logger: logger}

	if metrics != nil {
		c.hits = metrics.Counter("permission_cache_hits_total", nil)
		c.misses = metrics.Counter("permission_cache_misses_total", nil)
		c.sizeGauge = metrics.Gauge("permission_cache_entries", nil)
		c.flushCount = metrics.Counter("permission_cache_flushes_total", nil)
	}

	return c
}

// Evaluate returns the memoized outcome for the key, computing it at
// most once. Concurrent callers for the same key share a single
// compute; the first outcome wins and is what every later call sees.
func (c *Cache) Evaluate(method, path, actor string, compute func() *types.Error) *types.Error {
	key := cacheKey(method, path, actor)

	if cached, ok := c.entries.Load(key); ok {
		c.recordHit()
		return cached.(*types.Error)
	}

	outcome, _, _ := c.group.Do(key, func() (interface{}, error) {
		if cached, ok := c.entries.Load(key); ok {
			c.recordHit()
			return cached, nil
		}

		result := compute()

		if _, loaded := c.entries.LoadOrStore(key, result); !loaded {
			c.size.Add(1)
			if c.sizeGauge != nil {
				c.sizeGauge.Inc()
			}
		}
		c.recordMiss()

		return result, nil
	})

	return outcome.(*types.Error)
}

// Flush drops every entry. Outcomes recompute on next evaluation.
func (c *Cache) Flush() {
	dropped := 0
	c.entries.Range(func(key, _ interface{}) bool {
		c.entries.Delete(key)
		dropped++
		return true
	})

	c.size.Store(0)
	if c.sizeGauge != nil {
		c.sizeGauge.Set(0)
	}
	if c.flushCount != nil {
		c.flushCount.Inc()
	}

	if c.logger != nil {
		c.logger.Info("Permission cache flushed", zap.Int("dropped", dropped))
	}
}

func (c *Cache) Size() int {
	return int(c.size.Load())
}

func (c *Cache) recordHit() {
	if c.hits != nil {
		c.hits.Inc()
	}
}

func (c *Cache) recordMiss() {
	if c.misses != nil {
		c.misses.Inc()
	}
}

func cacheKey(method, path, actor string) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(actor) + 2)
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(path)
	b.WriteByte(':')
	b.WriteString(actor)
	return b.String()
}

var _ types.PermissionCache = (*Cache)(nil)
