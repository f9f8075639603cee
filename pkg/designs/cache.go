package designs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/storage/memcache"
	"github.com/platinummonkey/netforge/pkg/storage/redisstore"
)

// CacheConfig sizes the two cache tiers
type CacheConfig struct {
	L1Size int
	L1TTL  time.Duration
	L2TTL  time.Duration
}

// DefaultCacheConfig keeps 1000 designs in memory for 30s and in Redis for 10m
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{L1Size: 1000, L1TTL: 30 * time.Second, L2TTL: 10 * time.Minute}
}

// CacheStats reports hit counts per tier
type CacheStats struct {
	L1Hits  int64   `json:"l1_hits"`
	L2Hits  int64   `json:"l2_hits"`
	Misses  int64   `json:"misses"`
	Items   int     `json:"items"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a read-through design cache: an in-process LRU in front of Redis.
// Either tier may be absent. Cached designs are shared and must not be
// mutated; callers clone before editing.
type Cache struct {
	l1      *memcache.Cache[*Design]
	l2      *redisstore.Client
	l2TTL   time.Duration
	metrics *observability.Metrics
	logger  *observability.Logger

	l1Hits atomic.Int64
	l2Hits atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache. redis and metrics may be nil.
func NewCache(cfg CacheConfig, redis *redisstore.Client, metrics *observability.Metrics, logger *observability.Logger) *Cache {
	if cfg.L1Size <= 0 {
		cfg.L1Size = 1000
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	c := &Cache{l2: redis, l2TTL: cfg.L2TTL, metrics: metrics, logger: logger}
	if cfg.L1TTL > 0 {
		c.l1 = memcache.New[*Design](cfg.L1Size, cfg.L1TTL)
	}
	return c
}

// CacheKey is the Redis key for a design
func CacheKey(orgID, id string) string {
	return fmt.Sprintf("design:%s:%s", orgID, id)
}

// Get returns a cached design. Redis errors are logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, orgID, id string) (*Design, bool) {
	if c == nil {
		return nil, false
	}
	key := CacheKey(orgID, id)
	if c.l1 != nil {
		if d, ok := c.l1.Get(key); ok {
			c.hit("l1", &c.l1Hits)
			return d, true
		}
	}
	if c.l2 != nil {
		var d Design
		found, err := c.l2.GetJSON(ctx, key, &d)
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("design cache read failed")
		}
		if found {
			c.hit("l2", &c.l2Hits)
			if c.l1 != nil {
				c.l1.Add(key, &d)
			}
			return &d, true
		}
	}
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues("all").Inc()
	}
	return nil, false
}

func (c *Cache) hit(tier string, counter *atomic.Int64) {
	counter.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(tier).Inc()
	}
}

// Set stores d in both tiers
func (c *Cache) Set(ctx context.Context, d *Design) {
	if c == nil || d == nil {
		return
	}
	key := CacheKey(d.OrgID, d.HexID())
	if c.l1 != nil {
		c.l1.Add(key, d)
	}
	if c.l2 != nil {
		if err := c.l2.SetJSON(ctx, key, d, c.l2TTL); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("design cache write failed")
		}
	}
}

// Invalidate drops a design from both tiers
func (c *Cache) Invalidate(ctx context.Context, orgID, id string) {
	if c == nil {
		return
	}
	key := CacheKey(orgID, id)
	if c.l1 != nil {
		c.l1.Remove(key)
	}
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("design cache invalidation failed")
		}
	}
}

// InvalidateOrg drops every cached design of orgID
func (c *Cache) InvalidateOrg(ctx context.Context, orgID string) {
	if c == nil {
		return
	}
	prefix := CacheKey(orgID, "")
	if c.l1 != nil {
		c.l1.RemovePrefix(prefix)
	}
	if c.l2 != nil {
		if err := c.l2.InvalidatePatterns(ctx, prefix+"*"); err != nil {
			c.logger.WithError(err).WithField("org_id", orgID).Warn("design cache invalidation failed")
		}
	}
}

// Stats returns hit counters
func (c *Cache) Stats() CacheStats {
	s := CacheStats{L1Hits: c.l1Hits.Load(), L2Hits: c.l2Hits.Load(), Misses: c.misses.Load()}
	if c.l1 != nil {
		s.Items = c.l1.Len()
	}
	if total := s.L1Hits + s.L2Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.L1Hits+s.L2Hits) / float64(total)
	}
	return s
}
