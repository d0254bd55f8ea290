package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/drivehub/internal/models"
)

// Cache stores routes for a freshness window.
type Cache interface {
	Get(ctx context.Context, key string) (models.Route, bool)
	Set(ctx context.Context, key string, r models.Route)
}

// keyFor rounds to ~1 m so jitter in repeated client fixes hits the same entry.
func keyFor(a, b models.Coordinate) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coordinate) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// MemoryCache is a tiny in-process cache with a TTL.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  models.Route
	ts time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, k string) (models.Route, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.Route{}, false
	}
	return e.v, true
}

func (c *MemoryCache) Set(_ context.Context, k string, r models.Route) {
	c.mu.Lock()
	c.store[k] = cacheEntry{v: r, ts: c.now()}
	c.mu.Unlock()
}

// RedisCache shares routes between dispatch instances.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "route:", ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, k string) (models.Route, bool) {
	b, err := r.client.Get(ctx, r.prefix+k).Bytes()
	if err != nil {
		return models.Route{}, false
	}
	var rt models.Route
	if err := json.Unmarshal(b, &rt); err != nil {
		return models.Route{}, false
	}
	return rt, true
}

func (r *RedisCache) Set(ctx context.Context, k string, rt models.Route) {
	b, err := json.Marshal(rt)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, r.prefix+k, b, r.ttl).Err()
}
