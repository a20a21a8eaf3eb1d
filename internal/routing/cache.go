package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-marketplace/internal/models"
)

// Cache stores routes keyed by their endpoints. Get reports false on a miss.
type Cache interface {
	Get(ctx context.Context, a, b models.Coord) (models.Route, bool)
	Set(ctx context.Context, a, b models.Coord, r models.Route)
}

// MemoryCache is a tiny in-memory cache for route lookups keyed by coords.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  models.Route
	ts time.Time
}

// NewMemoryCache creates a cache with the provided TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *MemoryCache) Get(_ context.Context, a, b models.Coord) (models.Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *MemoryCache) Set(_ context.Context, a, b models.Coord, v models.Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// RedisCache shares routes between API replicas.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "route:"}
}

func (c *RedisCache) Get(ctx context.Context, a, b models.Coord) (models.Route, bool) {
	raw, err := c.client.Get(ctx, c.prefix+keyFor(a, b)).Bytes()
	if err != nil {
		return models.Route{}, false
	}
	var r models.Route
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.Route{}, false
	}
	return r, true
}

func (c *RedisCache) Set(ctx context.Context, a, b models.Coord, r models.Route) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+keyFor(a, b), raw, c.ttl).Err()
}
