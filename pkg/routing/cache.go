package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"

	"lifeline-dispatch/pkg/ontology"
)

// Cache holds recently resolved estimates with a short TTL so rapidly
// repeated queries on the same pair do not hammer the providers, and so an
// offline system still has a recent answer for a nearby pair.
type Cache interface {
	Get(ctx context.Context, key string) (*ontology.RouteEstimate, error)
	Set(ctx context.Context, key string, est *ontology.RouteEstimate) error
}

// RedisCache stores estimates as JSON strings in Redis with expiration.
type RedisCache struct {
	inner *cache.Cache[string]
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	redisStore := redisstore.NewRedis(client, store.WithExpiration(ttl))
	return &RedisCache{inner: cache.New[string](redisStore)}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*ontology.RouteEstimate, error) {
	raw, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var est ontology.RouteEstimate
	if err := json.Unmarshal([]byte(raw), &est); err != nil {
		return nil, fmt.Errorf("cached estimate %q: %w", key, err)
	}
	return &est, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, est *ontology.RouteEstimate) error {
	raw, err := json.Marshal(est)
	if err != nil {
		return err
	}
	return c.inner.Set(ctx, key, string(raw))
}

// CacheKey buckets both endpoints into ~110m grid cells, so lookups hit for
// nearby origin/destination pairs, not just identical ones.
func CacheKey(origin, dest ontology.Coordinate) string {
	return fmt.Sprintf("route:%.3f,%.3f:%.3f,%.3f",
		origin.Latitude, origin.Longitude, dest.Latitude, dest.Longitude)
}
