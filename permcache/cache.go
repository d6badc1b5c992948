package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when no cached permission set exists.
var ErrMiss = errors.New("permission cache miss")

// ErrRedisUnavailable wraps cache failures caused by the Redis backend.
// The guard treats it as a failed miss: the request is denied, never
// allowed on stale or absent data.
var ErrRedisUnavailable = errors.New("redis unavailable")

// Cache memoizes resolved permission sets in Redis, keyed by user ID.
// Because the cache is shared, a DEL performed by the invalidating
// process is immediately visible to every process; the broadcast on the
// event bus exists so processes can react (and so the invariant holds
// even for deployments that layer process-local caching on top).
type Cache struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a permission [Cache] with the given key prefix and default
// entry TTL.
func New(redis redis.UniversalClient, prefix string, ttl time.Duration) *Cache {
	return &Cache{
		redis:  redis,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *Cache) key(userID string) string {
	return c.prefix + ":p:" + userID
}

// Get returns the cached permission set for a user, or [ErrMiss].
func (c *Cache) Get(ctx context.Context, userID string) ([]string, error) {
	data, err := c.redis.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var perms []string
	if err := json.Unmarshal(data, &perms); err != nil {
		// A corrupt entry is as good as absent.
		return nil, ErrMiss
	}
	return perms, nil
}

// Put stores a permission set with the default TTL.
func (c *Cache) Put(ctx context.Context, userID string, perms []string) error {
	if perms == nil {
		perms = []string{}
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return err
	}

	if err := c.redis.Set(ctx, c.key(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Invalidate removes the cached set for a user. Invalidating an absent
// entry is a no-op, not an error.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.redis.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
