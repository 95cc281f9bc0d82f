// redis.go -- go-redis client for the principal read-through cache.
//
// Caches the non-secret view of a user for a short TTL so the resolver
// skips the database on hot paths. The database stays the source of truth;
// every write through the handlers invalidates the entry.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects, and pings.
// Call once at startup from main.go; the client is safe for concurrent use.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisCache stores CachedPrincipal JSON under "principal:<id>".
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache wraps an existing client; entries live for ttl.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// GetPrincipal returns ErrCacheMiss when the key is absent.
func (c *RedisCache) GetPrincipal(ctx context.Context, id uuid.UUID) (*CachedPrincipal, error) {
	raw, err := c.rdb.Get(ctx, principalKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching principal: %w", err)
	}

	var cached CachedPrincipal
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing principal: %w", err)
	}
	return &cached, nil
}

// SetPrincipal caches p for the configured TTL.
func (c *RedisCache) SetPrincipal(ctx context.Context, p CachedPrincipal) error {
	// Redis SET with TTL=0 means no expiry, not immediate expiry.
	if c.ttl <= 0 {
		return nil
	}
	out, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling principal: %w", err)
	}
	if err := c.rdb.Set(ctx, principalKey(p.ID), out, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching principal: %w", err)
	}
	return nil
}

// DeletePrincipal drops the entry; a missing key is not an error.
func (c *RedisCache) DeletePrincipal(ctx context.Context, id uuid.UUID) error {
	if err := c.rdb.Del(ctx, principalKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting principal: %w", err)
	}
	return nil
}

// CheckHealth pings Redis.
func (c *RedisCache) CheckHealth(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
