// memcache.go -- In-process principal caches for deployments without Redis.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/gofrs/uuid/v5"
)

// MemoryCache is a bigcache-backed principal cache local to this process.
// Entries carry their own deadline so a stale read never outlives ttl,
// regardless of when bigcache's cleaner runs.
type MemoryCache struct {
	cache *bigcache.BigCache
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryCache returns an empty cache whose entries expire after ttl.
func NewMemoryCache(ctx context.Context, ttl time.Duration) (*MemoryCache, error) {
	if ttl <= 0 {
		return nil, errors.New("memory cache ttl must be positive")
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = max(ttl, time.Second)
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating bigcache: %w", err)
	}
	return &MemoryCache{cache: cache, ttl: ttl, now: time.Now}, nil
}

// Close stops bigcache's cleaner goroutine.
func (c *MemoryCache) Close() error {
	return c.cache.Close()
}

// GetPrincipal returns ErrCacheMiss for absent or expired entries.
func (c *MemoryCache) GetPrincipal(_ context.Context, id uuid.UUID) (*CachedPrincipal, error) {
	raw, err := c.cache.Get(principalKey(id))
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching principal: %w", err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("parsing principal: short entry")
	}

	deadline := int64(binary.BigEndian.Uint64(raw[:8]))
	if c.now().UnixNano() >= deadline {
		return nil, ErrCacheMiss
	}

	var cached CachedPrincipal
	if err := json.Unmarshal(raw[8:], &cached); err != nil {
		return nil, fmt.Errorf("parsing principal: %w", err)
	}
	return &cached, nil
}

// SetPrincipal stores p with a deadline of now+ttl.
func (c *MemoryCache) SetPrincipal(_ context.Context, p CachedPrincipal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling principal: %w", err)
	}
	entry := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint64(entry, uint64(c.now().Add(c.ttl).UnixNano()))
	entry = append(entry, body...)

	if err := c.cache.Set(principalKey(p.ID), entry); err != nil {
		return fmt.Errorf("caching principal: %w", err)
	}
	return nil
}

// DeletePrincipal drops the entry; a missing key is not an error.
func (c *MemoryCache) DeletePrincipal(_ context.Context, id uuid.UUID) error {
	if err := c.cache.Delete(principalKey(id)); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("deleting principal: %w", err)
	}
	return nil
}

// CheckHealth always succeeds; the cache lives in this process.
func (c *MemoryCache) CheckHealth(context.Context) error {
	return nil
}

// NoopCache disables principal caching (PRINCIPAL_CACHE_TTL=0).
// Every read misses with ErrCacheDisabled; writes are dropped.
type NoopCache struct{}

func (NoopCache) GetPrincipal(context.Context, uuid.UUID) (*CachedPrincipal, error) {
	return nil, ErrCacheDisabled
}

func (NoopCache) SetPrincipal(context.Context, CachedPrincipal) error { return nil }

func (NoopCache) DeletePrincipal(context.Context, uuid.UUID) error { return nil }

// CheckHealth reports ErrCacheDisabled so health output can say "disabled".
func (NoopCache) CheckHealth(context.Context) error {
	return ErrCacheDisabled
}
