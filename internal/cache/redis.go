// Package cache provides an optional Redis read-through cache for current
// record versions. The platform runs fine without it; when configured it
// absorbs the read traffic of the portal's listing pages.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crestfund/api/internal/store"
)

// ErrMiss reports that the key is not cached.
var ErrMiss = errors.New("cache miss")

type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to the Redis named by redisURL and verifies the
// connection before returning.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: "current:", ttl: ttl}, nil
}

// NewRedisCacheWithClient creates a cache from an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: "current:", ttl: ttl}
}

func (c *RedisCache) key(kind, id string) string {
	return c.prefix + kind + ":" + id
}

// GetCurrent returns the cached current version, or ErrMiss.
func (c *RedisCache) GetCurrent(ctx context.Context, kind, id string) (store.Record, error) {
	raw, err := c.client.Get(ctx, c.key(kind, id)).Result()
	if err == redis.Nil {
		return store.Record{}, ErrMiss
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("cache get: %w", err)
	}
	var rec store.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return store.Record{}, fmt.Errorf("cache decode: %w", err)
	}
	return rec, nil
}

// SetCurrent caches a current version with the configured TTL.
func (c *RedisCache) SetCurrent(ctx context.Context, rec store.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(rec.Kind, rec.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate drops the cached entry after an append or purge.
func (c *RedisCache) Invalidate(ctx context.Context, kind, id string) error {
	if err := c.client.Del(ctx, c.key(kind, id)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
