// Package cache is the namespaced key-value store with TTL exposed to
// integration processors through their context.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a redis-backed KV scoped to one namespace.
type Cache struct {
	rdb       *redis.Client
	namespace string
}

func New(rdb *redis.Client, namespace string) *Cache {
	return &Cache{rdb: rdb, namespace: namespace}
}

func (c *Cache) key(k string) string { return "cache:" + c.namespace + ":" + k }

func (c *Cache) Get(ctx context.Context, k string) (string, error) {
	v, err := c.rdb.Get(ctx, c.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (c *Cache) Set(ctx context.Context, k, v string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.key(k), v, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, k string) error {
	return c.rdb.Del(ctx, c.key(k)).Err()
}
