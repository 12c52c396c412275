// Package cache keeps rendered fleet responses in Redis so repeated reads of
// /api/info and /api/stats skip the registry scan.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the service.
const DefaultPrefix = "beatmon:cache:"

const pingTimeout = 5 * time.Second

// Cache stores JSON response bodies under prefixed keys.
type Cache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New connects to redisURL and pings it once.
func New(ctx context.Context, redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	c := NewWithClient(client, DefaultPrefix, logger)
	c.logger.Info("response cache connected", "addr", opts.Addr, "db", opts.DB)
	return c, nil
}

// NewWithClient wraps an existing client. An empty prefix uses DefaultPrefix.
func NewWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "cache"),
	}
}

// Lookup returns the body stored under key. A miss is (nil, false, nil).
func (c *Cache) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		c.misses.Add(1)
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	c.hits.Add(1)
	return data, true, nil
}

// Store marshals v and keeps it for ttl.
func (c *Cache) Store(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Decode looks up key and unmarshals it into v, reporting whether it was found.
func (c *Cache) Decode(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := c.Lookup(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// Invalidate drops keys so the next read recomputes them.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	n, err := c.client.Del(ctx, full...).Result()
	if err != nil {
		return fmt.Errorf("invalidating %v: %w", keys, err)
	}
	c.logger.Debug("cache invalidated", "keys", keys, "removed", n)
	return nil
}

// Counters reports lookups served from and missed by the cache.
func (c *Cache) Counters() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	hits, misses := c.Counters()
	c.logger.Debug("closing redis client", "hits", hits, "misses", misses)
	return c.client.Close()
}
