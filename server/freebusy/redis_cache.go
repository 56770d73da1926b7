package freebusy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares free-busy results between processes. Entries are
// stored as JSON under prefix+key.
type RedisCache struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	jitter    time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
}

// RedisCacheOption configures a RedisCache
type RedisCacheOption func(*RedisCache)

// WithCacheLogger sets the logger
func WithCacheLogger(l *slog.Logger) RedisCacheOption {
	return func(c *RedisCache) { c.logger = l }
}

// NewRedisCache creates a redis backed cache.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl, jitter time.Duration, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		jitter:    jitter,
		opTimeout: 2 * time.Second,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) Get(key string) (*CacheEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("free-busy cache read failed", "key", key, "error", err)
		return nil, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("discarding corrupt free-busy cache entry", "key", key, "error", err)
		c.Invalidate(key)
		return nil, false
	}
	return &entry, true
}

func (c *RedisCache) Set(entry *CacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("free-busy cache encode failed", "key", entry.Key, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, c.prefix+entry.Key, data, jittered(c.ttl, c.jitter)).Err(); err != nil {
		c.logger.Warn("free-busy cache write failed", "key", entry.Key, "error", err)
	}
}

func (c *RedisCache) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		c.logger.Warn("free-busy cache invalidate failed", "key", key, "error", err)
	}
}
