package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "settings:version"

// entry is the cached form of a lookup, including misses.
type entry struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// Cache keeps resolved settings in redis under a versioned key space. Redis
// failures never hide the store: lookups fall through to the loader.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// Version returns the current cache version, initialising when missing. The
// LMS side invalidates every cached setting by incrementing settings:version.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) || (err == nil && ver <= 0) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *Cache) key(ctx context.Context, name string) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("settings:%s:%d", name, ver), nil
}

// fetch loads a cached entry or populates it using the loader.
func (c *Cache) fetch(ctx context.Context, name string, loader func(context.Context) (entry, error)) (entry, error) {
	if !c.enabled() {
		return loader(ctx)
	}
	key, err := c.key(ctx, name)
	if err != nil {
		c.warn("settings cache version", name, err)
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached entry
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
		c.warn("settings cache decode", name, err)
	case !errors.Is(err, redis.Nil):
		c.warn("settings cache read", name, err)
		return loader(ctx)
	}

	value, err := loader(ctx)
	if err != nil {
		return entry{}, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return entry{}, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.warn("settings cache write", name, err)
	}
	return value, nil
}

func (c *Cache) warn(msg, name string, err error) {
	c.logger.Warn(msg+", reading store", slog.String("key", name), slog.Any("error", err))
}
