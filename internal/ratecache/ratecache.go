// Package ratecache caches raw conversion-rate responses in Redis so that
// repeated runs within the TTL do not hit the rate endpoint again.
package ratecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const keyPrefix = "salesetl:rates:"

// Cache stores response bodies keyed by request URL. Redis failures are
// logged and reported as misses; they never fail a run.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New wraps an existing client.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger.Named("ratecache")}
}

// NewFromURL connects to redis://[:password@]host:port/db, or a bare
// host:port address.
func NewFromURL(rawURL string, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	var opts *redis.Options
	if strings.Contains(rawURL, "://") {
		parsed, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: rawURL}
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return New(redis.NewClient(opts), ttl, logger), nil
}

func cacheKey(url string) string { return keyPrefix + url }

// Get returns the cached body for url.
func (c *Cache) Get(ctx context.Context, url string) ([]byte, bool) {
	body, err := c.client.Get(ctx, cacheKey(url)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("rate cache read failed", zap.String("url", url), zap.Error(err))
		} else {
			c.logger.Debug("cache miss", zap.String("url", url))
		}
		return nil, false
	}
	c.logger.Debug("cache hit", zap.String("url", url), zap.Int("bytes", len(body)))
	return body, true
}

// Set stores body for url with the cache TTL.
func (c *Cache) Set(ctx context.Context, url string, body []byte) {
	if err := c.client.Set(ctx, cacheKey(url), body, c.ttl).Err(); err != nil {
		c.logger.Warn("rate cache write failed", zap.String("url", url), zap.Error(err))
	}
}

// Invalidate drops the cached body for url.
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	return c.client.Del(ctx, cacheKey(url)).Err()
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
