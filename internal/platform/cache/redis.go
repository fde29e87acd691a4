package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a Redis client and verifies it with a ping.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// Counters caches small integer values under a key prefix with a TTL.
type Counters struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewCounters returns a Counters cache. A nil client disables caching.
func NewCounters(client redis.UniversalClient, prefix string, ttl time.Duration) *Counters {
	return &Counters{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the cached value and whether it was present.
func (c *Counters) Get(ctx context.Context, key string) (int64, bool, error) {
	if c == nil || c.client == nil {
		return 0, false, nil
	}
	v, err := c.client.Get(ctx, c.prefix+key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("platform/cache: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key.
func (c *Counters) Set(ctx context.Context, key string, value int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, c.prefix+key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("platform/cache: set %s: %w", key, err)
	}
	return nil
}
