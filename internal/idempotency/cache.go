// Package idempotency caches upload-initiation responses keyed by the
// client-supplied idempotency key, so a retried request gets back the same
// correlation id and upload URL instead of a second upload slot.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idem:upload:"

// Cache stores idempotency records in Redis with a TTL.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache creates an idempotency cache.
// Parameters:
//   - rdb: redis client shared with the rest of the process.
//   - ttl: how long a cached response stays replayable.
// Returns:
//   - *Cache: initialized cache.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get returns the cached value for an idempotency key, or (nil, nil) when the
// key is unknown or expired.
func (c *Cache) Get(ctx context.Context, key string, value any) (bool, error) {
	if key == "" {
		return false, nil
	}
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return true, nil
}

// Set stores a response under an idempotency key. An empty key is a no-op so
// callers can pass the header value through unchecked.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode response for caching: %w", err)
	}
	return c.rdb.Set(ctx, keyPrefix+key, payload, c.ttl).Err()
}
