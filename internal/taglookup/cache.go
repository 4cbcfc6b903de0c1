package taglookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// negativeEntry marks a cached "no tag" answer.
const negativeEntry = "none"

// Cache keeps tag lookups in redis so repeated numbers skip the upstream.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{redis: rdb, ttl: ttl}
}

func cacheKey(number string) string {
	return "screenlens:tag:" + number
}

// Get returns the cached tag. found=true with a nil tag means a cached
// negative answer.
func (c *Cache) Get(ctx context.Context, number string) (*Tag, bool, error) {
	raw, err := c.redis.Get(ctx, cacheKey(number)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("tag cache get: %w", err)
	}
	if raw == negativeEntry {
		return nil, true, nil
	}
	var tag Tag
	if err := json.Unmarshal([]byte(raw), &tag); err != nil {
		return nil, false, fmt.Errorf("decode cached tag: %w", err)
	}
	return &tag, true, nil
}

func (c *Cache) Put(ctx context.Context, number string, tag *Tag) error {
	value := negativeEntry
	if tag != nil {
		b, err := json.Marshal(tag)
		if err != nil {
			return fmt.Errorf("encode tag: %w", err)
		}
		value = string(b)
	}
	if err := c.redis.Set(ctx, cacheKey(number), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("tag cache set: %w", err)
	}
	return nil
}
