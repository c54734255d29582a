package geo

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const missMarker = "none"

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Coordinates, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if raw == missMarker {
		return nil, true, nil
	}
	var coords Coordinates
	if err := json.Unmarshal([]byte(raw), &coords); err != nil {
		return nil, false, err
	}
	return &coords, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, coords *Coordinates, ttl time.Duration) error {
	if coords == nil {
		return c.client.Set(ctx, key, missMarker, ttl).Err()
	}
	raw, err := json.Marshal(coords)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}
