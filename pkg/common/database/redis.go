package database

import (
	"context"
	"fmt"
	"time"

	"github.com/citypulse/platform/pkg/common/config"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// NewRedis returns nil when Redis is disabled or unreachable; callers fall back to in-process behavior.
func NewRedis(cfg *config.Config) *redis.Client {
	if !cfg.RedisEnabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.WithError(err).Warn("Redis unavailable, continuing without it")
		_ = client.Close()
		return nil
	}
	logger.Log.Info("Connected to Redis")
	return client
}

func CloseRedis(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
