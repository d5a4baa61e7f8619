package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ContactCache stores serialized user contacts under a TTL.
type ContactCache struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewContactCache(client *Client, logger *zap.Logger, ttl time.Duration) *ContactCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ContactCache{client: client, logger: logger, ttl: ttl}
}

func (c *ContactCache) key(userID string) string {
	return "courier:contact:" + userID
}

// Get returns the cached payload, or (nil, nil) on a miss.
func (c *ContactCache) Get(ctx context.Context, userID string) ([]byte, error) {
	val, err := c.client.rdb.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

func (c *ContactCache) Set(ctx context.Context, userID string, payload []byte) error {
	if err := c.client.rdb.Set(ctx, c.key(userID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *ContactCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.rdb.Del(ctx, c.key(userID)).Err()
}
