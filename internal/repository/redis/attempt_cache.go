package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const (
	attemptPrefix = "attempts:"
	lockPrefix    = "lock:"
)

// AttemptCache tracks verification failure counters and temporary
// locks. Counters expire on their own; a lock rides out its TTL.
type AttemptCache struct {
	client *client.RedisClient
}

func NewAttemptCache(client *client.RedisClient) *AttemptCache {
	return &AttemptCache{client: client}
}

func (c *AttemptCache) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error) {
	count, err := c.client.IncrWithExpire(ctx, attemptPrefix+key, ttl)
	if err != nil {
		util.Error("Failed to increment attempt counter",
			zap.String("key", key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment attempt counter: %w", err)
	}

	util.Debug("Attempt counter incremented",
		zap.String("key", key),
		zap.Int64("count", count))

	return int(count), nil
}

func (c *AttemptCache) ResetCounter(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, attemptPrefix+key); err != nil {
		util.Error("Failed to reset attempt counter",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset attempt counter: %w", err)
	}

	util.Debug("Attempt counter reset", zap.String("key", key))
	return nil
}

func (c *AttemptCache) SetTemporaryLock(ctx context.Context, key string, ttl time.Duration) error {
	success, err := c.client.SetNX(ctx, lockPrefix+key, "locked", ttl)
	if err != nil {
		util.Error("Failed to set temporary lock",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to set temporary lock: %w", err)
	}

	if !success {
		// Already locked; the existing TTL keeps counting down.
		return nil
	}

	util.Info("Temporary lock set",
		zap.String("key", key),
		zap.Duration("ttl", ttl))

	return nil
}

func (c *AttemptCache) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := c.client.Exists(ctx, lockPrefix+key)
	if err != nil {
		util.Error("Failed to check temporary lock",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to check temporary lock: %w", err)
	}

	return exists, nil
}
