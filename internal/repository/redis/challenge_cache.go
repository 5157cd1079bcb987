package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

const challengePrefix = "wan:"

// ChallengeCache holds pending WebAuthn ceremony state keyed by
// identity and purpose. A record can be taken exactly once; the GETDEL
// read deletes it so a replayed finish call finds nothing.
type ChallengeCache struct {
	client *client.RedisClient
}

func NewChallengeCache(client *client.RedisClient) *ChallengeCache {
	return &ChallengeCache{client: client}
}

func challengeKey(identityID, purpose string) string {
	return challengePrefix + purpose + ":" + identityID
}

func (c *ChallengeCache) Put(ctx context.Context, record *model.ChallengeRecord, ttl time.Duration) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode challenge record: %w", err)
	}

	key := challengeKey(record.IdentityID, record.Purpose)
	if err := c.client.Set(ctx, key, payload, ttl); err != nil {
		util.Error("Failed to store challenge",
			zap.String("identity_id", record.IdentityID),
			zap.String("purpose", record.Purpose),
			zap.Error(err))
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	util.Debug("Challenge stored",
		zap.String("identity_id", record.IdentityID),
		zap.String("purpose", record.Purpose),
		zap.Duration("ttl", ttl))

	return nil
}

// Take fetches and removes the pending challenge in one round trip.
func (c *ChallengeCache) Take(ctx context.Context, identityID, purpose string) (*model.ChallengeRecord, error) {
	key := challengeKey(identityID, purpose)

	payload, err := c.client.GetDel(ctx, key)
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return nil, fmt.Errorf("no pending challenge: %w", model.ErrNotFound)
		}
		util.Error("Failed to take challenge",
			zap.String("identity_id", identityID),
			zap.String("purpose", purpose),
			zap.Error(err))
		return nil, fmt.Errorf("failed to take challenge: %w", err)
	}

	record := &model.ChallengeRecord{}
	if err := json.Unmarshal([]byte(payload), record); err != nil {
		return nil, fmt.Errorf("failed to decode challenge record: %w", err)
	}

	util.Debug("Challenge taken",
		zap.String("identity_id", identityID),
		zap.String("purpose", purpose))

	return record, nil
}
