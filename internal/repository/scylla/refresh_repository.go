package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

// RefreshTokenRepository keeps one refresh slot per identity. The row
// is replaced on issuance and swapped conditionally on rotation, so at
// most one token can ever be active for an identity.
type RefreshTokenRepository struct {
	client *ScyllaClient
}

func NewRefreshTokenRepository(client *ScyllaClient, logger *zap.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		client: client,
	}
}

// Upsert replaces the identity's refresh slot unconditionally. Any
// previously active token is implicitly revoked by the overwrite.
func (r *RefreshTokenRepository) Upsert(ctx context.Context, record *model.RefreshTokenRecord) error {
	if record.IssuedAt.IsZero() {
		record.IssuedAt = time.Now().UTC()
	}

	query := r.client.Prepared.UpsertRefreshToken.WithContext(ctx).Bind(
		record.IdentityID, record.TokenHash, record.State,
		record.ExpiresAt, record.IssuedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert refresh token",
			zap.String("identity_id", record.IdentityID),
			zap.Error(err))
		return fmt.Errorf("failed to upsert refresh token: %w", err)
	}

	util.Info("Refresh token stored",
		zap.String("identity_id", record.IdentityID),
		zap.Time("expires_at", record.ExpiresAt))

	return nil
}

func (r *RefreshTokenRepository) Get(ctx context.Context, identityID string) (*model.RefreshTokenRecord, error) {
	record := &model.RefreshTokenRecord{}

	query := r.client.Prepared.GetRefreshToken.WithContext(ctx).Bind(identityID)
	err := r.client.ScanWithRetry(query,
		&record.IdentityID, &record.TokenHash, &record.State,
		&record.ExpiresAt, &record.IssuedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("no refresh token: %w", model.ErrNotFound)
		}
		util.Error("Failed to get refresh token",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	return record, nil
}

// Rotate swaps the slot to the next token only if the stored hash is
// still the expected one and the slot is still active. A false return
// with a nil error means another rotation or a revocation won the
// race; the presented token must then be treated as invalid.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, identityID, expectedHash string, next *model.RefreshTokenRecord) (bool, error) {
	var prevHash, prevState string
	var prevExpires, prevIssued time.Time

	applied, err := r.client.Session.Query(`
        UPDATE refresh_tokens
        SET token_hash = ?, state = ?, expires_at = ?, issued_at = ?
        WHERE identity_id = ?
        IF token_hash = ? AND state = ?`,
		next.TokenHash, next.State, next.ExpiresAt, next.IssuedAt,
		identityID, expectedHash, model.RefreshStateActive,
	).WithContext(ctx).ScanCAS(&prevHash, &prevState, &prevExpires, &prevIssued)

	if err != nil {
		util.Error("Failed to rotate refresh token",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	if !applied {
		util.Warn("Refresh rotation lost conditional swap",
			zap.String("identity_id", identityID),
			zap.String("slot_state", prevState))
		return false, nil
	}

	util.Info("Refresh token rotated", zap.String("identity_id", identityID))
	return true, nil
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, identityID string) error {
	query := r.client.Prepared.RevokeRefreshToken.WithContext(ctx).Bind(
		model.RefreshStateRevoked, identityID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to revoke refresh token",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	util.Info("Refresh token revoked", zap.String("identity_id", identityID))
	return nil
}
