package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

// OTPRepository persists one-time codes partitioned by identity. A
// partition stays small because issuing a new code expires the ones
// before it.
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient, logger *zap.Logger) *OTPRepository {
	return &OTPRepository{
		client: client,
	}
}

func (r *OTPRepository) CreateOTP(ctx context.Context, otp *model.OTPRecord) error {
	if otp.OTPID == "" {
		otp.OTPID = uuid.New().String()
	}

	now := time.Now().UTC()
	otp.CreatedAt = now
	if otp.State == "" {
		otp.State = model.OTPStateActive
	}

	query := r.client.Prepared.CreateOTP.WithContext(ctx).Bind(
		otp.IdentityID, otp.OTPID, otp.CodeHash, otp.State,
		otp.ExpiresAt, otp.CreatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP",
			zap.String("identity_id", otp.IdentityID),
			zap.String("otp_id", otp.OTPID),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP: %w", err)
	}

	util.Info("OTP created",
		zap.String("identity_id", otp.IdentityID),
		zap.String("otp_id", otp.OTPID),
		zap.Time("expires_at", otp.ExpiresAt))

	return nil
}

// GetLatestOTP returns the most recently issued code for the identity,
// regardless of state. The caller decides what an expired or used code
// means for its flow.
func (r *OTPRepository) GetLatestOTP(ctx context.Context, identityID string) (*model.OTPRecord, error) {
	iter := r.client.Session.Query(`
        SELECT otp_id, identity_id, code_hash, state, expires_at, created_at
        FROM otp_codes WHERE identity_id = ?`, identityID).WithContext(ctx).Iter()

	var latest *model.OTPRecord
	row := &model.OTPRecord{}
	for iter.Scan(&row.OTPID, &row.IdentityID, &row.CodeHash, &row.State,
		&row.ExpiresAt, &row.CreatedAt) {
		if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
			copied := *row
			latest = &copied
		}
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to read OTPs",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read OTPs: %w", err)
	}

	if latest == nil {
		return nil, fmt.Errorf("no OTP issued: %w", model.ErrNotFound)
	}

	return latest, nil
}

func (r *OTPRepository) UpdateOTPState(ctx context.Context, identityID, otpID, state string) error {
	query := r.client.Prepared.UpdateOTPState.WithContext(ctx).Bind(state, identityID, otpID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update OTP state",
			zap.String("identity_id", identityID),
			zap.String("otp_id", otpID),
			zap.String("state", state),
			zap.Error(err))
		return fmt.Errorf("failed to update OTP state: %w", err)
	}

	util.Info("OTP state updated",
		zap.String("otp_id", otpID),
		zap.String("state", state))

	return nil
}

// ExpireActiveOTPs marks every still-active code for the identity as
// expired. Called when a new code is issued and on logout.
func (r *OTPRepository) ExpireActiveOTPs(ctx context.Context, identityID string) error {
	iter := r.client.Session.Query(`
        SELECT otp_id, state FROM otp_codes WHERE identity_id = ?`,
		identityID).WithContext(ctx).Iter()

	var otpID, state string
	expired := 0

	batch := r.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
	for iter.Scan(&otpID, &state) {
		if state != model.OTPStateActive {
			continue
		}
		batch.Query(`UPDATE otp_codes SET state = ? WHERE identity_id = ? AND otp_id = ?`,
			model.OTPStateExpired, identityID, otpID)
		expired++
	}

	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to list active OTPs: %w", err)
	}

	if expired == 0 {
		return nil
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to expire active OTPs",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return fmt.Errorf("failed to expire active OTPs: %w", err)
	}

	util.Info("Active OTPs expired",
		zap.String("identity_id", identityID),
		zap.Int("count", expired))

	return nil
}
