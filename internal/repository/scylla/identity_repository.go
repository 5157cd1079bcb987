package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

var ErrIdentityNotFound = errors.New("identity not found")

// IdentityRepository persists identity records across the main table
// and the email/phone lookup tables. Lookup rows are claimed with
// IF NOT EXISTS so two concurrent registrations cannot share an
// email or phone.
type IdentityRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewIdentityRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, logger *zap.Logger) *IdentityRepository {
	return &IdentityRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *IdentityRepository) CreateIdentity(ctx context.Context, identity *model.Identity) error {
	if identity.IdentityID == "" {
		identity.IdentityID = uuid.New().String()
	}

	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	identity.Bucket = r.buckets.GetIdentityBucket(identity.IdentityID)

	// Claim the email first; it is the primary uniqueness anchor.
	applied, err := r.claimEmail(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return fmt.Errorf("email already registered: %w", model.ErrConflict)
	}

	if identity.Phone != "" {
		applied, err := r.claimPhone(ctx, identity)
		if err != nil {
			r.releaseEmail(ctx, identity.Email)
			return fmt.Errorf("failed to claim phone: %w", err)
		}
		if !applied {
			r.releaseEmail(ctx, identity.Email)
			return fmt.Errorf("phone already registered: %w", model.ErrConflict)
		}
	}

	query := r.client.Prepared.CreateIdentity.WithContext(ctx).Bind(
		identity.Bucket, identity.IdentityID, identity.Email, identity.Phone,
		identity.PhoneEncrypted, identity.FirstName, identity.LastName,
		identity.SecondLastName, identity.PasswordHash, identity.AuthMethod,
		identity.OAuthProvider, identity.OAuthSubject, identity.CredentialID,
		identity.PublicKey, identity.SignCount, identity.BiometricType,
		identity.CreatedAt, identity.UpdatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		r.releaseEmail(ctx, identity.Email)
		if identity.Phone != "" {
			r.releasePhone(ctx, identity.Phone)
		}
		util.Error("Failed to create identity",
			zap.String("identity_id", identity.IdentityID),
			zap.Error(err))
		return fmt.Errorf("failed to create identity: %w", err)
	}

	util.Info("Identity created",
		zap.String("identity_id", identity.IdentityID),
		zap.String("auth_method", identity.AuthMethod),
		zap.Int("bucket", identity.Bucket))

	return nil
}

func (r *IdentityRepository) claimEmail(ctx context.Context, identity *model.Identity) (bool, error) {
	var existingEmail string
	var existingBucket int
	var existingID gocql.UUID
	var existingCreated time.Time

	query := r.client.Prepared.CreateEmailIndex.WithContext(ctx).Bind(
		identity.Email, identity.Bucket, identity.IdentityID, identity.CreatedAt)

	return query.ScanCAS(&existingEmail, &existingBucket, &existingID, &existingCreated)
}

func (r *IdentityRepository) claimPhone(ctx context.Context, identity *model.Identity) (bool, error) {
	var existingPhone string
	var existingBucket int
	var existingID gocql.UUID
	var existingCreated time.Time

	query := r.client.Prepared.CreatePhoneIndex.WithContext(ctx).Bind(
		identity.Phone, identity.Bucket, identity.IdentityID, identity.CreatedAt)

	return query.ScanCAS(&existingPhone, &existingBucket, &existingID, &existingCreated)
}

func (r *IdentityRepository) releaseEmail(ctx context.Context, email string) {
	if err := r.client.Session.Query(
		`DELETE FROM identities_by_email WHERE email = ?`, email,
	).WithContext(ctx).Exec(); err != nil {
		util.Warn("Failed to release email claim", zap.Error(err))
	}
}

func (r *IdentityRepository) releasePhone(ctx context.Context, phone string) {
	if err := r.client.Session.Query(
		`DELETE FROM identities_by_phone WHERE phone = ?`, phone,
	).WithContext(ctx).Exec(); err != nil {
		util.Warn("Failed to release phone claim", zap.Error(err))
	}
}

func (r *IdentityRepository) GetIdentityByID(ctx context.Context, identityID string) (*model.Identity, error) {
	bucket := r.buckets.GetIdentityBucket(identityID)
	return r.scanIdentity(ctx, bucket, identityID)
}

func (r *IdentityRepository) GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error) {
	var bucket int
	var identityID string

	query := r.client.Prepared.GetEmailIndex.WithContext(ctx).Bind(email)
	if err := r.client.ScanWithRetry(query, &bucket, &identityID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to look up email index: %w", err)
	}

	return r.scanIdentity(ctx, bucket, identityID)
}

func (r *IdentityRepository) GetIdentityByPhone(ctx context.Context, phone string) (*model.Identity, error) {
	var bucket int
	var identityID string

	query := r.client.Prepared.GetPhoneIndex.WithContext(ctx).Bind(phone)
	if err := r.client.ScanWithRetry(query, &bucket, &identityID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to look up phone index: %w", err)
	}

	return r.scanIdentity(ctx, bucket, identityID)
}

func (r *IdentityRepository) scanIdentity(ctx context.Context, bucket int, identityID string) (*model.Identity, error) {
	identity := &model.Identity{}

	query := r.client.Prepared.GetIdentityByID.WithContext(ctx).Bind(bucket, identityID)
	err := r.client.ScanWithRetry(query,
		&identity.Bucket, &identity.IdentityID, &identity.Email, &identity.Phone,
		&identity.PhoneEncrypted, &identity.FirstName, &identity.LastName,
		&identity.SecondLastName, &identity.PasswordHash, &identity.AuthMethod,
		&identity.OAuthProvider, &identity.OAuthSubject, &identity.CredentialID,
		&identity.PublicKey, &identity.SignCount, &identity.BiometricType,
		&identity.CreatedAt, &identity.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrIdentityNotFound
		}
		util.Error("Failed to get identity",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	return identity, nil
}

func (r *IdentityRepository) UpdateOAuthLink(ctx context.Context, identityID, provider, subject string) error {
	bucket := r.buckets.GetIdentityBucket(identityID)

	query := r.client.Prepared.UpdateOAuthLink.WithContext(ctx).Bind(
		provider, subject, time.Now().UTC(), bucket, identityID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update OAuth link",
			zap.String("identity_id", identityID),
			zap.String("provider", provider),
			zap.Error(err))
		return fmt.Errorf("failed to update OAuth link: %w", err)
	}

	util.Info("OAuth link updated",
		zap.String("identity_id", identityID),
		zap.String("provider", provider))
	return nil
}

func (r *IdentityRepository) UpdateWebAuthnCredential(ctx context.Context, identityID string, credentialID, publicKey []byte, signCount uint32, biometricType string) error {
	bucket := r.buckets.GetIdentityBucket(identityID)

	query := r.client.Prepared.UpdateWebAuthnCredential.WithContext(ctx).Bind(
		credentialID, publicKey, signCount, biometricType, time.Now().UTC(),
		bucket, identityID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update WebAuthn credential",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return fmt.Errorf("failed to update WebAuthn credential: %w", err)
	}

	util.Info("WebAuthn credential stored",
		zap.String("identity_id", identityID),
		zap.String("biometric_type", biometricType))
	return nil
}

func (r *IdentityRepository) UpdateSignCount(ctx context.Context, identityID string, signCount uint32) error {
	bucket := r.buckets.GetIdentityBucket(identityID)

	query := r.client.Prepared.UpdateSignCount.WithContext(ctx).Bind(
		signCount, time.Now().UTC(), bucket, identityID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update sign count",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return fmt.Errorf("failed to update sign count: %w", err)
	}

	return nil
}

// DeleteIdentity removes the identity row and its lookup entries. Used
// as the compensating step when a multi-write registration fails part
// way through.
func (r *IdentityRepository) DeleteIdentity(ctx context.Context, identityID string) error {
	identity, err := r.GetIdentityByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil
		}
		return err
	}

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM identities WHERE bucket = ? AND identity_id = ?`,
		identity.Bucket, identity.IdentityID)
	batch.Query(`DELETE FROM identities_by_email WHERE email = ?`, identity.Email)
	if identity.Phone != "" {
		batch.Query(`DELETE FROM identities_by_phone WHERE phone = ?`, identity.Phone)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete identity",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return fmt.Errorf("failed to delete identity: %w", err)
	}

	util.Info("Identity deleted", zap.String("identity_id", identityID))
	return nil
}
