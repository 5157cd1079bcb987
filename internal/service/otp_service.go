package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/sms"
	"identity-service/internal/util"
)

const otpCodeLength = 6

// OTPService runs the SMS one-time-code login factor: issue a short
// lived code to a phone number, then verify it exactly once. A
// successful verification opens a session like any other factor.
type OTPService struct {
	identities model.IdentityRepository
	otps       model.OTPRepository
	attempts   model.AttemptCache
	hasher     *hashing.Hasher
	sender     sms.Sender
	auth       *AuthService
	recorder   *audit.Recorder
	cfg        *config.Config
	now        func() time.Time
}

// NewOTPService creates a new OTP service
func NewOTPService(
	identities model.IdentityRepository,
	otps model.OTPRepository,
	attempts model.AttemptCache,
	hasher *hashing.Hasher,
	sender sms.Sender,
	auth *AuthService,
	recorder *audit.Recorder,
	cfg *config.Config,
) *OTPService {
	return &OTPService{
		identities: identities,
		otps:       otps,
		attempts:   attempts,
		hasher:     hasher,
		sender:     sender,
		auth:       auth,
		recorder:   recorder,
		cfg:        cfg,
		now:        time.Now,
	}
}

// IssueOTP generates a fresh code for the identity registered under the
// phone number and delivers it by SMS. Any previously active code is
// expired first, so at most one code is verifiable at a time.
func (s *OTPService) IssueOTP(ctx context.Context, phone string) error {
	if phone == "" {
		return fmt.Errorf("%w: phone is required", model.ErrInvalidInput)
	}
	phone = util.NormalizePhone(phone, s.cfg.SMS.DefaultCountryCode)
	if !util.IsValidPhone(phone) {
		return fmt.Errorf("%w: invalid phone number", model.ErrInvalidInput)
	}

	identity, err := s.identities.GetIdentityByPhone(ctx, phone)
	if err != nil {
		return fmt.Errorf("%w: no identity for phone", model.ErrNotFound)
	}

	lockKey := "otp:" + identity.IdentityID
	if locked, err := s.attempts.IsLocked(ctx, lockKey); err == nil && locked {
		return fmt.Errorf("verification temporarily locked: %w", model.ErrAuthFailed)
	}

	if err := s.otps.ExpireActiveOTPs(ctx, identity.IdentityID); err != nil {
		return fmt.Errorf("expiring previous codes: %w", err)
	}

	code, err := generateOTPCode()
	if err != nil {
		return fmt.Errorf("generating code: %w", err)
	}
	codeHash, err := s.hasher.HashOTP(code)
	if err != nil {
		return fmt.Errorf("hashing code: %w", err)
	}

	now := s.now().UTC()
	record := &model.OTPRecord{
		IdentityID: identity.IdentityID,
		CodeHash:   codeHash,
		State:      model.OTPStateActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.OTP.TTL),
	}
	if err := s.otps.CreateOTP(ctx, record); err != nil {
		return fmt.Errorf("storing code: %w", err)
	}

	if err := s.sender.SendOTP(ctx, identity.Phone, code); err != nil {
		// The stored code is unusable noise if delivery failed; expire
		// it so the next issue starts clean.
		_ = s.otps.UpdateOTPState(ctx, identity.IdentityID, record.OTPID, model.OTPStateExpired)
		return fmt.Errorf("%w: sms delivery failed", model.ErrUpstream)
	}

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identity.IdentityID,
		EventType:  audit.EventOTPIssued,
		Outcome:    audit.OutcomeSuccess,
	})

	util.Info("otp issued", util.String("identity_id", identity.IdentityID))
	return nil
}

// VerifyOTP checks a submitted code against the latest code issued for
// the phone number and, on success, opens a session. A code verifies at
// most once. Verification failures never touch the stored row; repeated
// mismatches are counted in the attempt cache and trip a temporary lock.
func (s *OTPService) VerifyOTP(ctx context.Context, phone, code, ipAddress, userAgent string) (*AuthResult, error) {
	if phone == "" || code == "" {
		return nil, fmt.Errorf("%w: phone and code are required", model.ErrInvalidInput)
	}
	phone = util.NormalizePhone(phone, s.cfg.SMS.DefaultCountryCode)

	identity, err := s.identities.GetIdentityByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("%w: no identity for phone", model.ErrNotFound)
	}

	lockKey := "otp:" + identity.IdentityID
	if locked, err := s.attempts.IsLocked(ctx, lockKey); err == nil && locked {
		return nil, fmt.Errorf("verification temporarily locked: %w", model.ErrAuthFailed)
	}

	record, err := s.otps.GetLatestOTP(ctx, identity.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("%w: no active code", model.ErrNotFound)
	}
	if record.State != model.OTPStateActive {
		return nil, fmt.Errorf("%w: no active code", model.ErrNotFound)
	}

	// Expiry is judged by timestamp alone. The row keeps its state; the
	// next issue sweeps it along with everything else still active.
	if record.Expired(s.now()) {
		return nil, s.reject(ctx, identity.IdentityID, "code_expired")
	}

	if ok, err := s.hasher.VerifyOTP(code, record.CodeHash); err != nil || !ok {
		count, _ := s.attempts.IncrementCounter(ctx, lockKey, s.cfg.OTP.TTL)
		if count >= s.cfg.OTP.MaxAttempts {
			_ = s.attempts.SetTemporaryLock(ctx, lockKey, s.cfg.OTP.LockDuration)
		}
		return nil, s.reject(ctx, identity.IdentityID, "code_mismatch")
	}

	if err := s.otps.UpdateOTPState(ctx, identity.IdentityID, record.OTPID, model.OTPStateUsed); err != nil {
		return nil, fmt.Errorf("marking code used: %w", err)
	}
	_ = s.attempts.ResetCounter(ctx, lockKey)

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identity.IdentityID,
		EventType:  audit.EventOTPVerified,
		Outcome:    audit.OutcomeSuccess,
	})

	return s.auth.EstablishSession(ctx, identity, model.AuthMethodSMS, ipAddress, userAgent)
}

func (s *OTPService) reject(ctx context.Context, identityID, reason string) error {
	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identityID,
		EventType:  audit.EventOTPRejected,
		Outcome:    audit.OutcomeFailure,
		Detail:     reason,
	})
	return model.ErrAuthFailed
}

// generateOTPCode produces a uniformly random numeric code, left-padded
// with zeros.
func generateOTPCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpCodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpCodeLength, n), nil
}
