package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/token"
	"identity-service/internal/util"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	loginAttemptWindow = 15 * time.Minute
	maxLoginAttempts   = 5
)

// RegisterRequest carries the fields needed to create a password identity.
type RegisterRequest struct {
	Email          string `json:"email" validate:"required,email"`
	Phone          string `json:"phone,omitempty"`
	FirstName      string `json:"first_name" validate:"required"`
	LastName       string `json:"last_name" validate:"required"`
	SecondLastName string `json:"second_last_name,omitempty"`
	Password       string `json:"password" validate:"required,min=8"`
}

// LoginRequest carries a password login attempt.
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	IPAddress  string `json:"-"`
	UserAgent  string `json:"-"`
	DeviceInfo string `json:"device_info,omitempty"`
}

// AuthResult is what every successful login path produces, regardless
// of the factor used.
type AuthResult struct {
	Identity  *model.Identity `json:"identity"`
	SessionID string          `json:"session_id"`
	Tokens    *token.Pair     `json:"tokens"`
}

// AuthService handles registration, password login and the shared
// token/session lifecycle used by every login factor.
type AuthService struct {
	identities    model.IdentityRepository
	refreshTokens model.RefreshTokenRepository
	sessions      model.SessionRepository
	otps          model.OTPRepository
	attempts      model.AttemptCache
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	issuer        *token.Issuer
	recorder      *audit.Recorder
	cfg           *config.Config
}

// NewAuthService creates a new auth service
func NewAuthService(
	identities model.IdentityRepository,
	refreshTokens model.RefreshTokenRepository,
	sessions model.SessionRepository,
	otps model.OTPRepository,
	attempts model.AttemptCache,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	issuer *token.Issuer,
	recorder *audit.Recorder,
	cfg *config.Config,
) *AuthService {
	return &AuthService{
		identities:    identities,
		refreshTokens: refreshTokens,
		sessions:      sessions,
		otps:          otps,
		attempts:      attempts,
		hasher:        hasher,
		encryptionMgr: encryptionMgr,
		issuer:        issuer,
		recorder:      recorder,
		cfg:           cfg,
	}
}

// Register creates a new password-based identity. Email and phone
// uniqueness is enforced by the repository; a duplicate surfaces as
// model.ErrConflict.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*model.Identity, error) {
	if err := s.validateRegisterRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	email := util.NormalizeEmail(req.Email)
	phone := ""
	if req.Phone != "" {
		phone = util.NormalizePhone(req.Phone, s.cfg.SMS.DefaultCountryCode)
	}

	passwordHash, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	var phoneEncrypted []byte
	if phone != "" && s.encryptionMgr != nil {
		phoneEncrypted, err = s.encryptionMgr.EncryptPhone(ctx, phone)
		if err != nil {
			return nil, fmt.Errorf("encrypting phone: %w", err)
		}
	}

	now := time.Now().UTC()
	identity := &model.Identity{
		IdentityID:     uuid.NewString(),
		Email:          email,
		Phone:          phone,
		PhoneEncrypted: phoneEncrypted,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		SecondLastName: strings.TrimSpace(req.SecondLastName),
		PasswordHash:   passwordHash,
		AuthMethod:     model.AuthMethodPassword,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.identities.CreateIdentity(ctx, identity); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identity.IdentityID,
		EventType:  audit.EventRegistration,
		AuthMethod: model.AuthMethodPassword,
		Outcome:    audit.OutcomeSuccess,
	})

	util.Info("identity registered",
		util.String("identity_id", identity.IdentityID),
		util.String("auth_method", identity.AuthMethod),
	)

	sanitized := *identity
	sanitized.PasswordHash = ""
	return &sanitized, nil
}

// Login performs a password login. Every failure mode — unknown email,
// passwordless identity, wrong password — returns the same error so the
// response cannot be used to probe for registered accounts.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResult, error) {
	if req.Email == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", model.ErrInvalidInput)
	}
	email := util.NormalizeEmail(req.Email)
	attemptKey := "login:" + email

	if locked, err := s.attempts.IsLocked(ctx, attemptKey); err == nil && locked {
		return nil, fmt.Errorf("account temporarily locked: %w", model.ErrAuthFailed)
	}

	identity, err := s.identities.GetIdentityByEmail(ctx, email)
	if err != nil {
		s.recordLoginFailure(ctx, "", email, req.IPAddress, req.UserAgent, "unknown_email")
		return nil, model.ErrAuthFailed
	}

	// Identities created through a federated or biometric flow carry a
	// sentinel that no password can ever match.
	if identity.PasswordHash == model.OAuthNoPassword {
		s.recordLoginFailure(ctx, identity.IdentityID, email, req.IPAddress, req.UserAgent, "no_password_set")
		return nil, model.ErrAuthFailed
	}

	if !s.hasher.VerifyPassword(req.Password, identity.PasswordHash) {
		count, _ := s.attempts.IncrementCounter(ctx, attemptKey, loginAttemptWindow)
		if count >= maxLoginAttempts {
			_ = s.attempts.SetTemporaryLock(ctx, attemptKey, s.cfg.OTP.LockDuration)
		}
		s.recordLoginFailure(ctx, identity.IdentityID, email, req.IPAddress, req.UserAgent, "bad_password")
		return nil, model.ErrAuthFailed
	}

	_ = s.attempts.ResetCounter(ctx, attemptKey)

	return s.EstablishSession(ctx, identity, model.AuthMethodPassword, req.IPAddress, req.UserAgent)
}

// EstablishSession issues a token pair, records the refresh token in
// the single-slot ledger and opens a session. All login factors
// converge here.
func (s *AuthService) EstablishSession(ctx context.Context, identity *model.Identity, method, ipAddress, userAgent string) (*AuthResult, error) {
	pair, err := s.issuer.IssuePair(identity.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("issuing tokens: %w", err)
	}

	refreshHash, err := s.hasher.HashRefreshToken(pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("hashing refresh token: %w", err)
	}

	now := time.Now().UTC()
	if err := s.refreshTokens.Upsert(ctx, &model.RefreshTokenRecord{
		IdentityID: identity.IdentityID,
		TokenHash:  refreshHash,
		State:      model.RefreshStateActive,
		IssuedAt:   now,
		ExpiresAt:  pair.RefreshExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	accessHash := sha256.Sum256([]byte(pair.AccessToken))
	session := &model.SessionRecord{
		IdentityID: identity.IdentityID,
		AuthMethod: method,
		TokenHash:  hex.EncodeToString(accessHash[:]),
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		State:      model.SessionStateActive,
		StartedAt:  now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identity.IdentityID,
		EventType:  audit.EventLogin,
		AuthMethod: method,
		Outcome:    audit.OutcomeSuccess,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})

	sanitized := *identity
	sanitized.PasswordHash = ""
	return &AuthResult{
		Identity:  &sanitized,
		SessionID: session.SessionID,
		Tokens:    pair,
	}, nil
}

// Refresh rotates the refresh token. The swap is conditional on the
// ledger still holding the presented token in active state, so two
// concurrent calls with the same token cannot both succeed.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	identityID, err := token.ParseRefreshToken(refreshToken)
	if err != nil {
		return nil, model.ErrTokenInvalid
	}

	slot, err := s.refreshTokens.Get(ctx, identityID)
	if err != nil {
		return nil, model.ErrTokenInvalid
	}
	if slot.State != model.RefreshStateActive || time.Now().After(slot.ExpiresAt) {
		return nil, model.ErrTokenInvalid
	}
	if ok, err := s.hasher.VerifyRefreshToken(refreshToken, slot.TokenHash); err != nil || !ok {
		return nil, model.ErrTokenInvalid
	}

	pair, err := s.issuer.IssuePair(identityID)
	if err != nil {
		return nil, fmt.Errorf("issuing tokens: %w", err)
	}
	nextHash, err := s.hasher.HashRefreshToken(pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("hashing refresh token: %w", err)
	}

	applied, err := s.refreshTokens.Rotate(ctx, identityID, slot.TokenHash, &model.RefreshTokenRecord{
		IdentityID: identityID,
		TokenHash:  nextHash,
		State:      model.RefreshStateActive,
		IssuedAt:   time.Now().UTC(),
		ExpiresAt:  pair.RefreshExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}
	if !applied {
		// Lost the race: someone else already rotated or revoked this
		// slot, so the presented token is no longer the live one.
		return nil, model.ErrTokenInvalid
	}

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identityID,
		EventType:  audit.EventTokenRefreshed,
		Outcome:    audit.OutcomeSuccess,
	})

	return pair, nil
}

// Logout tears down the identity's authenticated state: sessions are
// closed, the refresh slot is revoked and any pending OTP codes are
// expired. The steps are independent and run concurrently.
func (s *AuthService) Logout(ctx context.Context, identityID string) error {
	if identityID == "" {
		return fmt.Errorf("%w: identity id is required", model.ErrInvalidInput)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sessions.CloseAllSessions(gctx, identityID) })
	g.Go(func() error { return s.refreshTokens.Revoke(gctx, identityID) })
	g.Go(func() error { return s.otps.ExpireActiveOTPs(gctx, identityID) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("closing authenticated state: %w", err)
	}

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identityID,
		EventType:  audit.EventLogout,
		Outcome:    audit.OutcomeSuccess,
	})

	return nil
}

// VerifyAccess validates an access token and returns the identity it
// was issued for.
func (s *AuthService) VerifyAccess(accessToken string) (string, error) {
	identityID, err := s.issuer.Verify(accessToken)
	if err != nil {
		if errors.Is(err, token.ErrExpiredToken) {
			return "", fmt.Errorf("token expired: %w", model.ErrTokenInvalid)
		}
		return "", model.ErrTokenInvalid
	}
	return identityID, nil
}

// GetIdentity returns the identity without its password hash.
func (s *AuthService) GetIdentity(ctx context.Context, identityID string) (*model.Identity, error) {
	identity, err := s.identities.GetIdentityByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: identity", model.ErrNotFound)
	}
	sanitized := *identity
	sanitized.PasswordHash = ""
	return &sanitized, nil
}

// ListSessions returns the identity's active sessions.
func (s *AuthService) ListSessions(ctx context.Context, identityID string) ([]*model.SessionRecord, error) {
	return s.sessions.ListActiveSessions(ctx, identityID)
}

// CheckEmailAvailable reports whether an email is free to register.
func (s *AuthService) CheckEmailAvailable(ctx context.Context, email string) (bool, error) {
	email = util.NormalizeEmail(email)
	if !util.IsValidEmail(email) {
		return false, fmt.Errorf("%w: invalid email", model.ErrInvalidInput)
	}
	if _, err := s.identities.GetIdentityByEmail(ctx, email); err == nil {
		return false, nil
	}
	return true, nil
}

// CheckPhoneAvailable reports whether a phone number is free to register.
func (s *AuthService) CheckPhoneAvailable(ctx context.Context, phone string) (bool, error) {
	phone = util.NormalizePhone(phone, s.cfg.SMS.DefaultCountryCode)
	if !util.IsValidPhone(phone) {
		return false, fmt.Errorf("%w: invalid phone", model.ErrInvalidInput)
	}
	if _, err := s.identities.GetIdentityByPhone(ctx, phone); err == nil {
		return false, nil
	}
	return true, nil
}

func (s *AuthService) validateRegisterRequest(req *RegisterRequest) error {
	if req == nil {
		return errors.New("request is required")
	}
	if !util.IsValidEmail(req.Email) {
		return errors.New("invalid email")
	}
	if len(req.Password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		return errors.New("first and last name are required")
	}
	if req.Phone != "" && !util.IsValidPhone(util.NormalizePhone(req.Phone, s.cfg.SMS.DefaultCountryCode)) {
		return errors.New("invalid phone number")
	}
	for _, field := range []string{req.Email, req.FirstName, req.LastName, req.SecondLastName} {
		if util.ContainsSuspicious(field) {
			return errors.New("input contains disallowed characters")
		}
	}
	return nil
}

func (s *AuthService) recordLoginFailure(ctx context.Context, identityID, email, ipAddress, userAgent, reason string) {
	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identityID,
		EventType:  audit.EventLoginFailed,
		AuthMethod: model.AuthMethodPassword,
		Outcome:    audit.OutcomeFailure,
		Detail:     reason,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})
	util.Warn("login failed",
		util.String("email", email),
		util.String("reason", reason),
	)
}
