package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/fido"
	"identity-service/internal/model"
	"identity-service/internal/util"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// BiometricRegisterRequest carries the profile of a new identity being
// created through an authenticator instead of a password.
type BiometricRegisterRequest struct {
	Email          string `json:"email" validate:"required,email"`
	Phone          string `json:"phone,omitempty"`
	FirstName      string `json:"first_name" validate:"required"`
	LastName       string `json:"last_name" validate:"required"`
	SecondLastName string `json:"second_last_name,omitempty"`
	BiometricType  string `json:"biometric_type,omitempty"`
}

// pendingProfile is the not-yet-persisted identity held in the
// challenge record between the begin and finish steps.
type pendingProfile struct {
	IdentityID     string `json:"identity_id"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	SecondLastName string `json:"second_last_name,omitempty"`
	BiometricType  string `json:"biometric_type,omitempty"`
}

// WebAuthnService orchestrates the two-step attestation and assertion
// ceremonies. Challenge state lives server-side in the challenge cache;
// nothing is written to the identity store before the authenticator
// response has been verified.
type WebAuthnService struct {
	identities    model.IdentityRepository
	challenges    model.ChallengeCache
	verifier      fido.Verifier
	encryptionMgr *encryption.EncryptionManager
	auth          *AuthService
	recorder      *audit.Recorder
	cfg           *config.Config
}

// NewWebAuthnService creates a new WebAuthn service
func NewWebAuthnService(
	identities model.IdentityRepository,
	challenges model.ChallengeCache,
	verifier fido.Verifier,
	encryptionMgr *encryption.EncryptionManager,
	auth *AuthService,
	recorder *audit.Recorder,
	cfg *config.Config,
) *WebAuthnService {
	return &WebAuthnService{
		identities:    identities,
		challenges:    challenges,
		verifier:      verifier,
		encryptionMgr: encryptionMgr,
		auth:          auth,
		recorder:      recorder,
		cfg:           cfg,
	}
}

// BeginRegistration starts the attestation ceremony for a brand-new
// identity. The profile is validated and parked in the challenge cache;
// no identity row exists until the authenticator response verifies.
func (s *WebAuthnService) BeginRegistration(ctx context.Context, req *BiometricRegisterRequest) (*protocol.CredentialCreation, string, error) {
	if err := s.validateBiometricRequest(req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	email := util.NormalizeEmail(req.Email)
	phone := ""
	if req.Phone != "" {
		phone = util.NormalizePhone(req.Phone, s.cfg.SMS.DefaultCountryCode)
	}

	// Both lookups are independent; surface a conflict before the
	// client is asked to touch the authenticator.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := s.identities.GetIdentityByEmail(gctx, email); err == nil {
			return fmt.Errorf("email already registered: %w", model.ErrConflict)
		}
		return nil
	})
	if phone != "" {
		g.Go(func() error {
			if _, err := s.identities.GetIdentityByPhone(gctx, phone); err == nil {
				return fmt.Errorf("phone already registered: %w", model.ErrConflict)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	pending := &pendingProfile{
		IdentityID:     uuid.NewString(),
		Email:          email,
		Phone:          phone,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		SecondLastName: strings.TrimSpace(req.SecondLastName),
		BiometricType:  req.BiometricType,
	}

	options, session, err := s.verifier.BeginRegistration(pending.asIdentity())
	if err != nil {
		return nil, "", fmt.Errorf("starting attestation: %w", err)
	}

	if err := s.storeChallenge(ctx, pending.IdentityID, model.ChallengePurposeRegistration, session, pending); err != nil {
		return nil, "", err
	}

	return options, pending.IdentityID, nil
}

// FinishRegistration completes the attestation ceremony. The response
// is verified against the parked challenge first; only then is the
// identity written, credential included, in a single create.
func (s *WebAuthnService) FinishRegistration(ctx context.Context, identityID string, response []byte) (*AuthResult, error) {
	record, err := s.challenges.Take(ctx, identityID, model.ChallengePurposeRegistration)
	if err != nil {
		return nil, fmt.Errorf("%w: no pending registration", model.ErrNotFound)
	}

	session, err := fido.DecodeSession(record.SessionData)
	if err != nil {
		return nil, fmt.Errorf("decoding ceremony state: %w", err)
	}
	var pending pendingProfile
	if err := json.Unmarshal(record.Profile, &pending); err != nil {
		return nil, fmt.Errorf("decoding pending profile: %w", err)
	}

	identity := pending.asIdentity()
	credential, degraded, err := s.verifier.FinishRegistration(identity, session, response)
	if err != nil {
		s.recorder.Record(ctx, &model.SecurityEvent{
			IdentityID: identityID,
			EventType:  audit.EventLoginFailed,
			AuthMethod: model.AuthMethodBiometric,
			Outcome:    audit.OutcomeFailure,
			Detail:     "attestation_rejected",
		})
		return nil, model.ErrAuthFailed
	}

	if identity.Phone != "" && s.encryptionMgr != nil {
		identity.PhoneEncrypted, err = s.encryptionMgr.EncryptPhone(ctx, identity.Phone)
		if err != nil {
			return nil, fmt.Errorf("encrypting phone: %w", err)
		}
	}

	now := time.Now().UTC()
	identity.CredentialID = credential.ID
	identity.PublicKey = credential.PublicKey
	identity.SignCount = credential.Authenticator.SignCount
	identity.CreatedAt = now
	identity.UpdatedAt = now

	if err := s.identities.CreateIdentity(ctx, identity); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identity.IdentityID,
		EventType:  audit.EventRegistration,
		AuthMethod: model.AuthMethodBiometric,
		Outcome:    audit.OutcomeSuccess,
	})
	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identity.IdentityID,
		EventType:  audit.EventCredentialAdded,
		AuthMethod: model.AuthMethodBiometric,
		Outcome:    audit.OutcomeSuccess,
	})
	if degraded {
		s.recorder.Record(ctx, &model.SecurityEvent{
			IdentityID: identity.IdentityID,
			EventType:  audit.EventWebAuthnFallback,
			AuthMethod: model.AuthMethodBiometric,
			Outcome:    audit.OutcomeSuccess,
			Detail:     "attestation_format_unsupported",
		})
	}

	result, err := s.auth.EstablishSession(ctx, identity, model.AuthMethodBiometric, "", "")
	if err != nil {
		// The credential verified but the session plumbing failed; roll
		// the half-created account back so a retry starts clean.
		if delErr := s.identities.DeleteIdentity(ctx, identity.IdentityID); delErr != nil {
			util.Error("failed to roll back identity after session failure",
				util.String("identity_id", identity.IdentityID),
				util.ErrorField(delErr),
			)
		}
		return nil, err
	}
	return result, nil
}

// AddCredential binds an authenticator to an existing, already
// authenticated identity. Begin step of the enrollment ceremony.
func (s *WebAuthnService) AddCredential(ctx context.Context, identityID string) (*protocol.CredentialCreation, error) {
	identity, err := s.identities.GetIdentityByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: identity", model.ErrNotFound)
	}

	options, session, err := s.verifier.BeginRegistration(identity)
	if err != nil {
		return nil, fmt.Errorf("starting attestation: %w", err)
	}
	if err := s.storeChallenge(ctx, identityID, model.ChallengePurposeRegistration, session, nil); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishAddCredential completes enrollment for an existing identity.
func (s *WebAuthnService) FinishAddCredential(ctx context.Context, identityID, biometricType string, response []byte) error {
	identity, err := s.identities.GetIdentityByID(ctx, identityID)
	if err != nil {
		return fmt.Errorf("%w: identity", model.ErrNotFound)
	}

	record, err := s.challenges.Take(ctx, identityID, model.ChallengePurposeRegistration)
	if err != nil {
		return fmt.Errorf("%w: no pending registration", model.ErrNotFound)
	}
	session, err := fido.DecodeSession(record.SessionData)
	if err != nil {
		return fmt.Errorf("decoding ceremony state: %w", err)
	}

	credential, degraded, err := s.verifier.FinishRegistration(identity, session, response)
	if err != nil {
		return model.ErrAuthFailed
	}

	if err := s.identities.UpdateWebAuthnCredential(ctx, identityID,
		credential.ID, credential.PublicKey, credential.Authenticator.SignCount, biometricType); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identityID,
		EventType:  audit.EventCredentialAdded,
		AuthMethod: model.AuthMethodBiometric,
		Outcome:    audit.OutcomeSuccess,
	})
	if degraded {
		s.recorder.Record(ctx, &model.SecurityEvent{
			IdentityID: identityID,
			EventType:  audit.EventWebAuthnFallback,
			AuthMethod: model.AuthMethodBiometric,
			Outcome:    audit.OutcomeSuccess,
			Detail:     "attestation_format_unsupported",
		})
	}
	return nil
}

// BeginLogin starts the assertion ceremony for an identity located by
// email. Missing identity and missing credential fail identically.
func (s *WebAuthnService) BeginLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, string, error) {
	if !util.IsValidEmail(email) {
		return nil, "", fmt.Errorf("%w: invalid email", model.ErrInvalidInput)
	}

	identity, err := s.identities.GetIdentityByEmail(ctx, util.NormalizeEmail(email))
	if err != nil {
		return nil, "", model.ErrAuthFailed
	}
	if !identity.HasWebAuthnCredential() {
		return nil, "", model.ErrAuthFailed
	}

	options, session, err := s.verifier.BeginLogin(identity)
	if err != nil {
		return nil, "", fmt.Errorf("starting assertion: %w", err)
	}
	if err := s.storeChallenge(ctx, identity.IdentityID, model.ChallengePurposeLogin, session, nil); err != nil {
		return nil, "", err
	}
	return options, identity.IdentityID, nil
}

// BiometricType reports the enrolled authenticator kind for an email so
// clients can label the login prompt. Identities without a credential
// return an empty type rather than an error.
func (s *WebAuthnService) BiometricType(ctx context.Context, email string) (string, error) {
	if !util.IsValidEmail(email) {
		return "", fmt.Errorf("%w: invalid email", model.ErrInvalidInput)
	}
	identity, err := s.identities.GetIdentityByEmail(ctx, util.NormalizeEmail(email))
	if err != nil || !identity.HasWebAuthnCredential() {
		return "", nil
	}
	return identity.BiometricType, nil
}

// FinishLogin completes the assertion ceremony and opens a session.
// A sign counter that did not advance past the stored value is treated
// as a cloned authenticator and rejected.
func (s *WebAuthnService) FinishLogin(ctx context.Context, identityID string, response []byte, ipAddress, userAgent string) (*AuthResult, error) {
	identity, err := s.identities.GetIdentityByID(ctx, identityID)
	if err != nil {
		return nil, model.ErrAuthFailed
	}

	record, err := s.challenges.Take(ctx, identityID, model.ChallengePurposeLogin)
	if err != nil {
		return nil, fmt.Errorf("%w: no pending login", model.ErrNotFound)
	}
	session, err := fido.DecodeSession(record.SessionData)
	if err != nil {
		return nil, fmt.Errorf("decoding ceremony state: %w", err)
	}

	credential, err := s.verifier.FinishLogin(identity, session, response)
	if err != nil {
		s.recordAssertionFailure(ctx, identityID, ipAddress, userAgent, "assertion_rejected")
		return nil, model.ErrAuthFailed
	}

	// Authenticators that never increment keep the counter at zero on
	// both sides; once the stored counter has moved, any assertion that
	// fails to advance past it is treated as a clone or a replay.
	newCount := credential.Authenticator.SignCount
	if credential.Authenticator.CloneWarning ||
		(identity.SignCount > 0 && newCount <= identity.SignCount) {
		s.recordAssertionFailure(ctx, identityID, ipAddress, userAgent, "sign_count_regression")
		return nil, model.ErrAuthFailed
	}

	if err := s.identities.UpdateSignCount(ctx, identityID, newCount); err != nil {
		return nil, fmt.Errorf("updating sign count: %w", err)
	}

	return s.auth.EstablishSession(ctx, identity, model.AuthMethodBiometric, ipAddress, userAgent)
}

func (s *WebAuthnService) storeChallenge(ctx context.Context, identityID, purpose string, session *webauthn.SessionData, pending *pendingProfile) error {
	sessionData, err := fido.EncodeSession(session)
	if err != nil {
		return fmt.Errorf("encoding ceremony state: %w", err)
	}

	record := &model.ChallengeRecord{
		IdentityID:  identityID,
		Purpose:     purpose,
		SessionData: sessionData,
		CreatedAt:   time.Now().UTC(),
	}
	if pending != nil {
		record.Profile, err = json.Marshal(pending)
		if err != nil {
			return fmt.Errorf("encoding pending profile: %w", err)
		}
	}

	if err := s.challenges.Put(ctx, record, s.cfg.WebAuthn.ChallengeTTL); err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

func (s *WebAuthnService) recordAssertionFailure(ctx context.Context, identityID, ipAddress, userAgent, reason string) {
	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identityID,
		EventType:  audit.EventLoginFailed,
		AuthMethod: model.AuthMethodBiometric,
		Outcome:    audit.OutcomeFailure,
		Detail:     reason,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})
}

func (s *WebAuthnService) validateBiometricRequest(req *BiometricRegisterRequest) error {
	if req == nil {
		return fmt.Errorf("request is required")
	}
	if !util.IsValidEmail(req.Email) {
		return fmt.Errorf("invalid email")
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		return fmt.Errorf("first and last name are required")
	}
	if req.Phone != "" && !util.IsValidPhone(util.NormalizePhone(req.Phone, s.cfg.SMS.DefaultCountryCode)) {
		return fmt.Errorf("invalid phone number")
	}
	return nil
}

func (p *pendingProfile) asIdentity() *model.Identity {
	return &model.Identity{
		IdentityID:     p.IdentityID,
		Email:          p.Email,
		Phone:          p.Phone,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		SecondLastName: p.SecondLastName,
		PasswordHash:   model.OAuthNoPassword,
		AuthMethod:     model.AuthMethodBiometric,
		BiometricType:  p.BiometricType,
	}
}
