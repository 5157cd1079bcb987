package service

import (
	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/fido"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/oauth"
	"identity-service/internal/sms"
	"identity-service/internal/token"
)

// Dependencies bundles everything the service layer is built from.
type Dependencies struct {
	Identities    model.IdentityRepository
	RefreshTokens model.RefreshTokenRepository
	Sessions      model.SessionRepository
	OTPs          model.OTPRepository
	Attempts      model.AttemptCache
	Challenges    model.ChallengeCache
	Hasher        *hashing.Hasher
	EncryptionMgr *encryption.EncryptionManager
	Issuer        *token.Issuer
	Recorder      *audit.Recorder
	SMSSender     sms.Sender
	Verifier      fido.Verifier
	Dispatcher    *oauth.Dispatcher
	Config        *config.Config
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps Dependencies

	authService     *AuthService
	otpService      *OTPService
	webauthnService *WebAuthnService
	oauthService    *OAuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Dependencies) *ServiceFactory {
	return &ServiceFactory{deps: deps}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.deps.Identities,
			f.deps.RefreshTokens,
			f.deps.Sessions,
			f.deps.OTPs,
			f.deps.Attempts,
			f.deps.Hasher,
			f.deps.EncryptionMgr,
			f.deps.Issuer,
			f.deps.Recorder,
			f.deps.Config,
		)
	}
	return f.authService
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.deps.Identities,
			f.deps.OTPs,
			f.deps.Attempts,
			f.deps.Hasher,
			f.deps.SMSSender,
			f.AuthService(),
			f.deps.Recorder,
			f.deps.Config,
		)
	}
	return f.otpService
}

// WebAuthnService returns the WebAuthn service instance (singleton)
func (f *ServiceFactory) WebAuthnService() *WebAuthnService {
	if f.webauthnService == nil {
		f.webauthnService = NewWebAuthnService(
			f.deps.Identities,
			f.deps.Challenges,
			f.deps.Verifier,
			f.deps.EncryptionMgr,
			f.AuthService(),
			f.deps.Recorder,
			f.deps.Config,
		)
	}
	return f.webauthnService
}

// OAuthService returns the OAuth service instance (singleton)
func (f *ServiceFactory) OAuthService() *OAuthService {
	if f.oauthService == nil {
		f.oauthService = NewOAuthService(
			f.deps.Identities,
			f.deps.Dispatcher,
			f.AuthService(),
			f.deps.Recorder,
			f.deps.Config,
		)
	}
	return f.oauthService
}
