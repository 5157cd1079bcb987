package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/oauth"
	"identity-service/internal/util"

	"github.com/google/uuid"
)

// OAuthService handles federated login: exchange the provider assertion
// for a profile, reconcile it against the identity store, open a session.
type OAuthService struct {
	identities model.IdentityRepository
	dispatcher *oauth.Dispatcher
	auth       *AuthService
	recorder   *audit.Recorder
	cfg        *config.Config
}

// NewOAuthService creates a new OAuth service
func NewOAuthService(
	identities model.IdentityRepository,
	dispatcher *oauth.Dispatcher,
	auth *AuthService,
	recorder *audit.Recorder,
	cfg *config.Config,
) *OAuthService {
	return &OAuthService{
		identities: identities,
		dispatcher: dispatcher,
		auth:       auth,
		recorder:   recorder,
		cfg:        cfg,
	}
}

// Login validates the provider assertion and logs the matching identity
// in, creating it on first contact. Repeating a login with the same
// provider account always resolves to the same identity.
func (s *OAuthService) Login(ctx context.Context, provider, assertion, ipAddress, userAgent string) (*AuthResult, error) {
	if provider == "" || assertion == "" {
		return nil, fmt.Errorf("%w: provider and assertion are required", model.ErrInvalidInput)
	}

	profile, err := s.dispatcher.Exchange(ctx, provider, assertion)
	if err != nil {
		if errors.Is(err, oauth.ErrUnknownProvider) {
			return nil, fmt.Errorf("%w: unsupported provider %q", model.ErrInvalidInput, provider)
		}
		s.recorder.Record(ctx, &model.SecurityEvent{
			EventType:  audit.EventLoginFailed,
			AuthMethod: model.AuthMethodOAuth,
			Outcome:    audit.OutcomeFailure,
			Detail:     "assertion_rejected",
			IPAddress:  ipAddress,
			UserAgent:  userAgent,
		})
		return nil, model.ErrAuthFailed
	}

	identity, err := s.reconcile(ctx, profile)
	if err != nil {
		return nil, err
	}

	return s.auth.EstablishSession(ctx, identity, model.AuthMethodOAuth, ipAddress, userAgent)
}

// Providers lists the configured provider names.
func (s *OAuthService) Providers() []string {
	return s.dispatcher.Providers()
}

// reconcile maps a verified provider profile onto exactly one identity.
// Match by email when the provider discloses one; providers that keep
// the email private get a stable placeholder derived from the provider
// subject, so repeat logins land on the same record.
func (s *OAuthService) reconcile(ctx context.Context, profile *oauth.Profile) (*model.Identity, error) {
	email := profile.Email
	if email == "" {
		email = placeholderEmail(profile.Provider, profile.Subject)
	}
	email = util.NormalizeEmail(email)

	identity, err := s.identities.GetIdentityByEmail(ctx, email)
	if err == nil {
		switch {
		case identity.OAuthSubject == "":
			// A password identity logging in through the provider for
			// the first time: link the provider account to it.
			if err := s.identities.UpdateOAuthLink(ctx, identity.IdentityID, profile.Provider, profile.Subject); err != nil {
				return nil, fmt.Errorf("linking provider account: %w", err)
			}
			identity.OAuthProvider = profile.Provider
			identity.OAuthSubject = profile.Subject
			s.recorder.Record(ctx, &model.SecurityEvent{
				IdentityID: identity.IdentityID,
				EventType:  audit.EventOAuthLinked,
				AuthMethod: model.AuthMethodOAuth,
				Outcome:    audit.OutcomeSuccess,
				Detail:     profile.Provider,
			})
		case identity.OAuthProvider == profile.Provider && identity.OAuthSubject == profile.Subject:
			// Already linked, nothing to do.
		default:
			// The email is claimed by a different provider account.
			return nil, fmt.Errorf("email linked to another provider account: %w", model.ErrConflict)
		}
		return identity, nil
	}

	now := time.Now().UTC()
	identity = &model.Identity{
		IdentityID:    uuid.NewString(),
		Email:         email,
		FirstName:     profile.FirstName,
		LastName:      profile.LastName,
		PasswordHash:  model.OAuthNoPassword,
		AuthMethod:    model.AuthMethodOAuth,
		OAuthProvider: profile.Provider,
		OAuthSubject:  profile.Subject,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.identities.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// Raced with a concurrent first login for the same provider
			// account; the winner's row is the one we want.
			if existing, getErr := s.identities.GetIdentityByEmail(ctx, email); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.recorder.Record(ctx, &model.SecurityEvent{
		IdentityID: identity.IdentityID,
		EventType:  audit.EventRegistration,
		AuthMethod: model.AuthMethodOAuth,
		Outcome:    audit.OutcomeSuccess,
		Detail:     profile.Provider,
	})

	return identity, nil
}

// placeholderEmail builds the synthetic address used when a provider
// withholds the real one. It is deterministic per provider account and
// uses a reserved TLD so it can never collide with a real email.
func placeholderEmail(provider, subject string) string {
	return fmt.Sprintf("oauth-%s-%s@placeholder.invalid", provider, subject)
}
