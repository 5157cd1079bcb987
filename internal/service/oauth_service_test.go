package service

import (
	"context"
	"errors"
	"testing"

	"identity-service/internal/model"
	"identity-service/internal/oauth"
)

type stubStrategy struct {
	name    string
	profile *oauth.Profile
	err     error
}

func (s *stubStrategy) Provider() string { return s.name }

func (s *stubStrategy) Exchange(_ context.Context, _ string) (*oauth.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.profile, nil
}

func newOAuthService(env *testEnv, strategies ...oauth.Strategy) *OAuthService {
	return NewOAuthService(env.identities, oauth.NewDispatcher(strategies...), env.auth, env.recorder, env.cfg)
}

func TestOAuthLogin_FirstContactCreatesIdentity(t *testing.T) {
	env := newTestEnv()
	svc := newOAuthService(env, &stubStrategy{
		name: "google",
		profile: &oauth.Profile{
			Provider:  "google",
			Subject:   "sub-12345",
			Email:     "maria.lopez@example.com",
			FirstName: "Maria",
			LastName:  "Lopez",
		},
	})

	result, err := svc.Login(context.Background(), "google", "provider-token", "", "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.Identity.AuthMethod != model.AuthMethodOAuth {
		t.Errorf("auth method = %q, want %q", result.Identity.AuthMethod, model.AuthMethodOAuth)
	}
	if result.Tokens.AccessToken == "" {
		t.Error("Login() returned no access token")
	}

	stored, err := env.identities.GetIdentityByEmail(context.Background(), "maria.lopez@example.com")
	if err != nil {
		t.Fatalf("GetIdentityByEmail() error = %v", err)
	}
	if stored.PasswordHash != model.OAuthNoPassword {
		t.Error("federated identity should carry the no-password sentinel")
	}
	if stored.OAuthSubject != "sub-12345" {
		t.Errorf("oauth subject = %q, want sub-12345", stored.OAuthSubject)
	}
}

func TestOAuthLogin_RepeatLoginIsIdempotent(t *testing.T) {
	env := newTestEnv()
	svc := newOAuthService(env, &stubStrategy{
		name: "google",
		profile: &oauth.Profile{
			Provider: "google",
			Subject:  "sub-12345",
			Email:    "maria.lopez@example.com",
		},
	})

	first, err := svc.Login(context.Background(), "google", "provider-token", "", "")
	if err != nil {
		t.Fatalf("first Login() error = %v", err)
	}
	second, err := svc.Login(context.Background(), "google", "provider-token", "", "")
	if err != nil {
		t.Fatalf("second Login() error = %v", err)
	}

	if first.Identity.IdentityID != second.Identity.IdentityID {
		t.Errorf("repeat login resolved to a different identity: %q vs %q",
			first.Identity.IdentityID, second.Identity.IdentityID)
	}
	if got := env.identities.count(); got != 1 {
		t.Errorf("identities after two logins = %d, want 1", got)
	}
}

func TestOAuthLogin_WithheldEmailGetsStablePlaceholder(t *testing.T) {
	env := newTestEnv()
	svc := newOAuthService(env, &stubStrategy{
		name: "facebook",
		profile: &oauth.Profile{
			Provider:  "facebook",
			Subject:   "fb-777",
			FirstName: "Jorge",
		},
	})

	first, err := svc.Login(context.Background(), "facebook", "provider-token", "", "")
	if err != nil {
		t.Fatalf("first Login() error = %v", err)
	}
	if first.Identity.Email != "oauth-facebook-fb-777@placeholder.invalid" {
		t.Errorf("placeholder email = %q", first.Identity.Email)
	}

	second, err := svc.Login(context.Background(), "facebook", "provider-token", "", "")
	if err != nil {
		t.Fatalf("second Login() error = %v", err)
	}
	if first.Identity.IdentityID != second.Identity.IdentityID {
		t.Error("placeholder email did not resolve repeat logins to the same identity")
	}
}

func TestOAuthLogin_LinksExistingPasswordIdentity(t *testing.T) {
	env := newTestEnv()
	identity := registerTestIdentity(t, env)
	svc := newOAuthService(env, &stubStrategy{
		name: "google",
		profile: &oauth.Profile{
			Provider: "google",
			Subject:  "sub-ana",
			Email:    "ana.garcia@example.com",
		},
	})

	result, err := svc.Login(context.Background(), "google", "provider-token", "", "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.Identity.IdentityID != identity.IdentityID {
		t.Errorf("login resolved to %q, want existing identity %q", result.Identity.IdentityID, identity.IdentityID)
	}

	stored, _ := env.identities.GetIdentityByID(context.Background(), identity.IdentityID)
	if stored.OAuthProvider != "google" || stored.OAuthSubject != "sub-ana" {
		t.Errorf("provider link = (%q, %q), want (google, sub-ana)", stored.OAuthProvider, stored.OAuthSubject)
	}
	// The password still works after linking.
	if _, err := env.auth.Login(context.Background(), &LoginRequest{
		Email:    "ana.garcia@example.com",
		Password: "correct-horse-battery",
	}); err != nil {
		t.Errorf("password Login() after linking error = %v", err)
	}
}

func TestOAuthLogin_EmailClaimedByAnotherProviderAccount(t *testing.T) {
	env := newTestEnv()
	svc := newOAuthService(env,
		&stubStrategy{
			name: "google",
			profile: &oauth.Profile{
				Provider: "google",
				Subject:  "sub-original",
				Email:    "shared@example.com",
			},
		},
		&stubStrategy{
			name: "facebook",
			profile: &oauth.Profile{
				Provider: "facebook",
				Subject:  "fb-other",
				Email:    "shared@example.com",
			},
		},
	)

	if _, err := svc.Login(context.Background(), "google", "provider-token", "", ""); err != nil {
		t.Fatalf("google Login() error = %v", err)
	}
	if _, err := svc.Login(context.Background(), "facebook", "provider-token", "", ""); !errors.Is(err, model.ErrConflict) {
		t.Errorf("facebook Login() error = %v, want ErrConflict", err)
	}
}

func TestOAuthLogin_RejectedAssertion(t *testing.T) {
	env := newTestEnv()
	svc := newOAuthService(env, &stubStrategy{
		name: "google",
		err:  oauth.ErrTokenRejected,
	})

	if _, err := svc.Login(context.Background(), "google", "bad-token", "", ""); !errors.Is(err, model.ErrAuthFailed) {
		t.Errorf("Login() error = %v, want ErrAuthFailed", err)
	}
	if got := env.identities.count(); got != 0 {
		t.Errorf("identities after rejected assertion = %d, want 0", got)
	}
}

func TestOAuthLogin_UnknownProvider(t *testing.T) {
	env := newTestEnv()
	svc := newOAuthService(env)

	if _, err := svc.Login(context.Background(), "myspace", "token", "", ""); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("Login() error = %v, want ErrInvalidInput", err)
	}
}
