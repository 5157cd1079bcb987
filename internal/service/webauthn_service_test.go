package service

import (
	"context"
	"errors"
	"testing"

	"identity-service/internal/model"
)

func beginBiometricRegistration(t *testing.T, env *testEnv) string {
	t.Helper()
	options, identityID, err := env.webauthn.BeginRegistration(context.Background(), &BiometricRegisterRequest{
		Email:         "luis.hernandez@example.com",
		FirstName:     "Luis",
		LastName:      "Hernandez",
		BiometricType: "fingerprint",
	})
	if err != nil {
		t.Fatalf("BeginRegistration() error = %v", err)
	}
	if options == nil {
		t.Fatal("BeginRegistration() returned nil options")
	}
	return identityID
}

func TestBiometricRegistration_RoundTrip(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)

	result, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`))
	if err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}
	if result.Tokens.AccessToken == "" {
		t.Error("FinishRegistration() returned no access token")
	}

	identity, err := env.identities.GetIdentityByID(context.Background(), identityID)
	if err != nil {
		t.Fatalf("GetIdentityByID() error = %v", err)
	}
	if !identity.HasWebAuthnCredential() {
		t.Error("persisted identity has no credential bound")
	}
	if identity.AuthMethod != model.AuthMethodBiometric {
		t.Errorf("auth method = %q, want %q", identity.AuthMethod, model.AuthMethodBiometric)
	}
	if identity.PasswordHash != model.OAuthNoPassword {
		t.Error("biometric identity should carry the no-password sentinel")
	}
}

func TestBiometricType_Lookup(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)
	if _, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`)); err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}

	got, err := env.webauthn.BiometricType(context.Background(), "Luis.Hernandez@Example.com")
	if err != nil {
		t.Fatalf("BiometricType() error = %v", err)
	}
	if got != "fingerprint" {
		t.Errorf("BiometricType() = %q, want %q", got, "fingerprint")
	}

	got, err = env.webauthn.BiometricType(context.Background(), "nobody@example.com")
	if err != nil || got != "" {
		t.Errorf("BiometricType(unknown) = %q, %v, want empty, nil", got, err)
	}
}

func TestBiometricRegistration_FailedAttestationWritesNothing(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)

	env.verifier.failRegistration = true
	_, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`))
	if !errors.Is(err, model.ErrAuthFailed) {
		t.Fatalf("FinishRegistration() error = %v, want ErrAuthFailed", err)
	}

	if got := env.identities.count(); got != 0 {
		t.Errorf("identities persisted after failed attestation = %d, want 0", got)
	}
}

func TestBiometricRegistration_ChallengeIsSingleUse(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)

	if _, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`)); err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}
	if _, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`)); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("replayed FinishRegistration() error = %v, want ErrNotFound", err)
	}
}

func TestBeginRegistration_DuplicateEmail(t *testing.T) {
	env := newTestEnv()
	registerTestIdentity(t, env)

	_, _, err := env.webauthn.BeginRegistration(context.Background(), &BiometricRegisterRequest{
		Email:     "ana.garcia@example.com",
		FirstName: "Ana",
		LastName:  "Garcia",
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("BeginRegistration() error = %v, want ErrConflict", err)
	}
}

func TestBiometricLogin_RoundTrip(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)
	if _, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`)); err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}

	options, gotID, err := env.webauthn.BeginLogin(context.Background(), "luis.hernandez@example.com")
	if err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if options == nil || gotID != identityID {
		t.Fatalf("BeginLogin() = (%v, %q), want options for %q", options, gotID, identityID)
	}

	env.verifier.loginSignCount = 1
	result, err := env.webauthn.FinishLogin(context.Background(), identityID, []byte(`{}`), "203.0.113.7", "test-agent")
	if err != nil {
		t.Fatalf("FinishLogin() error = %v", err)
	}
	if result.Tokens.RefreshToken == "" {
		t.Error("FinishLogin() returned no refresh token")
	}

	identity, _ := env.identities.GetIdentityByID(context.Background(), identityID)
	if identity.SignCount != 1 {
		t.Errorf("stored sign count = %d, want 1", identity.SignCount)
	}
}

func TestBiometricLogin_SignCountRegressionRejected(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)
	if _, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`)); err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}

	// First login advances the counter to 5.
	env.verifier.loginSignCount = 5
	if _, _, err := env.webauthn.BeginLogin(context.Background(), "luis.hernandez@example.com"); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if _, err := env.webauthn.FinishLogin(context.Background(), identityID, []byte(`{}`), "", ""); err != nil {
		t.Fatalf("FinishLogin() error = %v", err)
	}

	// A replayed assertion presents a counter that did not advance.
	if _, _, err := env.webauthn.BeginLogin(context.Background(), "luis.hernandez@example.com"); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if _, err := env.webauthn.FinishLogin(context.Background(), identityID, []byte(`{}`), "", ""); !errors.Is(err, model.ErrAuthFailed) {
		t.Errorf("FinishLogin() with stale counter error = %v, want ErrAuthFailed", err)
	}
}

func TestBiometricLogin_ZeroCounterAuthenticatorAccepted(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)
	if _, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`)); err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}

	// Some authenticators never implement the signature counter and
	// report zero on every assertion. With the stored counter also at
	// zero that is not a regression.
	env.verifier.loginSignCount = 0
	for i := 0; i < 2; i++ {
		if _, _, err := env.webauthn.BeginLogin(context.Background(), "luis.hernandez@example.com"); err != nil {
			t.Fatalf("BeginLogin() error = %v", err)
		}
		if _, err := env.webauthn.FinishLogin(context.Background(), identityID, []byte(`{}`), "", ""); err != nil {
			t.Fatalf("login %d with zero counter error = %v", i+1, err)
		}
	}

	// Once the counter has moved, an assertion stuck at zero is stale.
	env.verifier.loginSignCount = 5
	if _, _, err := env.webauthn.BeginLogin(context.Background(), "luis.hernandez@example.com"); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if _, err := env.webauthn.FinishLogin(context.Background(), identityID, []byte(`{}`), "", ""); err != nil {
		t.Fatalf("FinishLogin() error = %v", err)
	}

	env.verifier.loginSignCount = 0
	if _, _, err := env.webauthn.BeginLogin(context.Background(), "luis.hernandez@example.com"); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if _, err := env.webauthn.FinishLogin(context.Background(), identityID, []byte(`{}`), "", ""); !errors.Is(err, model.ErrAuthFailed) {
		t.Errorf("FinishLogin() with reset counter error = %v, want ErrAuthFailed", err)
	}
}

func TestBiometricRegistration_DegradedAttestationStillBinds(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)

	// A credential extracted through the manual attestation decode is
	// still a full registration.
	env.verifier.degradedRegistration = true
	result, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`))
	if err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}
	if result.Tokens.AccessToken == "" {
		t.Error("FinishRegistration() returned no access token")
	}

	identity, err := env.identities.GetIdentityByID(context.Background(), identityID)
	if err != nil {
		t.Fatalf("GetIdentityByID() error = %v", err)
	}
	if !identity.HasWebAuthnCredential() {
		t.Error("persisted identity has no credential bound")
	}
}

func TestBiometricLogin_CloneWarningRejected(t *testing.T) {
	env := newTestEnv()
	identityID := beginBiometricRegistration(t, env)
	if _, err := env.webauthn.FinishRegistration(context.Background(), identityID, []byte(`{}`)); err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}

	env.verifier.loginSignCount = 10
	env.verifier.cloneWarning = true
	if _, _, err := env.webauthn.BeginLogin(context.Background(), "luis.hernandez@example.com"); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if _, err := env.webauthn.FinishLogin(context.Background(), identityID, []byte(`{}`), "", ""); !errors.Is(err, model.ErrAuthFailed) {
		t.Errorf("FinishLogin() with clone warning error = %v, want ErrAuthFailed", err)
	}
}

func TestBeginLogin_WithoutCredential(t *testing.T) {
	env := newTestEnv()
	registerTestIdentity(t, env)

	// Password identity, no authenticator bound.
	if _, _, err := env.webauthn.BeginLogin(context.Background(), "ana.garcia@example.com"); !errors.Is(err, model.ErrAuthFailed) {
		t.Errorf("BeginLogin() error = %v, want ErrAuthFailed", err)
	}
	// Unknown email fails the same way.
	if _, _, err := env.webauthn.BeginLogin(context.Background(), "nobody@example.com"); !errors.Is(err, model.ErrAuthFailed) {
		t.Errorf("BeginLogin() error = %v, want ErrAuthFailed", err)
	}
}

func TestAddCredentialToExistingIdentity(t *testing.T) {
	env := newTestEnv()
	identity := registerTestIdentity(t, env)

	if _, err := env.webauthn.AddCredential(context.Background(), identity.IdentityID); err != nil {
		t.Fatalf("AddCredential() error = %v", err)
	}
	if err := env.webauthn.FinishAddCredential(context.Background(), identity.IdentityID, "face", []byte(`{}`)); err != nil {
		t.Fatalf("FinishAddCredential() error = %v", err)
	}

	updated, _ := env.identities.GetIdentityByID(context.Background(), identity.IdentityID)
	if !updated.HasWebAuthnCredential() {
		t.Error("credential was not bound to the identity")
	}
	if updated.BiometricType != "face" {
		t.Errorf("biometric type = %q, want face", updated.BiometricType)
	}
}
