package fido

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

var (
	ErrCeremonyFailed = errors.New("webauthn ceremony failed")
	ErrNoCredential   = errors.New("no registered credential")
)

// Verifier runs WebAuthn ceremonies. The interface exists so services
// can be tested without real authenticator responses.
// FinishRegistration additionally reports whether the credential came
// out of the manual-decode fallback, so callers can flag the degraded
// attestation in their audit trail.
type Verifier interface {
	BeginRegistration(identity *model.Identity) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	FinishRegistration(identity *model.Identity, session webauthn.SessionData, response []byte) (*webauthn.Credential, bool, error)
	BeginLogin(identity *model.Identity) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	FinishLogin(identity *model.Identity, session webauthn.SessionData, response []byte) (*webauthn.Credential, error)
}

// identityUser adapts an identity record to the webauthn.User interface.
type identityUser struct {
	identity *model.Identity
}

func (u *identityUser) WebAuthnID() []byte {
	return []byte(u.identity.IdentityID)
}

func (u *identityUser) WebAuthnName() string {
	return u.identity.Email
}

func (u *identityUser) WebAuthnDisplayName() string {
	name := strings.TrimSpace(u.identity.FirstName + " " + u.identity.LastName)
	if name == "" {
		return u.identity.Email
	}
	return name
}

func (u *identityUser) WebAuthnCredentials() []webauthn.Credential {
	if !u.identity.HasWebAuthnCredential() {
		return nil
	}
	return []webauthn.Credential{
		{
			ID:        u.identity.CredentialID,
			PublicKey: u.identity.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: u.identity.SignCount,
			},
		},
	}
}

// LibraryVerifier backs Verifier with the go-webauthn implementation.
type LibraryVerifier struct {
	webAuthn *webauthn.WebAuthn
}

func NewLibraryVerifier(cfg *config.Config) (*LibraryVerifier, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPID:          cfg.WebAuthn.RPID,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}

	util.Info("WebAuthn verifier initialized",
		zap.String("rp_id", cfg.WebAuthn.RPID),
		zap.Strings("rp_origins", cfg.WebAuthn.RPOrigins))

	return &LibraryVerifier{webAuthn: w}, nil
}

func (v *LibraryVerifier) BeginRegistration(identity *model.Identity) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	options, session, err := v.webAuthn.BeginRegistration(&identityUser{identity: identity})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}
	return options, session, nil
}

// FinishRegistration verifies the attestation response. When the
// library rejects the attestation solely because it does not implement
// the attestation format, the credential is extracted straight from the
// authenticator data instead of failing the registration; any other
// rejection, challenge and origin mismatches included, stays fatal.
// The returned bool reports whether the fallback was taken.
func (v *LibraryVerifier) FinishRegistration(identity *model.Identity, session webauthn.SessionData, response []byte) (*webauthn.Credential, bool, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	credential, err := v.webAuthn.CreateCredential(&identityUser{identity: identity}, session, parsed)
	if err == nil {
		return credential, false, nil
	}
	if !isUnsupportedAttestationFormat(err) {
		return nil, false, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	// The format being unimplemented says nothing about the client data;
	// challenge and origin still have to hold before the raw
	// authenticator data can be trusted.
	if cdErr := parsed.Response.CollectedClientData.Verify(session.Challenge, protocol.CreateCeremony,
		v.webAuthn.Config.RPOrigins, nil, protocol.TopOriginIgnoreVerificationMode); cdErr != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCeremonyFailed, cdErr)
	}

	fallback, fbErr := credentialFromAttestation(parsed)
	if fbErr != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	util.Warn("Attestation format unsupported, extracted credential from authenticator data",
		zap.String("identity_id", identity.IdentityID),
		zap.Error(err))
	return fallback, true, nil
}

// isUnsupportedAttestationFormat matches the one library error the
// manual-decode fallback is allowed to rescue.
func isUnsupportedAttestationFormat(err error) bool {
	var protoErr *protocol.Error
	if !errors.As(err, &protoErr) {
		return false
	}
	return protoErr.Type == protocol.ErrAttestationFormat.Type &&
		strings.Contains(protoErr.DevInfo, "unsupported")
}

func (v *LibraryVerifier) BeginLogin(identity *model.Identity) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if !identity.HasWebAuthnCredential() {
		return nil, nil, ErrNoCredential
	}

	options, session, err := v.webAuthn.BeginLogin(&identityUser{identity: identity})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}
	return options, session, nil
}

func (v *LibraryVerifier) FinishLogin(identity *model.Identity, session webauthn.SessionData, response []byte) (*webauthn.Credential, error) {
	if !identity.HasWebAuthnCredential() {
		return nil, ErrNoCredential
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	credential, err := v.webAuthn.ValidateLogin(&identityUser{identity: identity}, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	return credential, nil
}

// credentialFromAttestation decodes the raw attestation object and
// pulls the credential ID, COSE public key and sign count out of the
// authenticator data. Callers must have verified the collected client
// data first; only the attestation statement goes unverified here.
func credentialFromAttestation(parsed *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	raw := parsed.Raw.AttestationResponse.AttestationObject

	attestation := &protocol.AttestationObject{}
	if err := webauthncbor.Unmarshal(raw, attestation); err != nil {
		return nil, fmt.Errorf("failed to decode attestation object: %w", err)
	}

	authData := protocol.AuthenticatorData{}
	if err := authData.Unmarshal(attestation.RawAuthData); err != nil {
		return nil, fmt.Errorf("failed to decode authenticator data: %w", err)
	}

	if len(authData.AttData.CredentialID) == 0 || len(authData.AttData.CredentialPublicKey) == 0 {
		return nil, errors.New("authenticator data carries no credential")
	}

	return &webauthn.Credential{
		ID:        authData.AttData.CredentialID,
		PublicKey: authData.AttData.CredentialPublicKey,
		Authenticator: webauthn.Authenticator{
			AAGUID:    authData.AttData.AAGUID,
			SignCount: authData.Counter,
		},
	}, nil
}

// EncodeSession serializes ceremony state for the challenge cache.
func EncodeSession(session *webauthn.SessionData) ([]byte, error) {
	return json.Marshal(session)
}

// DecodeSession reverses EncodeSession.
func DecodeSession(data []byte) (webauthn.SessionData, error) {
	session := webauthn.SessionData{}
	if err := json.Unmarshal(data, &session); err != nil {
		return session, fmt.Errorf("failed to decode webauthn session: %w", err)
	}
	return session, nil
}
