package model

import (
	"context"
	"time"
)

// -------------------- AUTH METHODS --------------------
const (
	AuthMethodPassword  = "password"
	AuthMethodOAuth     = "oauth"
	AuthMethodBiometric = "biometric"
	AuthMethodSMS       = "sms"
)

// -------------------- LIFECYCLE STATES --------------------
const (
	OTPStateActive  = "active"
	OTPStateUsed    = "used"
	OTPStateExpired = "expired"

	RefreshStateActive  = "active"
	RefreshStateRevoked = "revoked"

	SessionStateActive = "active"
	SessionStateClosed = "closed"
)

// OAuthNoPassword marks identities provisioned through a federated
// provider; it never matches any bcrypt digest.
const OAuthNoPassword = "OAUTH_NO_PASSWORD"

// -------------------- IDENTITY MODEL --------------------
type Identity struct {
	IdentityID     string    `json:"identity_id" db:"identity_id"`           // UUID
	Email          string    `json:"email" db:"email"`                       // lowercased, unique
	Phone          string    `json:"phone,omitempty" db:"phone"`             // E.164, unique when present
	PhoneEncrypted []byte    `json:"-" db:"phone_encrypted"`                 // envelope-encrypted at rest
	FirstName      string    `json:"first_name" db:"first_name"`
	LastName       string    `json:"last_name" db:"last_name"`
	SecondLastName string    `json:"second_last_name,omitempty" db:"second_last_name"`
	PasswordHash   string    `json:"-" db:"password_hash"`                   // bcrypt, or OAuthNoPassword
	AuthMethod     string    `json:"auth_method" db:"auth_method"`
	OAuthProvider  string    `json:"oauth_provider,omitempty" db:"oauth_provider"`
	OAuthSubject   string    `json:"-" db:"oauth_subject"`                   // provider-issued stable ID
	CredentialID   []byte    `json:"-" db:"credential_id"`                   // WebAuthn credential handle
	PublicKey      []byte    `json:"-" db:"public_key"`                      // COSE-encoded
	SignCount      uint32    `json:"-" db:"sign_count"`                      // authenticator counter
	BiometricType  string    `json:"biometric_type,omitempty" db:"biometric_type"`
	Bucket         int       `json:"-" db:"bucket"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// HasWebAuthnCredential reports whether a registered authenticator is bound.
func (i *Identity) HasWebAuthnCredential() bool {
	return len(i.CredentialID) > 0 && len(i.PublicKey) > 0
}

// -------------------- OTP MODEL --------------------
type OTPRecord struct {
	OTPID      string    `json:"otp_id" db:"otp_id"`                         // UUID
	IdentityID string    `json:"identity_id" db:"identity_id"`
	CodeHash   string    `json:"-" db:"code_hash"`                           // argon2id digest, never the code
	State      string    `json:"state" db:"state"`                           // active | used | expired
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the code is past its validity window.
func (o *OTPRecord) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// -------------------- REFRESH TOKEN MODEL --------------------

// RefreshTokenRecord is the single refresh slot per identity. Rotation
// swaps the slot conditionally so at most one token is ever active.
type RefreshTokenRecord struct {
	IdentityID string    `json:"identity_id" db:"identity_id"`
	TokenHash  string    `json:"-" db:"token_hash"`                          // argon2id digest of the opaque token
	State      string    `json:"state" db:"state"`                           // active | revoked
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	IssuedAt   time.Time `json:"issued_at" db:"issued_at"`
}

// -------------------- SESSION MODEL --------------------
type SessionRecord struct {
	SessionID  string    `json:"session_id" db:"session_id"`                 // UUID
	IdentityID string    `json:"identity_id" db:"identity_id"`
	AuthMethod string    `json:"auth_method" db:"auth_method"`
	TokenHash  string    `json:"-" db:"token_hash"`                          // SHA-256 of the session's access token
	State      string    `json:"state" db:"state"`                           // active | closed
	IPAddress  string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  string    `json:"user_agent,omitempty" db:"user_agent"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	ClosedAt   time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// -------------------- WEBAUTHN CHALLENGE MODEL --------------------
const (
	ChallengePurposeRegistration = "registration"
	ChallengePurposeLogin        = "login"
)

// ChallengeRecord is a pending WebAuthn ceremony held server-side
// between the begin and finish steps.
type ChallengeRecord struct {
	IdentityID  string    `json:"identity_id"`
	Purpose     string    `json:"purpose"`
	SessionData []byte    `json:"session_data"`      // serialized ceremony state
	Profile     []byte    `json:"profile,omitempty"` // pending identity not yet persisted
	CreatedAt   time.Time `json:"created_at"`
}

// -------------------- SECURITY EVENT MODEL --------------------
type SecurityEvent struct {
	EventID    string    `json:"event_id"`
	IdentityID string    `json:"identity_id,omitempty"`
	EventType  string    `json:"event_type"`
	AuthMethod string    `json:"auth_method,omitempty"`
	Outcome    string    `json:"outcome"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Bucket     int       `json:"bucket"`
	OccurredAt time.Time `json:"occurred_at"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// IdentityRepository defines the interface for identity persistence
type IdentityRepository interface {
	CreateIdentity(ctx context.Context, identity *Identity) error
	GetIdentityByID(ctx context.Context, identityID string) (*Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	GetIdentityByPhone(ctx context.Context, phone string) (*Identity, error)
	UpdateOAuthLink(ctx context.Context, identityID, provider, subject string) error
	UpdateWebAuthnCredential(ctx context.Context, identityID string, credentialID, publicKey []byte, signCount uint32, biometricType string) error
	UpdateSignCount(ctx context.Context, identityID string, signCount uint32) error
	DeleteIdentity(ctx context.Context, identityID string) error
}

// OTPRepository defines the interface for OTP persistence. Verification
// failures never mutate rows; attempt limiting lives in the attempt
// cache.
type OTPRepository interface {
	CreateOTP(ctx context.Context, otp *OTPRecord) error
	GetLatestOTP(ctx context.Context, identityID string) (*OTPRecord, error)
	UpdateOTPState(ctx context.Context, identityID, otpID, state string) error
	ExpireActiveOTPs(ctx context.Context, identityID string) error
}

// RefreshTokenRepository defines the interface for the refresh slot
type RefreshTokenRepository interface {
	Upsert(ctx context.Context, record *RefreshTokenRecord) error
	Get(ctx context.Context, identityID string) (*RefreshTokenRecord, error)
	// Rotate swaps the slot only when the stored hash still matches
	// expectedHash; a false return means the slot changed underneath.
	Rotate(ctx context.Context, identityID, expectedHash string, next *RefreshTokenRecord) (bool, error)
	Revoke(ctx context.Context, identityID string) error
}

// SessionRepository defines the interface for session persistence
type SessionRepository interface {
	CreateSession(ctx context.Context, session *SessionRecord) error
	GetSession(ctx context.Context, identityID, sessionID string) (*SessionRecord, error)
	ListActiveSessions(ctx context.Context, identityID string) ([]*SessionRecord, error)
	CloseSession(ctx context.Context, identityID, sessionID string) error
	CloseAllSessions(ctx context.Context, identityID string) error
}

// -------------------- CACHE INTERFACES --------------------

// ChallengeCache holds pending WebAuthn ceremony state between the
// begin and finish calls. Take removes the record on first read.
type ChallengeCache interface {
	Put(ctx context.Context, record *ChallengeRecord, ttl time.Duration) error
	Take(ctx context.Context, identityID, purpose string) (*ChallengeRecord, error)
}

// AttemptCache tracks failure counters and temporary locks
type AttemptCache interface {
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error)
	ResetCounter(ctx context.Context, key string) error
	SetTemporaryLock(ctx context.Context, key string, ttl time.Duration) error
	IsLocked(ctx context.Context, key string) (bool, error)
}
