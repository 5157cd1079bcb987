package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/token"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------
// In-memory fakes for the repository and cache interfaces. They mirror
// the semantics of the real ScyllaDB/Redis implementations closely
// enough for the flows under test, including conditional rotation and
// single-read challenge takes.
// ---------------------------------------------------------------------

type fakeIdentityRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.Identity
	byEmail map[string]string
	byPhone map[string]string
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{
		byID:    make(map[string]*model.Identity),
		byEmail: make(map[string]string),
		byPhone: make(map[string]string),
	}
}

func (r *fakeIdentityRepo) CreateIdentity(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[identity.Email]; ok {
		return fmt.Errorf("email already registered: %w", model.ErrConflict)
	}
	if identity.Phone != "" {
		if _, ok := r.byPhone[identity.Phone]; ok {
			return fmt.Errorf("phone already registered: %w", model.ErrConflict)
		}
	}
	cp := *identity
	r.byID[identity.IdentityID] = &cp
	r.byEmail[identity.Email] = identity.IdentityID
	if identity.Phone != "" {
		r.byPhone[identity.Phone] = identity.IdentityID
	}
	return nil
}

func (r *fakeIdentityRepo) GetIdentityByID(_ context.Context, identityID string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[identityID]
	if !ok {
		return nil, fmt.Errorf("identity: %w", model.ErrNotFound)
	}
	cp := *identity
	return &cp, nil
}

func (r *fakeIdentityRepo) GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error) {
	r.mu.Lock()
	id, ok := r.byEmail[email]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("identity: %w", model.ErrNotFound)
	}
	return r.GetIdentityByID(ctx, id)
}

func (r *fakeIdentityRepo) GetIdentityByPhone(ctx context.Context, phone string) (*model.Identity, error) {
	r.mu.Lock()
	id, ok := r.byPhone[phone]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("identity: %w", model.ErrNotFound)
	}
	return r.GetIdentityByID(ctx, id)
}

func (r *fakeIdentityRepo) UpdateOAuthLink(_ context.Context, identityID, provider, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[identityID]
	if !ok {
		return fmt.Errorf("identity: %w", model.ErrNotFound)
	}
	identity.OAuthProvider = provider
	identity.OAuthSubject = subject
	return nil
}

func (r *fakeIdentityRepo) UpdateWebAuthnCredential(_ context.Context, identityID string, credentialID, publicKey []byte, signCount uint32, biometricType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[identityID]
	if !ok {
		return fmt.Errorf("identity: %w", model.ErrNotFound)
	}
	identity.CredentialID = credentialID
	identity.PublicKey = publicKey
	identity.SignCount = signCount
	identity.BiometricType = biometricType
	return nil
}

func (r *fakeIdentityRepo) UpdateSignCount(_ context.Context, identityID string, signCount uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[identityID]
	if !ok {
		return fmt.Errorf("identity: %w", model.ErrNotFound)
	}
	identity.SignCount = signCount
	return nil
}

func (r *fakeIdentityRepo) DeleteIdentity(_ context.Context, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[identityID]
	if !ok {
		return nil
	}
	delete(r.byEmail, identity.Email)
	delete(r.byPhone, identity.Phone)
	delete(r.byID, identityID)
	return nil
}

func (r *fakeIdentityRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

type fakeRefreshRepo struct {
	mu    sync.Mutex
	slots map[string]*model.RefreshTokenRecord
}

func newFakeRefreshRepo() *fakeRefreshRepo {
	return &fakeRefreshRepo{slots: make(map[string]*model.RefreshTokenRecord)}
}

func (r *fakeRefreshRepo) Upsert(_ context.Context, record *model.RefreshTokenRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *record
	r.slots[record.IdentityID] = &cp
	return nil
}

func (r *fakeRefreshRepo) Get(_ context.Context, identityID string) (*model.RefreshTokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[identityID]
	if !ok {
		return nil, fmt.Errorf("refresh slot: %w", model.ErrNotFound)
	}
	cp := *slot
	return &cp, nil
}

func (r *fakeRefreshRepo) Rotate(_ context.Context, identityID, expectedHash string, next *model.RefreshTokenRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[identityID]
	if !ok || slot.TokenHash != expectedHash || slot.State != model.RefreshStateActive {
		return false, nil
	}
	cp := *next
	r.slots[identityID] = &cp
	return true, nil
}

func (r *fakeRefreshRepo) Revoke(_ context.Context, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.slots[identityID]; ok {
		slot.State = model.RefreshStateRevoked
	}
	return nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string][]*model.SessionRecord
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string][]*model.SessionRecord)}
}

func (r *fakeSessionRepo) CreateSession(_ context.Context, session *model.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}
	cp := *session
	r.sessions[session.IdentityID] = append(r.sessions[session.IdentityID], &cp)
	return nil
}

func (r *fakeSessionRepo) GetSession(_ context.Context, identityID, sessionID string) (*model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions[identityID] {
		if session.SessionID == sessionID {
			cp := *session
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("session: %w", model.ErrNotFound)
}

func (r *fakeSessionRepo) ListActiveSessions(_ context.Context, identityID string) ([]*model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []*model.SessionRecord
	for _, session := range r.sessions[identityID] {
		if session.State == model.SessionStateActive {
			cp := *session
			active = append(active, &cp)
		}
	}
	return active, nil
}

func (r *fakeSessionRepo) CloseSession(_ context.Context, identityID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions[identityID] {
		if session.SessionID == sessionID {
			session.State = model.SessionStateClosed
			session.ClosedAt = time.Now().UTC()
		}
	}
	return nil
}

func (r *fakeSessionRepo) CloseAllSessions(_ context.Context, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions[identityID] {
		session.State = model.SessionStateClosed
		session.ClosedAt = time.Now().UTC()
	}
	return nil
}

type fakeOTPRepo struct {
	mu      sync.Mutex
	records map[string][]*model.OTPRecord
}

func newFakeOTPRepo() *fakeOTPRepo {
	return &fakeOTPRepo{records: make(map[string][]*model.OTPRecord)}
}

func (r *fakeOTPRepo) CreateOTP(_ context.Context, otp *model.OTPRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if otp.OTPID == "" {
		otp.OTPID = uuid.NewString()
	}
	cp := *otp
	r.records[otp.IdentityID] = append(r.records[otp.IdentityID], &cp)
	return nil
}

func (r *fakeOTPRepo) GetLatestOTP(_ context.Context, identityID string) (*model.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *model.OTPRecord
	for _, record := range r.records[identityID] {
		if latest == nil || record.CreatedAt.After(latest.CreatedAt) {
			latest = record
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no OTP issued: %w", model.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeOTPRepo) UpdateOTPState(_ context.Context, identityID, otpID, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records[identityID] {
		if record.OTPID == otpID {
			record.State = state
		}
	}
	return nil
}

func (r *fakeOTPRepo) ExpireActiveOTPs(_ context.Context, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records[identityID] {
		if record.State == model.OTPStateActive {
			record.State = model.OTPStateExpired
		}
	}
	return nil
}

func (r *fakeOTPRepo) stateOf(identityID, otpID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records[identityID] {
		if record.OTPID == otpID {
			return record.State
		}
	}
	return ""
}

type fakeAttemptCache struct {
	mu       sync.Mutex
	counters map[string]int
	locks    map[string]bool
}

func newFakeAttemptCache() *fakeAttemptCache {
	return &fakeAttemptCache{counters: make(map[string]int), locks: make(map[string]bool)}
}

func (c *fakeAttemptCache) IncrementCounter(_ context.Context, key string, _ time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

func (c *fakeAttemptCache) ResetCounter(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
	return nil
}

func (c *fakeAttemptCache) SetTemporaryLock(_ context.Context, key string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locks[key] = true
	return nil
}

func (c *fakeAttemptCache) IsLocked(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[key], nil
}

type fakeChallengeCache struct {
	mu      sync.Mutex
	records map[string]*model.ChallengeRecord
}

func newFakeChallengeCache() *fakeChallengeCache {
	return &fakeChallengeCache{records: make(map[string]*model.ChallengeRecord)}
}

func (c *fakeChallengeCache) Put(_ context.Context, record *model.ChallengeRecord, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *record
	c.records[record.Purpose+":"+record.IdentityID] = &cp
	return nil
}

func (c *fakeChallengeCache) Take(_ context.Context, identityID, purpose string) (*model.ChallengeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := purpose + ":" + identityID
	record, ok := c.records[key]
	if !ok {
		return nil, fmt.Errorf("no pending challenge: %w", model.ErrNotFound)
	}
	delete(c.records, key)
	return record, nil
}

type fakeSMSSender struct {
	mu       sync.Mutex
	sent     []string
	failNext bool
}

func (s *fakeSMSSender) SendOTP(_ context.Context, _ string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return fmt.Errorf("gateway unavailable")
	}
	s.sent = append(s.sent, code)
	return nil
}

func (s *fakeSMSSender) lastCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1]
}

// fakeVerifier stands in for the WebAuthn ceremony engine. The finish
// steps succeed or fail by flag; the returned credential carries a
// configurable sign count.
type fakeVerifier struct {
	failRegistration     bool
	degradedRegistration bool
	failLogin            bool
	loginSignCount       uint32
	cloneWarning         bool
}

func (v *fakeVerifier) BeginRegistration(_ *model.Identity) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: "test-challenge"}, nil
}

func (v *fakeVerifier) FinishRegistration(_ *model.Identity, _ webauthn.SessionData, _ []byte) (*webauthn.Credential, bool, error) {
	if v.failRegistration {
		return nil, false, fmt.Errorf("attestation rejected")
	}
	return &webauthn.Credential{
		ID:            []byte("credential-1"),
		PublicKey:     []byte("public-key-1"),
		Authenticator: webauthn.Authenticator{SignCount: 0},
	}, v.degradedRegistration, nil
}

func (v *fakeVerifier) BeginLogin(_ *model.Identity) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "test-challenge"}, nil
}

func (v *fakeVerifier) FinishLogin(_ *model.Identity, _ webauthn.SessionData, _ []byte) (*webauthn.Credential, error) {
	if v.failLogin {
		return nil, fmt.Errorf("assertion rejected")
	}
	return &webauthn.Credential{
		ID:        []byte("credential-1"),
		PublicKey: []byte("public-key-1"),
		Authenticator: webauthn.Authenticator{
			SignCount:    v.loginSignCount,
			CloneWarning: v.cloneWarning,
		},
	}, nil
}

// ---------------------------------------------------------------------
// Shared test environment.
// ---------------------------------------------------------------------

type testEnv struct {
	identities *fakeIdentityRepo
	refresh    *fakeRefreshRepo
	sessions   *fakeSessionRepo
	otps       *fakeOTPRepo
	attempts   *fakeAttemptCache
	challenges *fakeChallengeCache
	sender     *fakeSMSSender
	verifier   *fakeVerifier
	cfg        *config.Config
	recorder   *audit.Recorder
	auth       *AuthService
	otp        *OTPService
	webauthn   *WebAuthnService
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Hashing.BcryptCost = 4
	cfg.Hashing.Argon2MemoryCost = 8 * 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.PepperRotationDays = 30
	cfg.Token.Secret = "test-secret-key-for-jwt-signing"
	cfg.Token.AccessTokenTTL = time.Minute
	cfg.Token.RefreshTokenTTL = 7 * 24 * time.Hour
	cfg.OTP.TTL = 2 * time.Minute
	cfg.OTP.MaxAttempts = 5
	cfg.OTP.LockDuration = 15 * time.Minute
	cfg.WebAuthn.ChallengeTTL = 5 * time.Minute
	cfg.SMS.DefaultCountryCode = "+52"
	cfg.Bucketing.IdentityBuckets = 64
	cfg.Bucketing.EventBuckets = 16
	return cfg
}

func newTestEnv() *testEnv {
	cfg := testConfig()
	env := &testEnv{
		identities: newFakeIdentityRepo(),
		refresh:    newFakeRefreshRepo(),
		sessions:   newFakeSessionRepo(),
		otps:       newFakeOTPRepo(),
		attempts:   newFakeAttemptCache(),
		challenges: newFakeChallengeCache(),
		sender:     &fakeSMSSender{},
		verifier:   &fakeVerifier{},
		cfg:        cfg,
	}

	hasher := hashing.NewHasher(cfg)
	issuer := token.NewIssuer([]byte(cfg.Token.Secret), cfg.Token.AccessTokenTTL, cfg.Token.RefreshTokenTTL)
	recorder := audit.NewRecorder(cfg, nil, nil, nil, bucketing.NewBucketingManager(cfg))
	env.recorder = recorder

	env.auth = NewAuthService(env.identities, env.refresh, env.sessions, env.otps, env.attempts,
		hasher, nil, issuer, recorder, cfg)
	env.otp = NewOTPService(env.identities, env.otps, env.attempts, hasher, env.sender, env.auth, recorder, cfg)
	env.webauthn = NewWebAuthnService(env.identities, env.challenges, env.verifier, nil, env.auth, recorder, cfg)

	return env
}
