package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

const algorithmTag = "argon2id-v1"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher covers both credential families: bcrypt for long-lived
// passwords and peppered argon2id for OTP codes and refresh tokens.
// Peppers are derived from a configured secret, so every replica, and
// every restart of the same deployment, resolves the same pepper for a
// given version and stored hashes stay verifiable.
type Hasher struct {
	params        Argon2Params
	bcryptCost    int
	pepperSecret  []byte
	currentPepper *Pepper
	config        *config.Config
	mu            sync.RWMutex
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	secret := []byte(cfg.Hashing.PepperSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			util.Fatal("Failed to generate fallback pepper secret", zap.Error(err))
		}
		util.Warn("PEPPER_SECRET is not set; OTP and refresh token hashes will not survive a restart")
	}

	h := &Hasher{
		params:       params,
		bcryptCost:   cfg.Hashing.BcryptCost,
		pepperSecret: secret,
		config:       cfg,
	}

	h.rotatePepper()

	return h
}

// derivePepper expands the configured secret into the pepper for a
// version. Derivation is deterministic, so no pepper ever needs to be
// stored.
func (h *Hasher) derivePepper(version int) string {
	mac := hmac.New(sha256.New, h.pepperSecret)
	fmt.Fprintf(mac, "pepper-v%d", version)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	version := 1
	if h.currentPepper != nil {
		version = h.currentPepper.Version + 1
	}

	h.currentPepper = &Pepper{
		Value:     h.derivePepper(version),
		CreatedAt: time.Now(),
		Version:   version,
	}

	util.Info("Pepper rotated",
		zap.Int("version", h.currentPepper.Version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
}

// StartPepperRotation starts background pepper rotation. Any version is
// re-derivable from the secret, so hashes minted before a rotation
// still verify.
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.config.Hashing.PepperRotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()
		}
	}()
}

// -------------------- PASSWORDS (bcrypt) --------------------

// HashPassword produces a bcrypt digest at the configured cost.
func (h *Hasher) HashPassword(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(digest), nil
}

// VerifyPassword reports whether the password matches the stored digest.
func (h *Hasher) VerifyPassword(password, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

// -------------------- OTP / REFRESH (peppered argon2id) --------------------

func (h *Hasher) HashOTP(code string) (string, error) {
	return h.hashWithPepper(code, "otp")
}

func (h *Hasher) VerifyOTP(code, encoded string) (bool, error) {
	return h.verifyWithPepper(code, encoded, "otp")
}

func (h *Hasher) HashRefreshToken(token string) (string, error) {
	return h.hashWithPepper(token, "refresh")
}

func (h *Hasher) VerifyRefreshToken(token, encoded string) (bool, error) {
	return h.verifyWithPepper(token, encoded, "refresh")
}

// hashWithPepper derives an argon2id digest and encodes it together
// with salt and pepper version as a single storable string.
func (h *Hasher) hashWithPepper(data, context string) (string, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context separation prevents hash reuse between purposes
	contextualData := data + pepper.Value + context

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return strings.Join([]string{
		algorithmTag,
		strconv.Itoa(pepper.Version),
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(hash),
	}, "$"), nil
}

func (h *Hasher) verifyWithPepper(data, encoded, context string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != algorithmTag {
		return false, ErrInvalidHash
	}

	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, ErrInvalidHash
	}

	pepper, err := h.getPepper(version)
	if err != nil {
		return false, fmt.Errorf("pepper version not found: %w", err)
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false, ErrInvalidHash
	}

	contextualData := data + pepper + context

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	// Constant time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	if version < 1 {
		return "", errors.New("pepper version not found")
	}
	return h.derivePepper(version), nil
}
