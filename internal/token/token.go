package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Issuer mints and verifies the access/refresh token pair for a login.
// Access tokens are short-lived HS256 JWTs; refresh tokens are opaque
// random handles whose lifecycle lives in the refresh ledger.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Pair is one issued access/refresh pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// NewIssuer creates a token issuer with the given signing secret and TTLs
func NewIssuer(secret []byte, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// IssuePair mints an access JWT and a fresh opaque refresh token for
// the identity. The refresh token embeds the identity ID so the ledger
// slot can be located without storing the token itself.
func (i *Issuer) IssuePair(identityID string) (*Pair, error) {
	now := time.Now()
	access, err := i.generateAccess(identityID, now)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     identityID + "." + uuid.NewString(),
		AccessExpiresAt:  now.Add(i.accessTTL),
		RefreshExpiresAt: now.Add(i.refreshTTL),
	}, nil
}

// ParseRefreshToken extracts the identity ID a refresh token was
// issued for. The secret part is only ever compared against the
// ledger's stored hash.
func ParseRefreshToken(refreshToken string) (identityID string, err error) {
	idx := strings.LastIndex(refreshToken, ".")
	if idx <= 0 || idx == len(refreshToken)-1 {
		return "", ErrInvalidToken
	}
	return refreshToken[:idx], nil
}

// RefreshTTL exposes the configured refresh lifetime for ledger rows.
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// Verify validates an access token and extracts the identity ID from
// the "sub" claim.
func (i *Issuer) Verify(tokenString string) (identityID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

func (i *Issuer) generateAccess(identityID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": identityID,
		"iat": now.Unix(),
		"exp": now.Add(i.accessTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}
