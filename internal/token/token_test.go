package token

import (
	"errors"
	"testing"
	"time"
)

func TestIssuer_RoundTrip(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret-key-for-jwt-signing"), time.Minute, 7*24*time.Hour)

	pair, err := issuer.IssuePair("identity-123")
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}
	if pair.AccessToken == "" {
		t.Error("IssuePair() returned empty access token")
	}
	if pair.RefreshToken == "" {
		t.Error("IssuePair() returned empty refresh token")
	}

	gotID, err := issuer.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if gotID != "identity-123" {
		t.Errorf("Verify() = %q, want %q", gotID, "identity-123")
	}
}

func TestIssuer_RefreshTokensAreUnique(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret-key-for-jwt-signing"), time.Minute, time.Hour)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		pair, err := issuer.IssuePair("identity-123")
		if err != nil {
			t.Fatalf("IssuePair() error = %v", err)
		}
		if seen[pair.RefreshToken] {
			t.Fatalf("refresh token %q issued twice", pair.RefreshToken)
		}
		seen[pair.RefreshToken] = true
	}
}

func TestParseRefreshToken(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret-key-for-jwt-signing"), time.Minute, time.Hour)

	pair, err := issuer.IssuePair("identity-123")
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	gotID, err := ParseRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("ParseRefreshToken() error = %v", err)
	}
	if gotID != "identity-123" {
		t.Errorf("ParseRefreshToken() = %q, want %q", gotID, "identity-123")
	}

	for _, bad := range []string{"", "no-separator", ".leading", "trailing."} {
		if _, err := ParseRefreshToken(bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ParseRefreshToken(%q) error = %v, want ErrInvalidToken", bad, err)
		}
	}
}

func TestIssuer_InvalidToken(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret-key-for-jwt-signing"), time.Minute, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				other := NewIssuer([]byte("different-secret"), time.Minute, time.Hour)
				pair, _ := other.IssuePair("identity-123")
				return pair.AccessToken
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			if err == nil {
				t.Error("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestIssuer_ExpiredToken(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret-key-for-jwt-signing"), -time.Hour, time.Hour)

	pair, err := issuer.IssuePair("identity-123")
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	_, err = issuer.Verify(pair.AccessToken)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestIssuer_ExpiryTimestamps(t *testing.T) {
	accessTTL := time.Minute
	refreshTTL := 7 * 24 * time.Hour
	issuer := NewIssuer([]byte("test-secret-key-for-jwt-signing"), accessTTL, refreshTTL)

	before := time.Now()
	pair, err := issuer.IssuePair("identity-123")
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}
	after := time.Now()

	if pair.AccessExpiresAt.Before(before.Add(accessTTL)) || pair.AccessExpiresAt.After(after.Add(accessTTL)) {
		t.Errorf("access expiry %v outside expected window", pair.AccessExpiresAt)
	}
	if pair.RefreshExpiresAt.Before(before.Add(refreshTTL)) || pair.RefreshExpiresAt.After(after.Add(refreshTTL)) {
		t.Errorf("refresh expiry %v outside expected window", pair.RefreshExpiresAt)
	}
}
