package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"identity-service/internal/model"
	"identity-service/internal/service"
	"identity-service/internal/token"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid input", err: model.ErrInvalidInput, want: http.StatusBadRequest},
		{name: "auth failed", err: model.ErrAuthFailed, want: http.StatusUnauthorized},
		{name: "token invalid", err: model.ErrTokenInvalid, want: http.StatusUnauthorized},
		{name: "not found", err: model.ErrNotFound, want: http.StatusNotFound},
		{name: "conflict", err: model.ErrConflict, want: http.StatusConflict},
		{name: "upstream", err: model.ErrUpstream, want: http.StatusBadGateway},
		{name: "wrapped conflict", err: errors.Join(errors.New("email taken"), model.ErrConflict), want: http.StatusConflict},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFromError(tt.err))
		})
	}
}

func TestRequireAuth(t *testing.T) {
	issuer := token.NewIssuer([]byte("test-secret-key-for-jwt-signing"), time.Minute, time.Hour)
	authService := service.NewAuthService(nil, nil, nil, nil, nil, nil, nil, issuer, nil, nil)
	h := NewAuthHandler(authService, nil, nil, zap.NewNop())

	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/protected", func(w http.ResponseWriter, r *http.Request) {
			identityID, ok := IdentityIDFromContext(r.Context())
			require.True(t, ok)
			w.Write([]byte(identityID))
		})
	})

	pair, err := issuer.IssuePair("identity-123")
	require.NoError(t, err)

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantBody   string
	}{
		{name: "no header", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", authHeader: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", authHeader: "Bearer garbage", wantStatus: http.StatusUnauthorized},
		{name: "valid token", authHeader: "Bearer " + pair.AccessToken, wantStatus: http.StatusOK, wantBody: "identity-123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestRouter_HealthAndTLSEnforcement(t *testing.T) {
	issuer := token.NewIssuer([]byte("test-secret-key-for-jwt-signing"), time.Minute, time.Hour)
	authService := service.NewAuthService(nil, nil, nil, nil, nil, nil, nil, issuer, nil, nil)
	authHandler := NewAuthHandler(authService, nil, nil, zap.NewNop())
	webauthnHandler := NewWebAuthnHandler(nil, authHandler, zap.NewNop())

	t.Run("health endpoint", func(t *testing.T) {
		router := NewRouter(authHandler, webauthnHandler, false, zap.NewNop())
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "healthy")
	})

	t.Run("plain http rejected when TLS enforced", func(t *testing.T) {
		router := NewRouter(authHandler, webauthnHandler, true, zap.NewNop())
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		router := NewRouter(authHandler, webauthnHandler, false, zap.NewNop())
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
