package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"identity-service/internal/model"
	"identity-service/internal/service"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type contextKey string

const identityIDKey contextKey = "identity_id"

// IdentityIDFromContext returns the authenticated identity ID placed by
// the auth middleware.
func IdentityIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityIDKey).(string)
	return id, ok
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	util.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	respondWithJSON(w, statusCode, errorResponse(err, message))
}

// statusFromError determines the appropriate HTTP status code for an error
func statusFromError(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AuthHandler handles HTTP requests for registration, login and the
// token/session lifecycle.
type AuthHandler struct {
	authService  *service.AuthService
	otpService   *service.OTPService
	oauthService *service.OAuthService
	logger       *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(
	authService *service.AuthService,
	otpService *service.OTPService,
	oauthService *service.OAuthService,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		otpService:   otpService,
		oauthService: oauthService,
		logger:       logger,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/oauth/login", h.OAuthLogin)
		r.Get("/oauth/providers", h.OAuthProviders)
		r.Post("/token/refresh", h.Refresh)
		r.Get("/check-email", h.CheckEmail)
		r.Get("/check-phone", h.CheckPhone)
		r.Post("/otp/send", h.SendOTP)
		r.Post("/otp/verify", h.VerifyOTP)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)
			r.Get("/sessions", h.ListSessions)
		})
	})
}

// RequireAuth validates the bearer token and stores the identity ID in
// the request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondWithError(w, http.StatusUnauthorized, model.ErrTokenInvalid, "Missing bearer token")
			return
		}

		identityID, err := h.authService.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, err, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityIDKey, identityID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CheckEmail reports whether an email is free to register
// @Summary Check email availability
// @Tags auth
// @Produce json
// @Param email query string true "Email to check"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /auth/check-email [get]
func (h *AuthHandler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	available, err := h.authService.CheckEmailAvailable(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to check email")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"available": available}, "Email checked"))
}

// CheckPhone reports whether a phone number is free to register
// @Summary Check phone availability
// @Tags auth
// @Produce json
// @Param phone query string true "Phone to check"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /auth/check-phone [get]
func (h *AuthHandler) CheckPhone(w http.ResponseWriter, r *http.Request) {
	available, err := h.authService.CheckPhoneAvailable(r.Context(), r.URL.Query().Get("phone"))
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to check phone")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"available": available}, "Phone checked"))
}

// Register handles identity creation
// @Summary Register a new identity
// @Description Create a password-based identity with email and profile data
// @Tags auth
// @Accept json
// @Produce json
// @Param request body service.RegisterRequest true "Registration request"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Failure 500 {object} Response
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	identity, err := h.authService.Register(ctx, &req)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to register identity")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(identity, "Identity registered successfully"))
	h.logger.Info("Identity registered via HTTP",
		util.String("identity_id", identity.IdentityID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Register"),
	)
}

// Login handles password login
// @Summary Log in with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body service.LoginRequest true "Login request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req service.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	req.IPAddress = r.RemoteAddr
	req.UserAgent = r.UserAgent()

	result, err := h.authService.Login(ctx, &req)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Login failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
}

// OAuthLogin handles federated login
// @Summary Log in with a federated provider assertion
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object true "Provider login request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 409 {object} Response
// @Router /auth/oauth/login [post]
func (h *AuthHandler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Provider  string `json:"provider"`
		Assertion string `json:"assertion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.oauthService.Login(ctx, req.Provider, req.Assertion, r.RemoteAddr, r.UserAgent())
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Federated login failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
}

// OAuthProviders lists the configured federated providers
// @Summary List federated providers
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Router /auth/oauth/providers [get]
func (h *AuthHandler) OAuthProviders(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, successResponse(h.oauthService.Providers(), "Providers retrieved successfully"))
}

// Refresh handles refresh token rotation
// @Summary Exchange a refresh token for a fresh pair
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object true "Refresh request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Router /auth/token/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	pair, err := h.authService.Refresh(ctx, req.RefreshToken)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Token refresh failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(pair, "Tokens refreshed successfully"))
}

// Logout handles session teardown
// @Summary Log out and revoke the refresh token
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID, _ := IdentityIDFromContext(ctx)

	if err := h.authService.Logout(ctx, identityID); err != nil {
		respondWithError(w, statusFromError(err), err, "Logout failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out successfully"))
	h.logger.Info("Identity logged out via HTTP",
		util.String("identity_id", identityID),
		util.String("method", "Logout"),
	)
}

// Me returns the authenticated identity
// @Summary Get the authenticated identity
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID, _ := IdentityIDFromContext(ctx)

	identity, err := h.authService.GetIdentity(ctx, identityID)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to get identity")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(identity, "Identity retrieved successfully"))
}

// ListSessions returns the identity's active sessions
// @Summary List active sessions
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/sessions [get]
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID, _ := IdentityIDFromContext(ctx)

	sessions, err := h.authService.ListSessions(ctx, identityID)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to list sessions")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(sessions, "Sessions retrieved successfully"))
}

// SendOTP issues a one-time login code to a registered phone number
// @Summary Send a login code by SMS
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object true "Phone number"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 502 {object} Response
// @Router /auth/otp/send [post]
func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.otpService.IssueOTP(ctx, req.Phone); err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to send login code")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Login code sent"))
}

// VerifyOTP checks a submitted one-time code and opens a session
// @Summary Log in with an SMS code
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object true "Phone number and code"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /auth/otp/verify [post]
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.otpService.VerifyOTP(ctx, req.Phone, req.Code, r.RemoteAddr, r.UserAgent())
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Code verification failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(result, "Logged in successfully"))
}
