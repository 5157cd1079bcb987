package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"identity-service/internal/service"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// WebAuthnHandler handles HTTP requests for the biometric ceremonies.
type WebAuthnHandler struct {
	webauthnService *service.WebAuthnService
	authHandler     *AuthHandler
	logger          *zap.Logger
}

// NewWebAuthnHandler creates a new WebAuthn handler
func NewWebAuthnHandler(webauthnService *service.WebAuthnService, authHandler *AuthHandler, logger *zap.Logger) *WebAuthnHandler {
	return &WebAuthnHandler{
		webauthnService: webauthnService,
		authHandler:     authHandler,
		logger:          logger,
	}
}

// RegisterRoutes registers all WebAuthn routes
func (h *WebAuthnHandler) RegisterRoutes(router chi.Router) {
	router.Route("/webauthn", func(r chi.Router) {
		// Public ceremonies: new-identity registration and login
		r.Post("/register/begin", h.BeginRegistration)
		r.Post("/register/finish", h.FinishRegistration)
		r.Post("/login/begin", h.BeginLogin)
		r.Post("/login/finish", h.FinishLogin)
		r.Get("/type/{email}", h.BiometricType)

		// Credential enrollment for an authenticated identity
		r.Group(func(r chi.Router) {
			r.Use(h.authHandler.RequireAuth)
			r.Post("/credentials/begin", h.BeginAddCredential)
			r.Post("/credentials/finish", h.FinishAddCredential)
		})
	})
}

// BeginRegistration starts biometric registration of a new identity
// @Summary Begin biometric registration
// @Description Start the attestation ceremony for a new identity
// @Tags webauthn
// @Accept json
// @Produce json
// @Param request body service.BiometricRegisterRequest true "Registration profile"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /webauthn/register/begin [post]
func (h *WebAuthnHandler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req service.BiometricRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	options, identityID, err := h.webauthnService.BeginRegistration(ctx, &req)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to begin registration")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"identity_id": identityID,
		"options":     options,
	}, "Registration ceremony started"))
}

// FinishRegistration completes biometric registration
// @Summary Finish biometric registration
// @Description Verify the attestation response and create the identity
// @Tags webauthn
// @Accept json
// @Produce json
// @Param request body object true "Attestation response"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /webauthn/register/finish [post]
func (h *WebAuthnHandler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		IdentityID string          `json:"identity_id"`
		Response   json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.webauthnService.FinishRegistration(ctx, req.IdentityID, req.Response)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Registration failed")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(result, "Identity registered successfully"))
	h.logger.Info("Biometric identity registered via HTTP",
		util.String("identity_id", result.Identity.IdentityID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "FinishRegistration"),
	)
}

// BeginLogin starts a biometric login ceremony
// @Summary Begin biometric login
// @Tags webauthn
// @Accept json
// @Produce json
// @Param request body object true "Login request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Router /webauthn/login/begin [post]
func (h *WebAuthnHandler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	options, identityID, err := h.webauthnService.BeginLogin(ctx, req.Email)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to begin login")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"identity_id": identityID,
		"options":     options,
	}, "Login ceremony started"))
}

// BiometricType reports the enrolled authenticator kind for an email
// @Summary Look up the biometric type registered for an email
// @Tags webauthn
// @Produce json
// @Param email path string true "Email"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /webauthn/type/{email} [get]
func (h *WebAuthnHandler) BiometricType(w http.ResponseWriter, r *http.Request) {
	biometricType, err := h.webauthnService.BiometricType(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to look up biometric type")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"biometric_type": biometricType,
	}, "Biometric type retrieved"))
}

// FinishLogin completes a biometric login ceremony
// @Summary Finish biometric login
// @Tags webauthn
// @Accept json
// @Produce json
// @Param request body object true "Assertion response"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /webauthn/login/finish [post]
func (h *WebAuthnHandler) FinishLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		IdentityID string          `json:"identity_id"`
		Response   json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.webauthnService.FinishLogin(ctx, req.IdentityID, req.Response, r.RemoteAddr, r.UserAgent())
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Login failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
}

// BeginAddCredential starts credential enrollment for an existing identity
// @Summary Begin credential enrollment
// @Tags webauthn
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Router /webauthn/credentials/begin [post]
func (h *WebAuthnHandler) BeginAddCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID, _ := IdentityIDFromContext(ctx)

	options, err := h.webauthnService.AddCredential(ctx, identityID)
	if err != nil {
		respondWithError(w, statusFromError(err), err, "Failed to begin enrollment")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(options, "Enrollment ceremony started"))
}

// FinishAddCredential completes credential enrollment
// @Summary Finish credential enrollment
// @Tags webauthn
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object true "Attestation response"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Router /webauthn/credentials/finish [post]
func (h *WebAuthnHandler) FinishAddCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID, _ := IdentityIDFromContext(ctx)

	var req struct {
		BiometricType string          `json:"biometric_type"`
		Response      json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.webauthnService.FinishAddCredential(ctx, identityID, req.BiometricType, req.Response); err != nil {
		respondWithError(w, statusFromError(err), err, "Enrollment failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Credential enrolled successfully"))
	h.logger.Info("Credential enrolled via HTTP",
		util.String("identity_id", identityID),
		util.String("method", "FinishAddCredential"),
	)
}
