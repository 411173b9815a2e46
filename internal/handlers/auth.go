package handlers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/tgrange/bastion/internal/auth"
	"github.com/tgrange/bastion/internal/engine"
	"github.com/tgrange/bastion/internal/models"
)

// AuthEngine is the slice of the engine the HTTP boundary dispatches into.
type AuthEngine interface {
	Login(ctx context.Context, req engine.LoginRequest) (*engine.LoginResult, error)
	CompleteTwoFactorLogin(ctx context.Context, pendingToken, code string, req engine.LoginRequest) (*engine.LoginResult, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*engine.LoginResult, error)
	Logout(ctx context.Context, principalID string) error
	BeginTwoFactorEnrollment(ctx context.Context, principalID string) (*auth.Enrollment, error)
	ConfirmTwoFactorEnrollment(ctx context.Context, principalID, code string) error
	IssueAPIKey(ctx context.Context, principalID string) (string, error)
	RevokeAPIKey(ctx context.Context, principalID string) error
}

// AuthHandler adapts HTTP requests into engine calls.
type AuthHandler struct {
	engine AuthEngine
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(e AuthEngine) *AuthHandler {
	return &AuthHandler{engine: e}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email             string `json:"email" validate:"required,email"`
	Password          string `json:"password" validate:"required"`
	TwoFactorCode     string `json:"two_factor_code,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// TwoFactorLoginRequest completes a login that returned a pending token
type TwoFactorLoginRequest struct {
	PendingToken      string `json:"pending_token" validate:"required"`
	Code              string `json:"code" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// RefreshRequest represents the request body for token refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// ConfirmTwoFactorRequest confirms a pending 2FA enrollment
type ConfirmTwoFactorRequest struct {
	Code string `json:"code" validate:"required"`
}

// Response DTOs

// LoginResponse is the success (or two-factor-pending) login payload
type LoginResponse struct {
	RequiresTwoFactor bool                       `json:"requires_two_factor,omitempty"`
	PendingToken      string                     `json:"pending_token,omitempty"`
	AccessToken       string                     `json:"access_token,omitempty"`
	RefreshToken      string                     `json:"refresh_token,omitempty"`
	ExpiresAt         string                     `json:"refresh_expires_at,omitempty"`
	Principal         *models.SanitizedPrincipal `json:"principal,omitempty"`
}

// EnrollmentResponse carries 2FA setup material; shown once
type EnrollmentResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCode          string   `json:"qr_code"`
	BackupCodes     []string `json:"backup_codes"`
}

// APIKeyResponse carries a freshly issued API key; shown once
type APIKeyResponse struct {
	APIKey string `json:"api_key"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.Login(r.Context(), h.loginRequest(r, req))
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, loginResponse(result))
}

// CompleteTwoFactorLogin handles POST /auth/login/2fa
func (h *AuthHandler) CompleteTwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	var req TwoFactorLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	loginReq := h.loginRequest(r, LoginRequest{DeviceFingerprint: req.DeviceFingerprint})
	result, err := h.engine.CompleteTwoFactorLogin(r.Context(), req.PendingToken, req.Code, loginReq)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, loginResponse(result))
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, loginResponse(result))
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.engine.Logout(r.Context(), claims.Subject); err != nil {
		respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BeginTwoFactorEnrollment handles POST /auth/2fa/setup
func (h *AuthHandler) BeginTwoFactorEnrollment(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	enrollment, err := h.engine.BeginTwoFactorEnrollment(r.Context(), claims.Subject)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, &EnrollmentResponse{
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
		QRCode:          enrollment.QRCodeDataURL,
		BackupCodes:     enrollment.BackupCodes,
	})
}

// ConfirmTwoFactorEnrollment handles POST /auth/2fa/confirm
func (h *AuthHandler) ConfirmTwoFactorEnrollment(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ConfirmTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.ConfirmTwoFactorEnrollment(r.Context(), claims.Subject, req.Code); err != nil {
		respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IssueAPIKey handles POST /auth/api-key
func (h *AuthHandler) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	plainKey, err := h.engine.IssueAPIKey(r.Context(), claims.Subject)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, &APIKeyResponse{APIKey: plainKey})
}

// RevokeAPIKey handles DELETE /auth/api-key
func (h *AuthHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.engine.RevokeAPIKey(r.Context(), claims.Subject); err != nil {
		respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loginRequest assembles the engine request from the HTTP request context.
// A client-supplied fingerprint wins; otherwise one is derived from the
// origin address and user agent.
func (h *AuthHandler) loginRequest(r *http.Request, req LoginRequest) engine.LoginRequest {
	origin := clientIP(r)
	userAgent := r.UserAgent()

	fingerprint := req.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = auth.Fingerprint(origin, userAgent)
	}

	return engine.LoginRequest{
		Email:             req.Email,
		Password:          req.Password,
		TwoFactorCode:     req.TwoFactorCode,
		OriginAddress:     origin,
		UserAgent:         userAgent,
		DeviceFingerprint: fingerprint,
	}
}

func loginResponse(result *engine.LoginResult) *LoginResponse {
	resp := &LoginResponse{
		RequiresTwoFactor: result.RequiresTwoFactor,
		PendingToken:      result.PendingToken,
		AccessToken:       result.AccessToken,
		RefreshToken:      result.RefreshToken,
		Principal:         result.Principal,
	}
	if !result.RefreshExpiresAt.IsZero() {
		resp.ExpiresAt = result.RefreshExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
