package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/middleware"
	"github.com/keyfold/keyfold/pkg/errors"
	"github.com/keyfold/keyfold/pkg/response"
)

// AuthHandler exposes the authentication flows: login, logout, the MFA
// challenge and enrollment routes, and self-service password reset.
type AuthHandler struct {
	gateway     *iauth.Gateway
	resets      *iauth.ResetService
	environment string
}

func NewAuthHandler(gateway *iauth.Gateway, resets *iauth.ResetService, environment string) *AuthHandler {
	return &AuthHandler{gateway: gateway, resets: resets, environment: environment}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.gateway.Login(requestContext(c), req.Email, req.Password, clientMetadata(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setOrgCookie(c, result.OrgSlug, int(result.CookieTTL.Seconds()))

	response.Success(c, http.StatusOK, gin.H{
		"token":        result.Token,
		"mfa_required": result.MFARequired,
		"user": gin.H{
			"id":          result.User.ID,
			"email":       result.User.Email,
			"first_name":  result.User.FirstName,
			"last_name":   result.User.LastName,
			"mfa_enabled": result.User.MFAEnabled,
		},
	})
}

type mfaCodeRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// POST /api/auth/mfa verifies a TOTP code for an MFA-pending session.
func (h *AuthHandler) VerifyMFA(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req mfaCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.gateway.VerifyMFA(requestContext(c), identity, req.Code); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"verified": true})
}

// POST /api/auth/mfa/setup starts TOTP enrollment.
func (h *AuthHandler) SetupMFA(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	enrollment, err := h.gateway.BeginMFASetup(requestContext(c), identity)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"secret":           enrollment.Secret,
		"provisioning_uri": enrollment.ProvisioningURI,
		"backup_codes":     enrollment.BackupCodes,
	})
}

// POST /api/auth/mfa/confirm completes TOTP enrollment.
func (h *AuthHandler) ConfirmMFA(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req mfaCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.gateway.ConfirmMFASetup(requestContext(c), identity, req.Code); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"mfa_enabled": true})
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// POST /api/auth/reset-password always answers the same way, whether or
// not the account exists or is eligible.
func (h *AuthHandler) RequestReset(c *gin.Context) {
	var req resetRequest
	if !bindAndValidate(c, &req) {
		return
	}

	// Token delivery is the mailer's concern; the handler never returns it.
	if _, err := h.resets.Request(requestContext(c), req.Email); err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "If the account exists, a reset link has been sent",
	})
}

type completeResetRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// POST /api/auth/reset-password/complete
func (h *AuthHandler) CompleteReset(c *gin.Context) {
	var req completeResetRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.resets.Complete(requestContext(c), req.Token, req.Password); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Password updated"})
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.gateway.Logout(requestContext(c), identity); err != nil {
		response.Error(c, err)
		return
	}

	h.setOrgCookie(c, "", -1)
	response.Success(c, http.StatusOK, gin.H{"message": "Logged out"})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user": gin.H{
			"id":          identity.User.ID,
			"email":       identity.User.Email,
			"first_name":  identity.User.FirstName,
			"last_name":   identity.User.LastName,
			"mfa_enabled": identity.User.MFAEnabled,
		},
		"organization": gin.H{
			"id":   identity.Organization.ID,
			"name": identity.Organization.Name,
			"slug": identity.Organization.Slug,
		},
		"session": gin.H{
			"mfa_state":  identity.Session.MFAState,
			"expires_at": identity.Session.ExpiresAt,
		},
	})
}

// setOrgCookie writes the tenant cookie: httpOnly, SameSite=Lax, and secure
// outside local development and test.
func (h *AuthHandler) setOrgCookie(c *gin.Context, slug string, maxAge int) {
	secure := h.environment != "development" && h.environment != "test"
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.OrgCookieName, slug, maxAge, "/", "", secure, true)
}
