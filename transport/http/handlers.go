package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/resolver"
	"github.com/layer-3/authflow/service"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

// StartSession opens (or reuses) an authentication session
func (h *AuthHandlers) StartSession(c *gin.Context) {
	var req struct {
		Provider core.Provider `json:"provider" binding:"required"`
		Email    string        `json:"email"`
		Address  string        `json:"address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	identifier := req.Email
	switch req.Provider {
	case core.ProviderWallet:
		identifier = req.Address
	case core.ProviderCredentials, core.ProviderOAuth:
	default:
		badRequest(c)
		return
	}

	sess, err := h.authService.StartSession(c.Request.Context(), identifier, core.SessionMetadata{
		Provider:  req.Provider,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// GetSession returns the current session snapshot
func (h *AuthHandlers) GetSession(c *gin.Context) {
	sess, err := h.authService.Session(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SessionEvents returns the stored event history of a session
func (h *AuthHandlers) SessionEvents(c *gin.Context) {
	evs, err := h.authService.SessionEvents(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if evs == nil {
		evs = []core.AuthEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// Challenge issues a wallet nonce
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	challenge, err := h.authService.IssueWalletChallenge(c.Request.Context(), req.Address, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, challenge)
}

// VerifyWallet checks a signed challenge and returns a wallet proof token
func (h *AuthHandlers) VerifyWallet(c *gin.Context) {
	var req struct {
		Address   string `json:"address" binding:"required"`
		Signature string `json:"signature" binding:"required"`
		Message   string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	token, err := h.authService.VerifyWallet(c.Request.Context(), req.Address, req.Signature, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

// SignIn exchanges a credentials or wallet proof for tokens. OAuth proofs are
// built by the provider callback, never taken from a client body.
func (h *AuthHandlers) SignIn(c *gin.Context) {
	var req struct {
		SessionID string        `json:"session_id" binding:"required"`
		Provider  core.Provider `json:"provider" binding:"required"`
		Email     string        `json:"email"`
		Password  string        `json:"password"`
		Name      string        `json:"name"`
		Address   string        `json:"address"`
		Token     string        `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	var proof resolver.Proof
	switch req.Provider {
	case core.ProviderCredentials:
		proof = resolver.CredentialsProof{Email: req.Email, Password: req.Password, Name: strings.TrimSpace(req.Name)}
	case core.ProviderWallet:
		proof = resolver.WalletProof{Address: req.Address, Token: req.Token}
	default:
		badRequest(c)
		return
	}

	res, err := h.authService.SignIn(c.Request.Context(), req.SessionID, proof)
	if err != nil {
		writeError(c, err)
		return
	}
	body := tokenResponse(res.Tokens)
	body["session"] = res.Session
	body["created"] = res.Created
	c.JSON(http.StatusOK, body)
}

// Refresh handles token refresh
func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	tokens, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(tokens))
}

// Logout handles session logout
func (h *AuthHandlers) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	err := h.authService.Logout(c.Request.Context(), req.RefreshToken)
	// An expired refresh token can no longer be used anyway.
	if err != nil && !errors.Is(err, core.ErrTokenExpired) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns information about the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	grant, ok := grantFrom(c)
	if !ok {
		writeError(c, core.ErrInvalidToken)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":  grant.UserID,
		"email":    grant.Email,
		"role":     grant.Role,
		"provider": grant.Provider,
	})
}

// Authorize checks if a user is authorized
func (h *AuthHandlers) Authorize(c *gin.Context) {
	grant, ok := grantFrom(c)
	if !ok {
		writeError(c, core.ErrInvalidToken)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorized": true,
		"user_id":    grant.UserID,
		"role":       grant.Role,
	})
}

func tokenResponse(t service.Tokens) gin.H {
	return gin.H{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"token_type":    "Bearer",
		"expires_at":    t.AccessExpiry,
	}
}
