package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/auth"
	"github.com/kosherhub/kosherhub/pkg/config"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// AuthAPI exposes registration, login, token lifecycle, sessions,
// step-up, and profile endpoints over the auth service.
type AuthAPI struct {
	svc     *auth.Service
	authCfg auth.Config
	apiCfg  config.APIConfig
	logger  observability.Logger
}

// NewAuthAPI wires the auth endpoints.
func NewAuthAPI(svc *auth.Service, authCfg auth.Config, apiCfg config.APIConfig, logger observability.Logger) *AuthAPI {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &AuthAPI{svc: svc, authCfg: authCfg, apiCfg: apiCfg, logger: logger}
}

// RegisterPublicRoutes mounts the endpoints that work without an access
// token.
func (a *AuthAPI) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/register", a.handleRegister)
	r.POST("/login", a.handleLogin)
	r.POST("/refresh", a.handleRefresh)
	r.POST("/logout", a.handleLogout)
	r.POST("/guest", a.handleCreateGuest)
	r.POST("/password/reset", a.handleInitiateReset)
	r.POST("/password/reset/confirm", a.handleConfirmReset)
	r.GET("/verify-email", a.handleVerifyEmail)
}

// RegisterProtectedRoutes mounts the endpoints behind AuthRequired.
func (a *AuthAPI) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", a.handleGetProfile)
	r.PATCH("/me", a.handleUpdateProfile)
	r.POST("/guest/upgrade", a.handleUpgradeGuest)
	r.GET("/sessions", a.handleListSessions)
	r.DELETE("/sessions", a.handleRevokeAllSessions)
	r.DELETE("/sessions/:sid", a.handleRevokeSession)
	r.POST("/password/change", a.handleChangePassword)
	r.POST("/step-up", a.handleCreateStepUp)
	r.GET("/step-up/:id", a.handleGetStepUp)
	r.POST("/step-up/:id/complete", a.handleCompleteStepUp)
}

func requestMeta(c *gin.Context) auth.RequestMeta {
	return auth.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func newCSRFToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("api: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// setAuthCookies installs the HttpOnly token cookies plus the readable
// CSRF cookie, and returns the CSRF token so it can also go in the
// body for non-cookie clients.
func (a *AuthAPI) setAuthCookies(c *gin.Context, pair *auth.TokenPair, refreshMaxAge int) string {
	domain := a.apiCfg.CookieDomain
	secure := a.apiCfg.CookieSecure

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieAccessToken, pair.AccessToken, int(pair.ExpiresIn), "/", domain, secure, true)
	c.SetCookie(CookieRefreshToken, pair.RefreshToken, refreshMaxAge, "/", domain, secure, true)

	csrf := newCSRFToken()
	c.SetCookie(CookieCSRF, csrf, refreshMaxAge, "/", domain, secure, false)
	return csrf
}

func (a *AuthAPI) clearAuthCookies(c *gin.Context) {
	domain := a.apiCfg.CookieDomain
	secure := a.apiCfg.CookieSecure
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieAccessToken, "", -1, "/", domain, secure, true)
	c.SetCookie(CookieRefreshToken, "", -1, "/", domain, secure, true)
	c.SetCookie(CookieCSRF, "", -1, "/", domain, secure, false)
}

// refreshCookieAge derives the refresh cookie lifetime from the token
// itself, so a rotated cookie never outlives its family horizon.
func (a *AuthAPI) refreshCookieAge(refreshToken string, fallback time.Duration) int {
	if claims, err := a.svc.Tokens().Decode(refreshToken); err == nil && claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 {
			return int(remaining.Seconds())
		}
	}
	return int(fallback.Seconds())
}

func userBody(u *auth.User) gin.H {
	return gin.H{
		"id":             u.ID,
		"email":          u.Email,
		"name":           u.DisplayName(),
		"email_verified": u.EmailVerified,
		"roles":          u.Roles,
	}
}

func tokenBody(pair *auth.TokenPair, csrf string) gin.H {
	return gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    pair.TokenType,
		"expires_in":    pair.ExpiresIn,
		"csrf_token":    csrf,
	}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

func (a *AuthAPI) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}

	user, pair, err := a.svc.RegisterUser(c.Request.Context(), req.Email, req.Password, req.Name, requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	csrf := a.setAuthCookies(c, pair, int(a.authCfg.RefreshTTL(false).Seconds()))
	c.JSON(http.StatusCreated, gin.H{
		"user":   userBody(user),
		"tokens": tokenBody(pair, csrf),
	})
}

type loginRequest struct {
	Email      string `json:"email" binding:"required"`
	Password   string `json:"password" binding:"required"`
	RememberMe bool   `json:"remember_me"`
}

func (a *AuthAPI) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}

	ctx := c.Request.Context()
	user, err := a.svc.AuthenticateUser(ctx, req.Email, req.Password, requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	pair, err := a.svc.GenerateTokens(ctx, user, req.RememberMe, requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	csrf := a.setAuthCookies(c, pair, int(a.authCfg.RefreshTTL(req.RememberMe).Seconds()))
	c.JSON(http.StatusOK, gin.H{
		"user":   userBody(user),
		"tokens": tokenBody(pair, csrf),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *AuthAPI) handleRefresh(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	token := req.RefreshToken
	if token == "" {
		if v, err := c.Cookie(CookieRefreshToken); err == nil {
			token = v
		}
	}
	if token == "" {
		respondError(c, apperrors.Authentication("missing refresh token"))
		return
	}

	pair, err := a.svc.RefreshAccessToken(c.Request.Context(), token, requestMeta(c))
	if err != nil {
		a.clearAuthCookies(c)
		respondError(c, err)
		return
	}
	maxAge := a.refreshCookieAge(pair.RefreshToken, a.authCfg.RefreshTTL(false))
	csrf := a.setAuthCookies(c, pair, maxAge)
	c.JSON(http.StatusOK, gin.H{"tokens": tokenBody(pair, csrf)})
}

func (a *AuthAPI) handleLogout(c *gin.Context) {
	token := ""
	if v, err := c.Cookie(CookieRefreshToken); err == nil {
		token = v
	}
	if token == "" {
		var req refreshRequest
		_ = c.ShouldBindJSON(&req)
		token = req.RefreshToken
	}
	if token == "" {
		token = bearerToken(c)
	}

	if token != "" {
		if err := a.svc.InvalidateToken(c.Request.Context(), token, requestMeta(c)); err != nil {
			// a malformed token still logs the browser out
			a.logger.Debug("logout invalidation failed", map[string]interface{}{"error": err.Error()})
		}
	}
	a.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (a *AuthAPI) handleCreateGuest(c *gin.Context) {
	user, pair, err := a.svc.CreateGuestUser(c.Request.Context(), requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	csrf := a.setAuthCookies(c, pair, int(a.authCfg.RefreshTTL(false).Seconds()))
	c.JSON(http.StatusCreated, gin.H{
		"user":   userBody(user),
		"tokens": tokenBody(pair, csrf),
	})
}

func (a *AuthAPI) handleUpgradeGuest(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}

	user, pair, err := a.svc.UpgradeGuestUser(c.Request.Context(), claims.UserID, req.Email, req.Password, req.Name, requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	csrf := a.setAuthCookies(c, pair, int(a.authCfg.RefreshTTL(false).Seconds()))
	c.JSON(http.StatusOK, gin.H{
		"user":   userBody(user),
		"tokens": tokenBody(pair, csrf),
	})
}

func (a *AuthAPI) handleGetProfile(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	profile, err := a.svc.GetUserProfile(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (a *AuthAPI) handleUpdateProfile(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	var update auth.ProfileUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, "invalid profile body")
		return
	}
	profile, err := a.svc.UpdateUserProfile(c.Request.Context(), claims.UserID, update, requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (a *AuthAPI) handleListSessions(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	sessions, err := a.svc.ListSessions(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		body := gin.H{
			"sid":        s.ID,
			"created_at": s.CreatedAt,
			"last_used":  s.LastUsed,
			"expires_at": s.ExpiresAt,
			"current":    s.ID == claims.SessionID,
			"revoked":    s.RevokedAt.Valid,
		}
		if s.UserAgent.Valid {
			body["user_agent"] = s.UserAgent.String
		}
		if s.IP.Valid {
			body["ip"] = s.IP.String
		}
		out = append(out, body)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (a *AuthAPI) handleRevokeSession(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	sid := c.Param("sid")
	if sid == "" {
		badRequest(c, "session id is required")
		return
	}
	if err := a.svc.RevokeSession(c.Request.Context(), claims.UserID, sid, requestMeta(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *AuthAPI) handleRevokeAllSessions(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	revoked, err := a.svc.RevokeAllSessions(c.Request.Context(), claims.UserID, claims.SessionID, requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

func (a *AuthAPI) handleChangePassword(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "current_password and new_password are required")
		return
	}
	if err := a.svc.ChangePassword(c.Request.Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		respondError(c, err)
		return
	}
	// every session including this one is gone; force a fresh login
	a.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type resetRequest struct {
	Email string `json:"email" binding:"required"`
}

func (a *AuthAPI) handleInitiateReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email is required")
		return
	}
	if err := a.svc.InitiatePasswordReset(c.Request.Context(), req.Email, requestMeta(c)); err != nil {
		respondError(c, err)
		return
	}
	// uniform reply whether or not the address exists
	c.JSON(http.StatusAccepted, gin.H{
		"message": "if the address is registered, a reset email has been sent",
	})
}

type confirmResetRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func (a *AuthAPI) handleConfirmReset(c *gin.Context) {
	var req confirmResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token and new_password are required")
		return
	}
	if err := a.svc.ResetPasswordWithToken(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *AuthAPI) handleVerifyEmail(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		badRequest(c, "token is required")
		return
	}
	if err := a.svc.VerifyEmail(c.Request.Context(), token); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "email verified"})
}

type stepUpRequest struct {
	Method   string `json:"method" binding:"required"`
	ReturnTo string `json:"return_to"`
}

func (a *AuthAPI) handleCreateStepUp(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	var req stepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "method is required")
		return
	}
	challenge, err := a.svc.CreateStepUpChallenge(c.Request.Context(), claims.UserID, req.Method, req.ReturnTo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, challenge)
}

func (a *AuthAPI) handleGetStepUp(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	challenge, err := a.svc.GetStepUpChallenge(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if challenge.UserID != claims.UserID {
		// challenges are private; do not confirm existence
		respondError(c, apperrors.NotFound("step-up challenge not found or expired"))
		return
	}
	c.JSON(http.StatusOK, challenge)
}

type completeStepUpRequest struct {
	Password  string `json:"password"`
	Assertion string `json:"assertion"`
}

func (a *AuthAPI) handleCompleteStepUp(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		respondError(c, apperrors.Authentication("missing credentials"))
		return
	}
	ctx := c.Request.Context()
	challenge, err := a.svc.GetStepUpChallenge(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if challenge.UserID != claims.UserID {
		respondError(c, apperrors.NotFound("step-up challenge not found or expired"))
		return
	}

	var req completeStepUpRequest
	_ = c.ShouldBindJSON(&req)
	if err := a.verifyStepUpProof(ctx, claims, challenge.RequiredMethod, req); err != nil {
		respondError(c, err)
		return
	}

	done, err := a.svc.CompleteStepUpChallenge(ctx, challenge.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, done)
}

// verifyStepUpProof checks the re-verification evidence for the
// challenge's required method.
func (a *AuthAPI) verifyStepUpProof(ctx context.Context, claims *auth.Claims, method string, req completeStepUpRequest) error {
	switch method {
	case auth.StepUpMethodPassword:
		if req.Password == "" {
			return apperrors.Validation("password is required for this challenge")
		}
		return a.svc.VerifyUserPassword(ctx, claims.UserID, req.Password)

	case auth.StepUpMethodWebAuthn:
		if !a.authCfg.WebAuthnEnabled {
			return apperrors.Validation("webauthn is not enabled")
		}
		if !a.authCfg.WebAuthnMock {
			return apperrors.ServiceUnavailable("webauthn verification is not configured")
		}
		if req.Assertion == "" {
			return apperrors.Validation("assertion is required for this challenge")
		}
		return nil

	case auth.StepUpMethodFreshSession:
		if claims.IssuedAt == nil || time.Since(claims.IssuedAt.Time) > a.authCfg.ChallengeTTL {
			return apperrors.Authentication("session is not fresh enough; sign in again")
		}
		return nil

	default:
		return apperrors.Validation("unknown step-up method")
	}
}
