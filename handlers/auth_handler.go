package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/middleware"
	"sponsorhub-backend/models"
	"sponsorhub-backend/services"
	"sponsorhub-backend/storage/auth"
)

// AuthHandler serves the waitlist, login and profile endpoints.
type AuthHandler struct {
	*BaseHandler
	authService *services.AuthService
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *services.AuthService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		BaseHandler: NewBaseHandler(log),
		authService: authService,
	}
}

// HandleJoinWaitlist adds an email to the waitlist.
func (h *AuthHandler) HandleJoinWaitlist(c *gin.Context) {
	var req models.WaitlistRequest
	if !h.bindJSON(c, &req) {
		return
	}
	entry, err := h.authService.JoinWaitlist(c.Request.Context(), req.Email, req.Source, req.CaptchaToken, c.ClientIP())
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusCreated, entry)
}

// HandleRequestMagicLink mails a one-time login link.
func (h *AuthHandler) HandleRequestMagicLink(c *gin.Context) {
	var req models.MagicLinkRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if err := h.authService.RequestMagicLink(c.Request.Context(), req.Email, req.CaptchaToken, c.ClientIP()); err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.NewSuccessResponse(gin.H{"sent": true}))
}

// HandleVerify exchanges a login link for a session and sets the session cookie.
func (h *AuthHandler) HandleVerify(c *gin.Context) {
	var req models.VerifyRequest
	if !h.bindJSON(c, &req) {
		return
	}
	session, err := h.authService.Verify(c.Request.Context(), req.Email, req.Token)
	if err != nil {
		h.sendError(c, err)
		return
	}
	setSessionCookie(c, session.Token, h.authService.SessionTTL())
	h.sendSuccess(c, http.StatusOK, models.SessionResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		User:      session.User,
		NewUser:   session.NewUser,
	})
}

// HandleLogout clears the session cookie. Bearer tokens simply expire.
func (h *AuthHandler) HandleLogout(c *gin.Context) {
	setSessionCookie(c, "", -1)
	h.sendSuccess(c, http.StatusOK, gin.H{"logged_out": true})
}

// HandleProfile returns the caller's account.
func (h *AuthHandler) HandleProfile(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	user, err := h.authService.CurrentUser(c.Request.Context(), actor)
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, user)
}

// HandleUpdateProfile sets role, display name and the optional profile fields.
func (h *AuthHandler) HandleUpdateProfile(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req auth.ProfileUpdate
	if !h.bindJSON(c, &req) {
		return
	}
	user, err := h.authService.UpdateProfile(c.Request.Context(), actor, req)
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, user)
}

// HandleSearchProfiles lists counterparties, optionally by role and text query.
func (h *AuthHandler) HandleSearchProfiles(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	filter := auth.ProfileFilter{
		Role:  deal.Role(c.Query("role")),
		Query: c.Query("q"),
		Limit: queryInt(c, "limit", 25),
	}
	if filter.Role != "" && !filter.Role.Valid() {
		h.sendError(c, auth.ErrInvalidRole)
		return
	}
	users, err := h.authService.SearchProfiles(c.Request.Context(), actor, filter)
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewSuccessResponseWithMeta(users, map[string]interface{}{"count": len(users)}))
}

// HandleListWaitlist is the admin view of signups.
func (h *AuthHandler) HandleListWaitlist(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	entries, err := h.authService.ListWaitlist(c.Request.Context(), actor, c.Query("status"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewSuccessResponseWithMeta(entries, map[string]interface{}{"count": len(entries)}))
}

// HandleApproveWaitlist lets an email request login links.
func (h *AuthHandler) HandleApproveWaitlist(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req models.ApproveWaitlistRequest
	if !h.bindJSON(c, &req) {
		return
	}
	entry, err := h.authService.ApproveWaitlist(c.Request.Context(), actor, req.Email)
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, entry)
}

func setSessionCookie(c *gin.Context, token string, ttl time.Duration) {
	maxAge := int(ttl.Seconds())
	if ttl < 0 {
		maxAge = -1
	}
	secure := c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https"
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, token, maxAge, "/", "", secure, true)
}
