package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/middleware"
	"sponsorhub-backend/models"
	"sponsorhub-backend/security"
	"sponsorhub-backend/services"
	"sponsorhub-backend/storage/auth"
)

const genericErrorMessage = "something went wrong, please try again"

// BaseHandler provides common functionality for all handlers
type BaseHandler struct {
	log *zap.Logger
}

// NewBaseHandler creates a new base handler
func NewBaseHandler(log *zap.Logger) *BaseHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &BaseHandler{log: log}
}

// sendSuccess sends a success response
func (h *BaseHandler) sendSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, models.NewSuccessResponse(data))
}

// sendError maps err onto a status and a user-facing message. Internal errors are
// logged and never echoed.
func (h *BaseHandler) sendError(c *gin.Context, err error) {
	status, code, message := classify(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, models.NewErrorResponse(code, message, status))
}

func (h *BaseHandler) badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.NewErrorResponse("invalid_request", message, http.StatusBadRequest))
}

// bindJSON decodes the request body, answering 400 on malformed input.
func (h *BaseHandler) bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.badRequest(c, "request body must be valid JSON")
		return false
	}
	return true
}

// actor returns the authenticated caller, answering 401 when absent.
func (h *BaseHandler) actor(c *gin.Context) (deal.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok || actor.ID == "" {
		h.sendError(c, deal.ErrUnauthenticated)
		return deal.Actor{}, false
	}
	return actor, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

func classify(err error) (int, string, string) {
	var authErr auth.Err
	switch {
	case errors.Is(err, services.ErrCaptchaFailed):
		return http.StatusBadRequest, "captcha_failed", "Captcha verification failed, please try again"
	case errors.Is(err, security.ErrInvalidEmail):
		return http.StatusBadRequest, "validation", err.Error()
	case errors.Is(err, security.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated", "Your session has expired, sign in again"
	case errors.As(err, &authErr):
		return authStatus(authErr), "auth", authErr.Error()
	}

	kind := deal.KindOf(err)
	switch kind {
	case deal.KindValidation:
		return http.StatusBadRequest, kind.String(), err.Error()
	case deal.KindUnauthenticated:
		return http.StatusUnauthorized, kind.String(), err.Error()
	case deal.KindForbidden:
		return http.StatusForbidden, kind.String(), err.Error()
	case deal.KindNotFound:
		return http.StatusNotFound, kind.String(), err.Error()
	case deal.KindConflict:
		return http.StatusConflict, kind.String(), err.Error()
	default:
		return http.StatusInternalServerError, kind.String(), genericErrorMessage
	}
}

func authStatus(err auth.Err) int {
	switch err {
	case auth.ErrUserNotFound:
		return http.StatusNotFound
	case auth.ErrNotOnWaitlist, auth.ErrNotApproved:
		return http.StatusForbidden
	case auth.ErrInvalidRole, auth.ErrInvalidProfile:
		return http.StatusBadRequest
	case auth.ErrLinkInvalid:
		return http.StatusUnauthorized
	case auth.ErrTooManyAttempts:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// HealthHandler handles health check requests
type HealthHandler struct {
	*BaseHandler
	healthService *services.HealthService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(healthService *services.HealthService, log *zap.Logger) *HealthHandler {
	return &HealthHandler{
		BaseHandler:   NewBaseHandler(log),
		healthService: healthService,
	}
}

// HandleHealth handles health check requests
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	h.sendSuccess(c, http.StatusOK, h.healthService.GetHealthStatus())
}

// QRCodeHandler serves QR codes of submission links
type QRCodeHandler struct {
	*BaseHandler
	qrService *services.QRCodeService
}

// NewQRCodeHandler creates a new QR code handler
func NewQRCodeHandler(qrService *services.QRCodeService, log *zap.Logger) *QRCodeHandler {
	return &QRCodeHandler{
		BaseHandler: NewBaseHandler(log),
		qrService:   qrService,
	}
}

// HandleLatestSubmissionQRCode renders the latest submission URL as a PNG.
func (h *QRCodeHandler) HandleLatestSubmissionQRCode(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	png, err := h.qrService.LatestSubmissionQRCode(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}
