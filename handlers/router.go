package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sponsorhub-backend/metrics"
	"sponsorhub-backend/middleware"
	"sponsorhub-backend/security"
)

// RouterConfig carries everything NewRouter mounts.
type RouterConfig struct {
	Health *HealthHandler
	Auth   *AuthHandler
	Deals  *DealHandler
	QRCode *QRCodeHandler

	Sessions       middleware.SessionParser
	Origins        *security.OriginPolicy
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	RequestTimeout time.Duration
	RateLimit      int
	TrustedProxies []string
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Error("invalid trusted proxies, ignoring forwarded headers", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(middleware.Recovery(log), middleware.Logging(log), middleware.SecurityHeaders(), middleware.CORS(cfg.Origins))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	r.GET("/api/health", cfg.Health.HandleHealth)

	api := r.Group("/api", middleware.RequireAllowedOrigin(cfg.Origins), middleware.RateLimit(cfg.RateLimit))

	public := api.Group("", middleware.Timeout(cfg.RequestTimeout))
	public.POST("/waitlist", cfg.Auth.HandleJoinWaitlist)
	public.POST("/auth/magic-link", cfg.Auth.HandleRequestMagicLink)
	public.POST("/auth/verify", cfg.Auth.HandleVerify)
	public.POST("/auth/logout", cfg.Auth.HandleLogout)

	session := api.Group("", middleware.SessionAuth(cfg.Sessions))
	// Streams are long-lived and stay outside the request timeout.
	session.GET("/deals/:id/events", cfg.Deals.HandleEvents)

	authed := session.Group("", middleware.Timeout(cfg.RequestTimeout))
	authed.GET("/profile", cfg.Auth.HandleProfile)
	authed.PUT("/profile", cfg.Auth.HandleUpdateProfile)
	authed.GET("/profiles", cfg.Auth.HandleSearchProfiles)

	authed.POST("/deals", cfg.Deals.HandleCreateDeal)
	authed.GET("/deals", cfg.Deals.HandleListDeals)
	authed.GET("/deals/:id", cfg.Deals.HandleGetDeal)
	authed.POST("/deals/:id/respond", cfg.Deals.HandleRespond)
	authed.POST("/deals/:id/decline", cfg.Deals.HandleDecline)
	authed.POST("/deals/:id/proposals", cfg.Deals.HandleProposeTerms)
	authed.GET("/deals/:id/proposals/latest", cfg.Deals.HandleLatestTerms)
	authed.POST("/deals/:id/agreement", cfg.Deals.HandleConfirmAgreement)
	authed.POST("/deals/:id/submissions", cfg.Deals.HandleSubmitContent)
	authed.GET("/deals/:id/submissions", cfg.Deals.HandleListSubmissions)
	authed.GET("/deals/:id/submissions/latest", cfg.Deals.HandleLatestSubmission)
	authed.GET("/deals/:id/submissions/latest/qrcode", cfg.QRCode.HandleLatestSubmissionQRCode)
	authed.GET("/deals/:id/submissions/:sid", cfg.Deals.HandleGetSubmission)
	authed.POST("/deals/:id/submissions/:sid/approve", cfg.Deals.HandleApproveSubmission)
	authed.POST("/deals/:id/submissions/:sid/reject", cfg.Deals.HandleRejectSubmission)
	authed.GET("/deals/:id/messages", cfg.Deals.HandleListMessages)
	authed.POST("/deals/:id/messages", cfg.Deals.HandleSendMessage)

	admin := authed.Group("/admin", middleware.RequireAdmin())
	admin.GET("/waitlist", cfg.Auth.HandleListWaitlist)
	admin.POST("/waitlist/approve", cfg.Auth.HandleApproveWaitlist)
	admin.POST("/deals/:id/release-payment", cfg.Deals.HandleReleasePayment)

	return r
}
