package container

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sponsorhub-backend/config"
	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/handlers"
	"sponsorhub-backend/metrics"
	"sponsorhub-backend/security"
	"sponsorhub-backend/services"
	"sponsorhub-backend/storage/audit"
	"sponsorhub-backend/storage/auth"
	"sponsorhub-backend/storage/dealstore"
)

const sqlitePoolSize = 8

// Container holds all application dependencies
type Container struct {
	Config  config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock

	// Storage
	Store     dealstore.Store
	Directory auth.Directory

	// Services
	Events        *services.EventHub
	Audit         *services.AuditDispatcher
	DealService   *services.DealService
	AuthService   *services.AuthService
	QRCodeService *services.QRCodeService
	HealthService *services.HealthService
	PayoutSync    *services.PayoutSync

	// Handlers
	HealthHandler *handlers.HealthHandler
	AuthHandler   *handlers.AuthHandler
	DealHandler   *handlers.DealHandler
	QRCodeHandler *handlers.QRCodeHandler
}

// NewContainer creates a new dependency container
func NewContainer(ctx context.Context, cfg config.Config, log *zap.Logger) (*Container, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Container{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(),
		Clock:   clock.Real(),
	}

	store, dir, err := openStorage(ctx, cfg.Store, c.Clock)
	if err != nil {
		return nil, err
	}
	c.Store = store
	c.Directory = dir

	sink, err := openAuditSink(ctx, cfg.Audit, log)
	if err != nil {
		c.closeStorage()
		return nil, err
	}
	c.Audit, err = services.NewAuditDispatcher(sink, cfg.Audit.Workers, log.Named("audit"), c.Metrics)
	if err != nil {
		_ = sink.Close(ctx)
		c.closeStorage()
		return nil, fmt.Errorf("audit dispatcher: %w", err)
	}

	tokens, err := security.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL, c.Clock)
	if err != nil {
		_ = c.Audit.Close(ctx)
		c.closeStorage()
		return nil, err
	}

	c.Events = services.NewEventHub(c.Clock, c.Metrics)
	c.DealService = services.NewDealService(services.DealServiceOptions{
		Store:           store,
		Profiles:        dir,
		Events:          c.Events,
		Audit:           c.Audit,
		Metrics:         c.Metrics,
		Clock:           c.Clock,
		Logger:          log.Named("deals"),
		MaxReworkCycles: cfg.Deal.MaxReworkCycles,
	})

	var captcha services.CaptchaVerifier = services.NoopVerifier{}
	if cfg.Captcha.Secret != "" {
		captcha = services.NewSiteVerifyClient(cfg.Captcha.Secret, cfg.Captcha.VerifyURL)
	}
	c.AuthService = services.NewAuthService(services.AuthServiceOptions{
		Directory:     dir,
		Links:         auth.NewMagicLinkStore(cfg.Auth.MagicLinkTTL, c.Clock),
		Tokens:        tokens,
		Captcha:       captcha,
		Mailer:        services.NewLogMailer(log.Named("mailer")),
		PublicBaseURL: cfg.Server.PublicBaseURL,
		IsAdmin:       cfg.IsAdmin,
		Logger:        log.Named("auth"),
	})
	c.QRCodeService = services.NewQRCodeService(c.DealService)
	c.HealthService = services.NewHealthService(cfg.Store.Driver, c.Clock)

	if cfg.Payout.Enabled {
		provider := services.NewMockPayoutProvider(cfg.Payout.SettleAfter, c.Clock)
		c.PayoutSync = services.NewPayoutSync(store, c.DealService, provider, cfg.Payout.Interval, c.Clock, log.Named("payout"), c.Metrics)
	}

	c.HealthHandler = handlers.NewHealthHandler(c.HealthService, log)
	c.AuthHandler = handlers.NewAuthHandler(c.AuthService, log)
	c.DealHandler = handlers.NewDealHandler(c.DealService, c.Events, log)
	c.QRCodeHandler = handlers.NewQRCodeHandler(c.QRCodeService, log)
	return c, nil
}

// Router builds the HTTP API from the container's handlers.
func (c *Container) Router() *gin.Engine {
	return handlers.NewRouter(handlers.RouterConfig{
		Health:         c.HealthHandler,
		Auth:           c.AuthHandler,
		Deals:          c.DealHandler,
		QRCode:         c.QRCodeHandler,
		Sessions:       c.AuthService.ParseSession,
		Origins:        security.NewOriginPolicy(c.Config.Server.AllowedOrigins),
		Metrics:        c.Metrics,
		Logger:         c.Logger.Named("http"),
		RequestTimeout: c.Config.Server.RequestTimeout,
		RateLimit:      c.Config.Server.RateLimit,
		TrustedProxies: c.Config.Server.TrustedProxies,
	})
}

// Close stops background work and releases storage.
func (c *Container) Close(ctx context.Context) {
	if c.PayoutSync != nil {
		c.PayoutSync.Stop()
	}
	if err := c.Audit.Close(ctx); err != nil {
		c.Logger.Warn("audit shutdown", zap.Error(err))
	}
	c.closeStorage()
}

func (c *Container) closeStorage() {
	if c.Directory != nil {
		c.Directory.Close()
	}
	if c.Store != nil {
		c.Store.Close()
	}
}

func openStorage(ctx context.Context, cfg config.StoreConfig, clk clock.Clock) (dealstore.Store, auth.Directory, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := dealstore.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		dir, err := auth.NewPGDirectoryWithPool(ctx, store.Pool(), clk)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("open postgres directory: %w", err)
		}
		return store, dir, nil
	case "sqlite":
		store, err := dealstore.NewSQLiteStore(ctx, cfg.SQLitePath, sqlitePoolSize)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		dir, err := auth.NewSQLiteDirectoryWithPool(ctx, store.Pool(), clk)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("open sqlite directory: %w", err)
		}
		return store, dir, nil
	default:
		return dealstore.NewMemoryStore(), auth.NewMemoryDirectory(clk), nil
	}
}

func openAuditSink(ctx context.Context, cfg config.AuditConfig, log *zap.Logger) (audit.Sink, error) {
	if cfg.MongoURI == "" {
		return services.NewLogSink(log), nil
	}
	sink, err := audit.NewMongoSink(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	return sink, nil
}
