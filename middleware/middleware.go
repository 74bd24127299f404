package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/metrics"
	"sponsorhub-backend/models"
	"sponsorhub-backend/security"
)

const (
	actorKey = "actor"

	// SessionCookie carries the session token for browser clients.
	SessionCookie = "session"
)

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.NewErrorResponse(code, message, status))
}

// CORS answers preflight requests and echoes allowed origins for credentialed calls.
func CORS(policy *security.OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if policy.Explicit(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequireAllowedOrigin rejects browser requests from origins outside the allow-list.
func RequireAllowedOrigin(policy *security.OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !policy.Allowed(c.GetHeader("Origin")) {
			abortWithError(c, http.StatusForbidden, "origin_not_allowed", "Origin not allowed")
			return
		}
		c.Next()
	}
}

// Logging writes one structured line per request.
func Logging(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if actor, ok := ActorFrom(c); ok {
			fields = append(fields, zap.String("actor_id", actor.ID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// Recovery turns panics into a 500 envelope.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered", zap.Any("panic", err), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
				abortWithError(c, http.StatusInternalServerError, "internal_server_error", "Internal server error occurred")
			}
		}()
		c.Next()
	}
}

// SecurityHeaders middleware
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// Timeout bounds the request context. Streaming routes opt out by being registered
// outside the group that uses it.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

const maxTrackedClients = 10000

// RateLimit applies a per-client token bucket refilled at perMinute. Clients are
// keyed by c.ClientIP, so forwarded headers only count from the engine's trusted proxies.
func RateLimit(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var mu sync.Mutex
	clients := make(map[string]*client)
	every := rate.Every(time.Minute / time.Duration(perMinute))

	// evict drops idle clients, then the least recently seen ones until there is room.
	evict := func(now time.Time) {
		for k, v := range clients {
			if now.Sub(v.lastSeen) > 10*time.Minute {
				delete(clients, k)
			}
		}
		for len(clients) >= maxTrackedClients {
			oldestKey, oldest := "", now
			for k, v := range clients {
				if oldestKey == "" || v.lastSeen.Before(oldest) {
					oldestKey, oldest = k, v.lastSeen
				}
			}
			delete(clients, oldestKey)
		}
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		now := time.Now()

		mu.Lock()
		cl, ok := clients[key]
		if !ok {
			if len(clients) >= maxTrackedClients {
				evict(now)
			}
			cl = &client{limiter: rate.NewLimiter(every, perMinute)}
			clients[key] = cl
		}
		cl.lastSeen = now
		allowed := cl.limiter.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			c.Header("Retry-After", "60")
			abortWithError(c, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests")
			return
		}
		c.Next()
	}
}

// Metrics records request counts and latency by route template.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// SessionParser resolves a raw session token.
type SessionParser func(raw string) (deal.Actor, error)

// SessionAuth requires a valid session from the Authorization header or the session cookie.
func SessionAuth(parse SessionParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		} else if cookie, err := c.Cookie(SessionCookie); err == nil {
			raw = cookie
		}
		if strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewErrorResponseWithHint("session_required", "Sign in to continue",
				http.StatusUnauthorized, "Send Authorization: Bearer <token> or the session cookie."))
			return
		}
		actor, err := parse(raw)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "session_invalid", "Your session has expired, sign in again")
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// RequireAdmin allows only platform administrators through.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok || !actor.Privileged() {
			abortWithError(c, http.StatusForbidden, "admin_required", "Administrator access required")
			return
		}
		c.Next()
	}
}

// ActorFrom returns the authenticated actor placed by SessionAuth.
func ActorFrom(c *gin.Context) (deal.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return deal.Actor{}, false
	}
	actor, ok := v.(deal.Actor)
	return actor, ok
}

// WithActor stores actor on the context.
func WithActor(c *gin.Context, actor deal.Actor) {
	c.Set(actorKey, actor)
}
