package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"sponsorhub-backend/core/deal"
)

type actorContextKey struct{}

// SessionParser resolves a bearer session token to the calling actor.
type SessionParser func(raw string) (deal.Actor, error)

// WithActor returns ctx carrying actor for tool calls.
func WithActor(ctx context.Context, actor deal.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor placed by WithActor.
func ActorFromContext(ctx context.Context) (deal.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(deal.Actor)
	return actor, ok && actor.ID != ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// HTTPHandler serves the streamable HTTP transport. Every request must carry
// Authorization: Bearer <session>; tools then run as that session's user.
func (s *Server) HTTPHandler(parse SessionParser) http.Handler {
	streamable := server.NewStreamableHTTPServer(s.mcpServer,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if actor, err := parse(bearerToken(r)); err == nil {
				return WithActor(ctx, actor)
			}
			return ctx
		}),
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.unauthorized(w, r, "Authorization: Bearer <session> is required")
			return
		}
		actor, err := parse(raw)
		if err != nil {
			s.unauthorized(w, r, "session is invalid or expired")
			return
		}
		streamable.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	s.log.Warn("mcp request rejected", zap.String("remote_addr", r.RemoteAddr), zap.String("reason", message))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sponsorhub"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ToolError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HttpStatus: http.StatusUnauthorized,
	})
}
