package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/embedkit/widget-gateway/internal/api/response"
	"github.com/embedkit/widget-gateway/internal/repository/redis"
	"github.com/embedkit/widget-gateway/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type contextKey string

const SessionIDKey contextKey = "sessionID"

// WidgetAuth validates the widget bearer token against the session named in
// the URL. The token must have been issued for exactly that session.
type WidgetAuth struct {
	tokens *security.TokenService
}

// NewWidgetAuth creates the widget token middleware
func NewWidgetAuth(tokens *security.TokenService) *WidgetAuth {
	return &WidgetAuth{tokens: tokens}
}

// Authenticate validates the widget session token
func (m *WidgetAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
		if err != nil {
			response.BadRequest(w, "invalid session ID")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			response.Unauthorized(w, "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			response.Unauthorized(w, "invalid authorization header format")
			return
		}
		if !m.tokens.ValidateForSession(parts[1], sessionID) {
			response.Unauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), SessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSessionID gets the authenticated session ID from context
func GetSessionID(ctx context.Context) (uuid.UUID, bool) {
	sessionID, ok := ctx.Value(SessionIDKey).(uuid.UUID)
	return sessionID, ok
}

// RateLimitMiddleware limits request rates per client IP
type RateLimitMiddleware struct {
	rateLimiter *redis.RateLimiter
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(rateLimiter *redis.RateLimiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{rateLimiter: rateLimiter}
}

// Limit enforces the rate limit
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, _, _, err := m.rateLimiter.Allow(r.Context(), "ip:"+r.RemoteAddr)
		if err != nil {
			// Redis being down must not take the API with it
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			response.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
