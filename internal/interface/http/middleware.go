package http

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ryzugai/wbl-sub000/internal/application/authz"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

const (
	headerRequestID     = "X-Request-ID"
	headerAuthorization = "Authorization"
	keyRequestID        = "request_id"
	keySessionToken     = "session_token"
)

// requestID adds a unique request ID to each request.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(keyRequestID, id)
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), s.logger.With(slog.String(keyRequestID, id))))
		c.Next()
	}
}

// recovery turns a handler panic into a 500 response.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					slog.Any("error", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("path", c.Request.URL.Path),
					slog.String(keyRequestID, c.GetString(keyRequestID)),
				)
				writeError(c, http.StatusInternalServerError, "internal_server_error", "an unexpected error occurred")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// accessLog logs and measures every request.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		took := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.deps.Metrics.ObserveHTTP(c.Request.Method, route, status, took)

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			logger.Latency(took),
			slog.String("ip", c.ClientIP()),
			slog.String(keyRequestID, c.GetString(keyRequestID)),
		)
	}
}

// authenticate binds the caller behind the bearer token to the request
// context. Requests without a valid token run as anonymous and never see
// the shared session of the local cache.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var principal *user.User

		if token := bearerToken(c); token != "" {
			if u, ok := s.principalFor(c, token); ok {
				principal = &u
				c.Set(keySessionToken, token)
			} else {
				logger.FromContext(ctx).Debug("unknown or expired session token")
			}
		}

		c.Request = c.Request.WithContext(authz.WithPrincipal(ctx, principal))
		c.Next()
	}
}

// principalFor resolves token to the current user record. Tokens of deleted
// or no longer approved users are revoked.
func (s *Server) principalFor(c *gin.Context, token string) (user.User, bool) {
	id, ok := s.sessions.lookup(token)
	if !ok {
		return user.User{}, false
	}
	u, _, found := user.FindByID(s.deps.Core.Users(c.Request.Context()), id)
	if !found || !u.CanLogin() {
		s.sessions.revoke(token)
		return user.User{}, false
	}
	return u.Redacted(), true
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader(headerAuthorization)
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
