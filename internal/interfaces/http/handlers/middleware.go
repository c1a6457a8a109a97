package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/ratelimit"
	"github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

// Context keys set by the middlewares.
const (
	ctxSessionID = "session_id"
	ctxClientKey = "client_key"
)

// SessionID returns the session id resolved for this request.
func SessionID(c *gin.Context) string { return c.GetString(ctxSessionID) }

// ClientKey returns the authenticated client API key, empty when auth is
// disabled.
func ClientKey(c *gin.Context) string { return c.GetString(ctxClientKey) }

// SessionMiddleware resolves the x-session-id header, generating an id when
// absent, and always echoes it back on the response.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("x-session-id")
		if id == "" {
			id = session.NewID()
		}
		c.Set(ctxSessionID, id)
		c.Header("x-session-id", id)
		c.Next()
	}
}

// AuthMiddleware validates the client API key from any of the dialect
// headers: Authorization bearer, x-api-key or x-goog-api-key.
func AuthMiddleware(disabled bool, clientKeys []string, logger *zap.Logger) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(clientKeys))
	for _, k := range clientKeys {
		allowed[k] = struct{}{}
	}

	return func(c *gin.Context) {
		if disabled {
			c.Next()
			return
		}

		key := extractClientKey(c)
		if key == "" {
			WriteError(c, errors.New(errors.KindAuth, "missing API key"))
			return
		}
		if _, ok := allowed[key]; !ok {
			logger.Warn("Rejected request with unknown API key",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()),
			)
			WriteError(c, errors.New(errors.KindAuth, "invalid API key"))
			return
		}
		c.Set(ctxClientKey, key)
		c.Next()
	}
}

func extractClientKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	return c.GetHeader("x-goog-api-key")
}

// RateLimitHeaders reflects the serving key's bucket on the response. A nil
// decision (command-only reply) or an unlimited bucket emits nothing. Must
// run before the body or stream is written.
func RateLimitHeaders(c *gin.Context, d *ratelimit.Decision) {
	if d == nil || d.Limit <= 0 {
		return
	}
	c.Header("x-ratelimit-limit", strconv.Itoa(d.Limit))
	c.Header("x-ratelimit-remaining", strconv.Itoa(d.Remaining))
}

// GinLogger logs one line per completed request.
func GinLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("session_id", SessionID(c)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
