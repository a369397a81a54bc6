package restapi

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arung-agamani/mediabot/internal/auth"
)

// securityHeaders adds the same defensive header set the bot's operator
// panel would want on any JSON API exposed off-host.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Header("Content-Security-Policy",
			"default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; media-src 'self'; connect-src 'self'; font-src 'self'")
		c.Next()
	}
}

// authRequired enforces JWT authentication via Authorization: Bearer, same
// shape as the operator-login handlers this package provides.
func authRequired(a *auth.Auth) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(401, gin.H{"status": "error", "error": "authentication required"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(401, gin.H{"status": "error", "error": "authentication required"})
			return
		}

		token := strings.TrimSpace(parts[1])
		if _, err := a.ValidateToken(token); err != nil {
			c.AbortWithStatusJSON(401, gin.H{"status": "error", "error": "invalid or expired token"})
			return
		}

		c.Next()
	}
}

// sessionMiddleware resolves (or mints) the caller's history session from
// a cookie and stashes it in the gin context for handlers to use, mirroring
// the Flask app's before_request session bootstrap.
func sessionMiddleware(store *sessionStore, cookieName string, ttl int) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := c.Cookie(cookieName)
		id, sd := store.getOrCreate(id)
		c.SetCookie(cookieName, id, ttl, "/", "", false, true)
		c.Set(sessionContextKey, sd)
		c.Next()
	}
}

const sessionContextKey = "mediabot_session_data"

func sessionFromContext(c *gin.Context) *sessionData {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return nil
	}
	sd, _ := v.(*sessionData)
	return sd
}
