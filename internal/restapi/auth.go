package restapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arung-agamani/mediabot/internal/auth"
)

// authHandlers holds the operator-login endpoints. There is exactly one
// operator account, configured via ADMIN_USERNAME/ADMIN_PASSWORD, rather
// than the multi-user accounts a public chat bot would need — the REST
// façade is a single-operator control surface for a bot the operator
// already runs (spec.md SUPPLEMENTED FEATURES "HTTP REST surface").
type authHandlers struct {
	a *auth.Auth
}

func newAuthHandlers(a *auth.Auth) *authHandlers {
	return &authHandlers{a: a}
}

func (h *authHandlers) login(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request body"})
		return
	}
	if len(body.Username) == 0 || len(body.Username) > 256 ||
		len(body.Password) == 0 || len(body.Password) > 256 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid credentials format"})
		return
	}

	token, err := h.a.Authenticate(body.Username, body.Password, c.Request.RemoteAddr)
	if err != nil {
		slog.Warn("failed login attempt", "remote", c.Request.RemoteAddr, "error", err)
		if err == auth.ErrRateLimited {
			remaining := h.a.RemainingLockout(c.Request.RemoteAddr)
			c.Header("Retry-After", fmt.Sprintf("%d", int(remaining.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"status": "error",
				"error":  "too many login attempts, please try again later",
			})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "invalid credentials"})
		return
	}

	slog.Info("operator logged in", "username", body.Username, "remote", c.Request.RemoteAddr)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "token": token, "username": body.Username})
}

func (h *authHandlers) verify(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "token is valid"})
}
