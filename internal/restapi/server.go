// Package restapi implements the HTTP REST façade a browser-based control
// panel uses to drive the bot's pipeline without a Telegram chat: operator
// login, ad-hoc URL download/process, and a per-session history list
// (spec.md SUPPLEMENTED FEATURES "HTTP REST surface", grounded on
// original_source/api.py's Flask endpoints).
package restapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arung-agamani/mediabot/internal/auth"
	"github.com/arung-agamani/mediabot/internal/governor"
	"github.com/arung-agamani/mediabot/internal/oracle"
	"github.com/arung-agamani/mediabot/internal/pipeline"
	"github.com/arung-agamani/mediabot/internal/transcode"
)

// Config configures the REST façade's listen address, operator
// credentials, and session cookie behaviour.
type Config struct {
	Addr              string
	JWTSecret         string
	AdminUsername     string
	AdminPassword     string
	SessionCookieName string
	SessionTTL        time.Duration
}

// Server wraps the gin engine and the http.Server it's mounted on, giving
// callers a graceful Shutdown the way the teacher's radio server does.
type Server struct {
	httpServer *http.Server
}

// New builds the gin engine, registering every route this façade serves.
func New(cfg Config, registry *prometheus.Registry, engine *pipeline.Engine, transcoder *transcode.Transcoder,
	gov *governor.Governor, transcriber oracle.Transcriber, summarizer oracle.Summarizer, downloadDir string) *Server {

	a := auth.New(auth.Config{
		Username:           cfg.AdminUsername,
		Password:           cfg.AdminPassword,
		JWTSecret:          cfg.JWTSecret,
		TokenTTL:           12 * time.Hour,
		MaxLoginAttempts:   5,
		LoginWindowSeconds: 300,
	})
	sessions := newSessionStore(cfg.SessionTTL)

	authH := newAuthHandlers(a)
	mediaH := newMediaHandlers(engine, transcoder, gov, transcriber, summarizer, downloadDir)

	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.Use(sessionMiddleware(sessions, cfg.SessionCookieName, int(cfg.SessionTTL.Seconds())))

	api.POST("/auth/login", authH.login)

	authed := api.Group("")
	authed.Use(authRequired(a))
	authed.GET("/auth/verify", authH.verify)
	authed.POST("/download", mediaH.download)
	authed.POST("/process", mediaH.process)
	authed.GET("/history", mediaH.history)
	authed.DELETE("/history/:id", mediaH.deleteHistoryItem)
	authed.DELETE("/history", mediaH.clearHistory)

	return &Server{httpServer: &http.Server{Addr: cfg.Addr, Handler: r}}
}

// Run starts serving and blocks until ctx is cancelled, at which point it
// shuts down gracefully with a 10s deadline.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("rest api listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
