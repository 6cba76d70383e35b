// Package api is the HTTP surface: the GitHub webhook endpoint, health, and
// the read-only dashboard (runs, agents, SSE activity stream). Handlers stay
// thin; filtering and error shaping live in pkg/services.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/registry"
	"github.com/squadron-dev/squadron/pkg/services"
	"github.com/squadron-dev/squadron/pkg/version"
)

// defaultAPIKeyEnv is used when dashboard.api_key_env is not configured.
const defaultAPIKeyEnv = "SQUADRON_DASHBOARD_API_KEY"

// Options wires the server. Dashboard/Activity may be nil when the dashboard
// is disabled; those endpoints then answer 503.
type Options struct {
	Store  *config.Store
	Router *events.Router
	Reg    *registry.Registry

	// WebhookSecret verifies X-Hub-Signature-256. Empty rejects all
	// deliveries.
	WebhookSecret string
	// InstallationID, when non-zero, must match the delivery payload.
	InstallationID int64

	Dashboard *services.Dashboard
	Activity  *activity.Log
}

// Server is the HTTP API.
type Server struct {
	opts   Options
	apiKey string
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the server and its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: slog.With("component", "api"),
	}
	keyEnv := defaultAPIKeyEnv
	if opts.Store != nil {
		if env := opts.Store.Current().Dashboard.APIKeyEnv; env != "" {
			keyEnv = env
		}
	}
	s.apiKey = os.Getenv(keyEnv)
	return s
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/webhook", s.handleWebhook)
	r.GET("/health", s.handleHealth)

	auth := r.Group("/", s.requireAPIKey(false))
	auth.GET("/agents", s.handleListAgents)
	auth.GET("/dashboard/pipelines", s.handleListPipelines)
	auth.GET("/dashboard/pipelines/runs", s.handleListRuns)
	auth.GET("/dashboard/pipelines/runs/:id", s.handleGetRun)
	auth.POST("/dashboard/pipelines/runs/:id/cancel", s.handleCancelRun)

	// The SSE stream also accepts ?token= because EventSource cannot set
	// headers.
	r.GET("/dashboard/pipelines/stream", s.requireAPIKey(true), s.handleStream)

	return r
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API listening", "addr", addr)
	err := s.http.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.opts.Reg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "registry not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	health, err := s.opts.Reg.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Full(), "registry": health})
}
