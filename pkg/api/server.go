// Package api exposes the gateway over HTTP: the interpret/confirm/execute
// pipeline, session and tool reads, server administration, and a WebSocket
// stream of session events.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/database"
	"github.com/toolgate/toolgate/pkg/events"
	"github.com/toolgate/toolgate/pkg/mcp"
	"github.com/toolgate/toolgate/pkg/metrics"
	"github.com/toolgate/toolgate/pkg/models"
	"github.com/toolgate/toolgate/pkg/proc"
	"github.com/toolgate/toolgate/pkg/services"
)

// Intents is the pipeline surface the HTTP layer calls into. Implemented by
// orchestrator.Orchestrator.
type Intents interface {
	Interpret(ctx context.Context, req *models.InterpretRequest) (*models.InterpretResponse, error)
	Confirm(ctx context.Context, req *models.ConfirmRequest) *models.ConfirmResponse
	Execute(ctx context.Context, req *models.ExecuteRequest) *models.ExecuteResponse
}

// Deps bundles everything the HTTP layer serves.
type Deps struct {
	Config   *config.Config
	DB       *database.Client
	Sessions *services.SessionService
	Tools    *services.ToolService
	Intents  Intents
	Manager  *proc.Manager
	Pool     *mcp.Pool
	Hub      *events.Hub
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Server is the HTTP edge of the gateway.
type Server struct {
	echo     *echo.Echo
	http     *http.Server
	cfg      *config.Config
	db       *database.Client
	sessions *services.SessionService
	tools    *services.ToolService
	intents  Intents
	manager  *proc.Manager
	pool     *mcp.Pool
	hub      *events.Hub
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// NewServer wires middleware and the route table. Call Start to serve.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:     echo.New(),
		cfg:      d.Config,
		db:       d.DB,
		sessions: d.Sessions,
		tools:    d.Tools,
		intents:  d.Intents,
		manager:  d.Manager,
		pool:     d.Pool,
		hub:      d.Hub,
		metrics:  d.Metrics,
		logger:   logger.With("component", "api"),
	}
	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.echo.Use(securityHeaders())
	s.echo.Use(requestLogger(s.logger))
	s.echo.Use(recoverPanics(s.logger))
	s.registerRoutes()
	return s
}

// registerRoutes attaches the route table. The pipeline endpoints carry
// their own time bounds (model timeout, confirmation window) and the event
// stream stays open indefinitely, so only the read and admin endpoints get
// the blanket request timeout.
func (s *Server) registerRoutes() {
	e := s.echo
	bounded := requestTimeout(30 * time.Second)

	e.POST("/intent/interpret", s.interpretHandler)
	e.POST("/intent/confirm", s.confirmHandler)
	e.POST("/execute", s.executeHandler)

	e.GET("/health", s.healthHandler)

	e.GET("/servers", s.listServersHandler, bounded)
	e.POST("/servers/:name/restart", s.restartServerHandler, bounded)
	e.POST("/servers/:name/reset", s.resetFailuresHandler, bounded)
	e.POST("/config/reload", s.reloadConfigHandler, bounded)

	e.GET("/sessions/:id", s.getSessionHandler, bounded)
	e.GET("/sessions/:id/logs", s.sessionLogsHandler, bounded)
	e.GET("/tools", s.listToolsHandler, bounded)
	e.GET("/metrics", s.metricsHandler, bounded)

	e.GET("/ws/sessions/:id", s.wsHandler)
}

// Start serves HTTP on addr and blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// StartWithListener serves on an existing listener. Tests use it to bind
// an OS-assigned port before the server goroutine starts.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return s.http.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
