// Package api exposes the HTTP and WebSocket surface of the orchestrator.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/finsight/conductor/pkg/config"
	"github.com/finsight/conductor/pkg/events"
	"github.com/finsight/conductor/pkg/session"
)

// Server wires the session manager and connection manager to HTTP routes.
type Server struct {
	cfg         *config.Config
	manager     *session.Manager
	connManager *events.ConnectionManager

	echo       *echo.Echo
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, manager *session.Manager, connManager *events.ConnectionManager) *Server {
	s := &Server{
		cfg:         cfg,
		manager:     manager,
		connManager: connManager,
		logger:      slog.Default().With("component", "api-server"),
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")
	v1.POST("/analyses", s.createAnalysisHandler)
	v1.GET("/analyses/:id", s.getAnalysisHandler)
	v1.GET("/analyses/:id/snapshot", s.snapshotHandler)
	v1.POST("/analyses/:id/cancel", s.cancelAnalysisHandler)
	v1.POST("/analyses/:id/events", s.reportEventHandler)

	s.echo = e
	return s
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
