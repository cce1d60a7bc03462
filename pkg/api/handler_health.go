package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/finsight/conductor/pkg/version"
)

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	ActiveConnections int    `json:"active_connections"`
}

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// All state is in-process, so a responding server is a healthy one.
func (s *Server) healthHandler(c *echo.Context) error {
	active := 0
	if s.connManager != nil {
		active = s.connManager.ActiveConnections()
	}
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:            "healthy",
		Version:           version.GitCommit,
		ActiveConnections: active,
	})
}
