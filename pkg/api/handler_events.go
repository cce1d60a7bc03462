package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/finsight/conductor/pkg/events"
)

// maxEventBodySize bounds report submissions; report sections can carry
// sizeable markdown but never need more than this.
const maxEventBodySize = 1 << 20 // 1 MiB

// reportEventHandler handles POST /api/v1/analyses/:id/events.
// External agent runners submit progress as self-describing event records.
// Accepted events are best-effort: a stale or out-of-order event is
// recorded-or-dropped by the session, never an HTTP failure.
func (s *Server) reportEventHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "analysis id is required")
	}

	// Reject unknown sessions up front so runners notice misrouted reports.
	if _, err := s.manager.GetStatus(sessionID); err != nil {
		return mapServiceError(err)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBodySize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	e, err := events.Unmarshal(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Session state transitions are synthesized by the orchestrator;
	// runners only report agent-level progress.
	if e.EventKind() == events.KindSessionStatus {
		return echo.NewHTTPError(http.StatusBadRequest, "session status events are internal")
	}

	// The path segment is authoritative for addressing.
	e.Meta().SessionID = sessionID

	s.manager.ReportEvent(sessionID, e)

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
