package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/finsight/conductor/pkg/models"
)

// createAnalysisHandler handles POST /api/v1/analyses.
// The request names a configured plan template or carries an inline plan,
// never both.
func (s *Server) createAnalysisHandler(c *echo.Context) error {
	var req models.StartAnalysisRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var plan models.Plan
	switch {
	case req.PlanTemplate != "" && req.Plan != nil:
		return echo.NewHTTPError(http.StatusBadRequest, "provide either plan_template or plan, not both")
	case req.PlanTemplate != "":
		p, ok := s.cfg.Plan(req.PlanTemplate)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "plan template not found: "+req.PlanTemplate)
		}
		plan = p
	case req.Plan != nil:
		plan = *req.Plan
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "plan_template or plan is required")
	}

	sessionID, err := s.manager.StartAnalysis(plan)
	if err != nil {
		return mapServiceError(err)
	}

	resp, err := s.manager.GetStatus(sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// getAnalysisHandler handles GET /api/v1/analyses/:id.
func (s *Server) getAnalysisHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "analysis id is required")
	}

	resp, err := s.manager.GetStatus(sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// snapshotHandler handles GET /api/v1/analyses/:id/snapshot.
// An optional since_seq query parameter limits the snapshot to events
// recorded after that sequence number.
func (s *Server) snapshotHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "analysis id is required")
	}

	var since uint64
	if v := c.QueryParam("since_seq"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since_seq: must be a non-negative integer")
		}
		since = parsed
	}

	snap, err := s.manager.Snapshot(sessionID, since)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// cancelAnalysisHandler handles POST /api/v1/analyses/:id/cancel.
func (s *Server) cancelAnalysisHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "analysis id is required")
	}

	if err := s.manager.Cancel(sessionID); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &models.CancelResponse{
		SessionID: sessionID,
		Message:   "analysis cancellation requested",
	})
}
