package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/finsight/conductor/pkg/models"
	"github.com/finsight/conductor/pkg/session"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, models.ErrInvalidPlan) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, session.ErrUnknownSession) {
		return echo.NewHTTPError(http.StatusNotFound, "analysis not found")
	}
	if errors.Is(err, session.ErrSessionTerminal) {
		return echo.NewHTTPError(http.StatusConflict, "analysis already finished")
	}
	if errors.Is(err, session.ErrUnknownAgent) || errors.Is(err, session.ErrAgentTerminal) ||
		errors.Is(err, session.ErrInternalEvent) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
