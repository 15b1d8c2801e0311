package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agent-hive/hivecore/pkg/consensus"
	"github.com/agent-hive/hivecore/pkg/dispatch"
	"github.com/agent-hive/hivecore/pkg/intervene"
	"github.com/agent-hive/hivecore/pkg/registry"
)

// mapCoreError maps coordination-layer errors to HTTP error responses.
func mapCoreError(err error) *echo.HTTPError {
	if errors.Is(err, registry.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "agent not found")
	}
	if errors.Is(err, registry.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "agent already registered")
	}
	if errors.Is(err, registry.ErrAgentUnavailable) {
		return echo.NewHTTPError(http.StatusConflict, "agent is not healthy")
	}
	if errors.Is(err, dispatch.ErrInvalidTask) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, dispatch.ErrTaskRejected) {
		return echo.NewHTTPError(http.StatusConflict, "task rejected by consensus")
	}
	if errors.Is(err, intervene.ErrInvalidIntervention) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, intervene.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "intervention not found")
	}
	if errors.Is(err, intervene.ErrStatusRegression) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, consensus.ErrNoVoters) {
		return echo.NewHTTPError(http.StatusConflict, "no voters available")
	}
	if errors.Is(err, consensus.ErrInsufficientCapacity) {
		return echo.NewHTTPError(http.StatusConflict, "insufficient capacity for consensus protocol")
	}

	// Unexpected error
	slog.Error("Unexpected coordination error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
