package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agent-hive/hivecore/pkg/models"
)

// proposeHandler handles POST /api/v1/proposals: it runs one consensus round
// over the current healthy agents and returns the terminal decision.
func (s *Server) proposeHandler(c *echo.Context) error {
	var req ProposalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Kind {
	case models.ProposalTaskAssignment, models.ProposalLeaderElection,
		models.ProposalConfigChange, models.ProposalResourceAlloc:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown proposal kind")
	}
	if req.ProposerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "proposer_id is required")
	}

	result, err := s.core.Propose(c.Request().Context(), models.Proposal{
		Kind:       req.Kind,
		ProposerID: req.ProposerID,
		Data:       req.Data,
	})
	if err != nil {
		return mapCoreError(err)
	}
	return c.JSON(http.StatusOK, result)
}
