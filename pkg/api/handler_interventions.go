package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agent-hive/hivecore/pkg/models"
)

// sendInterventionHandler handles POST /api/v1/interventions. A rejected
// intervention (e.g. relaunch ceiling reached) is still stored and returned
// with status "rejected" and a reason.
func (s *Server) sendInterventionHandler(c *echo.Context) error {
	var req InterventionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	stored, err := s.core.Interventions.Send(&models.Intervention{
		SwarmID:  req.SwarmID,
		AgentID:  req.AgentID,
		Action:   req.Action,
		Message:  req.Message,
		Metadata: req.Metadata,
	})
	if err != nil {
		return mapCoreError(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

// listInterventionsHandler handles GET /api/v1/interventions?swarm_id=...
// and returns the swarm's pending interventions.
func (s *Server) listInterventionsHandler(c *echo.Context) error {
	swarmID := c.QueryParam("swarm_id")
	if swarmID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "swarm_id is required")
	}
	return c.JSON(http.StatusOK, s.core.Interventions.Pending(swarmID))
}

// getInterventionHandler handles GET /api/v1/interventions/:id.
func (s *Server) getInterventionHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "intervention id is required")
	}
	iv, ok := s.core.Interventions.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "intervention not found")
	}
	return c.JSON(http.StatusOK, iv)
}

// ackInterventionHandler handles POST /api/v1/interventions/:id/ack.
func (s *Server) ackInterventionHandler(c *echo.Context) error {
	id := c.Param("id")
	var req InterventionTransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}
	if err := s.core.Interventions.Acknowledge(id, req.AgentID); err != nil {
		return mapCoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
}

// applyInterventionHandler handles POST /api/v1/interventions/:id/apply.
func (s *Server) applyInterventionHandler(c *echo.Context) error {
	id := c.Param("id")
	var req InterventionTransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}
	if err := s.core.Interventions.Apply(id, req.AgentID, req.Detail); err != nil {
		return mapCoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "applied"})
}
