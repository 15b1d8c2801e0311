package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agent-hive/hivecore/pkg/models"
)

// registerAgentHandler handles POST /api/v1/agents.
func (s *Server) registerAgentHandler(c *echo.Context) error {
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	if req.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent type is required")
	}

	nodeID, err := s.core.RegisterAgent(&models.Agent{
		ID:           req.ID,
		Type:         req.Type,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		return mapCoreError(err)
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"agent_id": req.ID,
		"node_id":  nodeID,
	})
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Registry.Snapshot())
}

// unregisterAgentHandler handles DELETE /api/v1/agents/:id.
func (s *Server) unregisterAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	if err := s.core.UnregisterAgent(id); err != nil {
		return mapCoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// heartbeatHandler handles POST /api/v1/agents/:id/heartbeat.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	if err := s.core.Heartbeat(id); err != nil {
		return mapCoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// completeTaskHandler handles POST /api/v1/agents/:id/completions.
func (s *Server) completeTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	var req CompleteTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TaskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task_id is required")
	}
	if req.ExecutionTimeMS < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "execution_time_ms must not be negative")
	}

	if err := s.core.Complete(id, req.TaskID, time.Duration(req.ExecutionTimeMS)*time.Millisecond); err != nil {
		return mapCoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
}
