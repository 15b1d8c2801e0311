package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/agent-hive/hivecore/pkg/dispatch"
	"github.com/agent-hive/hivecore/pkg/models"
)

// dispatchTaskHandler handles POST /api/v1/tasks. Assigned tasks answer 200,
// queued tasks 202.
func (s *Server) dispatchTaskHandler(c *echo.Context) error {
	var req DispatchTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task type is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	task := &models.Task{
		ID:          req.ID,
		Type:        req.Type,
		Priority:    req.Priority,
		Payload:     req.Payload,
		TargetAgent: req.TargetAgent,
		SubmittedAt: time.Now(),
	}

	res, err := s.core.Dispatch(c.Request().Context(), task)
	if err != nil {
		return mapCoreError(err)
	}

	status := http.StatusOK
	if res.Status == dispatch.StatusQueued {
		status = http.StatusAccepted
	}
	return c.JSON(status, map[string]any{
		"task_id":  task.ID,
		"status":   res.Status,
		"agent_id": res.AgentID,
	})
}

// queuedTasksHandler handles GET /api/v1/tasks/queued.
func (s *Server) queuedTasksHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"size":  s.core.Dispatcher.GlobalQueueSize(),
		"tasks": s.core.Dispatcher.QueuedTasks(),
	})
}
