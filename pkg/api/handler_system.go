package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"agents":   s.core.Registry.Count(),
		"nodes":    s.core.Tree.NodeCount(),
		"sessions": s.core.Bus.SubscriberCount(),
	})
}

// metricsHandler handles GET /api/v1/metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Metrics())
}

// listNodesHandler handles GET /api/v1/nodes.
func (s *Server) listNodesHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Tree.Nodes())
}
