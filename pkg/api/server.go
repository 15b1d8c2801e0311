// Package api exposes the coordination core over HTTP: a REST admin surface
// for agents, tasks, proposals, and interventions, plus a WebSocket endpoint
// for observer sessions.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agent-hive/hivecore/pkg/config"
	"github.com/agent-hive/hivecore/pkg/core"
)

// Server is the HTTP front of the coordination core.
type Server struct {
	core     *core.Core
	sessions *SessionManager
	logger   *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer wires routes and the WebSocket session manager.
func NewServer(cfg *config.Config, c *core.Core, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		core:     c,
		sessions: NewSessionManager(c, cfg.Bus, cfg.Server.AllowedWSOrigins, logger),
		logger:   logger.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")
	v1.GET("/metrics", s.metricsHandler)
	v1.GET("/nodes", s.listNodesHandler)

	v1.POST("/agents", s.registerAgentHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.DELETE("/agents/:id", s.unregisterAgentHandler)
	v1.POST("/agents/:id/heartbeat", s.heartbeatHandler)
	v1.POST("/agents/:id/completions", s.completeTaskHandler)

	v1.POST("/tasks", s.dispatchTaskHandler)
	v1.GET("/tasks/queued", s.queuedTasksHandler)

	v1.POST("/proposals", s.proposeHandler)

	v1.POST("/interventions", s.sendInterventionHandler)
	v1.GET("/interventions", s.listInterventionsHandler)
	v1.GET("/interventions/:id", s.getInterventionHandler)
	v1.POST("/interventions/:id/ack", s.ackInterventionHandler)
	v1.POST("/interventions/:id/apply", s.applyInterventionHandler)

	s.echo = e
	return s
}

// Start serves HTTP on addr. Blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and closes observer sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.CloseAll()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
