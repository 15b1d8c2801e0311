package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to the
// session manager. Same-host origins are always accepted; additional origin
// patterns come from server config.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.sessions.OriginPatterns(),
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.sessions.HandleConnection(c.Request().Context(), conn)
	return nil
}
