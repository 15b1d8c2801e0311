package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/config"
	"github.com/agent-hive/hivecore/pkg/core"
	"github.com/agent-hive/hivecore/pkg/models"
)

func setupSessionManager(t *testing.T, busCfg config.BusConfig) (*core.Core, *SessionManager, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Snapshot.Enabled = false

	c, err := core.New(cfg, core.Options{})
	require.NoError(t, err)

	manager := NewSessionManager(c, busCfg, nil, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(func() { server.Close() })
	return c, manager, server
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readWSJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeWSJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestSessionConnectedHello(t *testing.T) {
	_, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)

	msg := readWSJSON(t, conn)
	assert.Equal(t, "connected", msg["type"])
	assert.NotEmpty(t, msg["session_id"])

	types, ok := msg["event_types"].([]any)
	require.True(t, ok)
	assert.Len(t, types, len(bus.EventTypes))
}

func TestSessionJoinSwarmReceivesEvents(t *testing.T) {
	c, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{Action: "join-swarm", SwarmID: "swarm-a"})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "joined", msg["type"])
	assert.Equal(t, "swarm-a", msg["swarm_id"])

	c.Bus.PublishSwarm("swarm-a", bus.NewEvent(bus.EventSwarmEvent, "swarm-a", "", map[string]any{
		"note": "hello",
	}))

	msg = readWSJSON(t, conn)
	assert.Equal(t, "event", msg["type"])
	evt, ok := msg["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(bus.EventSwarmEvent), evt["type"])
	assert.Equal(t, "swarm-a", evt["swarm_id"])
}

func TestSessionLeaveSwarmStopsEvents(t *testing.T) {
	c, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{Action: "join-swarm", SwarmID: "swarm-a"})
	readWSJSON(t, conn) // joined

	writeWSJSON(t, conn, ClientMessage{Action: "leave-swarm", SwarmID: "swarm-a"})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "left", msg["type"])

	c.Bus.PublishSwarm("swarm-a", bus.NewEvent(bus.EventSwarmEvent, "swarm-a", "", nil))

	readCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive events after leaving the room")
}

func TestSessionSetFilter(t *testing.T) {
	c, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{Action: "join-swarm", SwarmID: "swarm-a"})
	readWSJSON(t, conn) // joined

	writeWSJSON(t, conn, ClientMessage{
		Action: "set-filter",
		Filter: &bus.Filter{Types: []bus.EventType{bus.EventWorkStolen}},
	})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "filter-set", msg["type"])

	// Filtered-out event must not arrive; matching event must.
	c.Bus.PublishSwarm("swarm-a", bus.NewEvent(bus.EventTaskQueued, "swarm-a", "", nil))
	c.Bus.PublishSwarm("swarm-a", bus.NewEvent(bus.EventWorkStolen, "swarm-a", "", nil))

	msg = readWSJSON(t, conn)
	evt := msg["event"].(map[string]any)
	assert.Equal(t, string(bus.EventWorkStolen), evt["type"])
}

func TestSessionSetFilterRejectsUnknownType(t *testing.T) {
	_, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{
		Action: "set-filter",
		Filter: &bus.Filter{Types: []bus.EventType{"made-up-event"}},
	})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "unknown event type")
}

func TestSessionSendIntervention(t *testing.T) {
	c, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{
		Action: "send-intervention",
		Intervention: &InterventionRequest{
			SwarmID: "swarm-a",
			Action:  models.ActionPause,
			Message: "hold on",
		},
	})

	msg := readWSJSON(t, conn)
	assert.Equal(t, "intervention-stored", msg["type"])

	stored, ok := msg["intervention"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(models.InterventionPending), stored["status"])

	pending := c.Interventions.Pending("swarm-a")
	require.Len(t, pending, 1)
}

func TestSessionRequestStatus(t *testing.T) {
	c, _, server := setupSessionManager(t, config.BusConfig{})
	_, err := c.RegisterAgent(&models.Agent{ID: "worker-1", Type: "researcher"})
	require.NoError(t, err)

	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{Action: "request-status"})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "status", msg["type"])
	assert.Equal(t, float64(1), msg["agents"])
	assert.Equal(t, float64(1), msg["sessions"])
}

func TestSessionCommandPublishesToSwarmRoom(t *testing.T) {
	c, _, server := setupSessionManager(t, config.BusConfig{})

	// Observe the swarm room directly.
	sub, err := c.Bus.Subscribe("observer", 8)
	require.NoError(t, err)
	require.NoError(t, c.Bus.Join("observer", bus.RoomForSwarm("swarm-a")))

	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{
		Action:  "command",
		SwarmID: "swarm-a",
		Command: "pause",
		Payload: map[string]any{"depth": 2},
	})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "command-sent", msg["type"])

	select {
	case evt := <-sub.Events():
		assert.Equal(t, bus.EventAgentMessage, evt.Type)
		assert.Equal(t, "pause", evt.Payload["command"])
	case <-time.After(2 * time.Second):
		t.Fatal("command event not published to swarm room")
	}
}

func TestSessionCommandAllowList(t *testing.T) {
	_, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{
		Action:  "command",
		SwarmID: "swarm-a",
		Command: "self-destruct",
	})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "command not allowed")

	writeWSJSON(t, conn, ClientMessage{
		Action:  "command",
		SwarmID: "swarm-a",
		Command: "resume",
	})
	msg = readWSJSON(t, conn)
	assert.Equal(t, "command-sent", msg["type"])
}

func TestSessionRejectsOversizedIdentifiers(t *testing.T) {
	_, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	long := strings.Repeat("x", 101)

	writeWSJSON(t, conn, ClientMessage{Action: "join-swarm", SwarmID: long})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "100 characters")

	writeWSJSON(t, conn, ClientMessage{Action: "request-status", AgentID: long})
	msg = readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])

	writeWSJSON(t, conn, ClientMessage{
		Action: "send-intervention",
		Intervention: &InterventionRequest{
			SwarmID: "swarm-a",
			Action:  models.ActionPause,
			Message: strings.Repeat("m", 5001),
		},
	})
	msg = readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "5000 characters")
}

func TestSessionSetFilterSizeCap(t *testing.T) {
	_, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{
		Action:  "set-filter",
		Filter:  &bus.Filter{Types: []bus.EventType{bus.EventWorkStolen}},
		Payload: map[string]any{"pad": strings.Repeat("p", 10001)},
	})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "10000 bytes")
}

func TestSessionRequestStatusScoped(t *testing.T) {
	c, _, server := setupSessionManager(t, config.BusConfig{})
	_, err := c.RegisterAgent(&models.Agent{ID: "worker-1", Type: "researcher"})
	require.NoError(t, err)
	_, err = c.Interventions.Send(&models.Intervention{
		SwarmID: "swarm-a",
		Action:  models.ActionPause,
		Message: "hold",
	})
	require.NoError(t, err)

	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	writeWSJSON(t, conn, ClientMessage{
		Action:  "request-status",
		SwarmID: "swarm-a",
		AgentID: "worker-1",
	})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "status", msg["type"])
	assert.Equal(t, "swarm-a", msg["swarm_id"])
	assert.Equal(t, float64(1), msg["pending_interventions"])

	agent, ok := msg["agent"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "worker-1", agent["id"])

	writeWSJSON(t, conn, ClientMessage{Action: "request-status", AgentID: "ghost"})
	msg = readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "unknown agent")
}

func TestSessionRateLimitsCoreRequests(t *testing.T) {
	_, _, server := setupSessionManager(t, config.BusConfig{RateLimit: 2, RateWindow: time.Minute})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	for i := 0; i < 2; i++ {
		writeWSJSON(t, conn, ClientMessage{Action: "request-status"})
		msg := readWSJSON(t, conn)
		assert.Equal(t, "status", msg["type"])
	}

	writeWSJSON(t, conn, ClientMessage{Action: "request-status"})
	msg := readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "rate_limited", msg["code"])

	// Pings are not rate limited and keep working.
	writeWSJSON(t, conn, ClientMessage{Action: "ping"})
	msg = readWSJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestSessionUnknownActionAndBadJSON(t *testing.T) {
	_, _, server := setupSessionManager(t, config.BusConfig{})
	conn := dialWS(t, server)
	readWSJSON(t, conn) // connected

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	msg := readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])

	writeWSJSON(t, conn, ClientMessage{Action: "warp-drive"})
	msg = readWSJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "unknown action")
}

func TestSessionCleanupOnDisconnect(t *testing.T) {
	c, manager, server := setupSessionManager(t, config.BusConfig{})

	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	_, _, err = conn.Read(ctx) // connected
	require.NoError(t, err)
	assert.Equal(t, 1, manager.ActiveSessions())
	assert.Equal(t, 1, c.Bus.SubscriberCount())

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return manager.ActiveSessions() == 0 && c.Bus.SubscriberCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSessionCloseAll(t *testing.T) {
	c, manager, server := setupSessionManager(t, config.BusConfig{})

	conn1 := dialWS(t, server)
	conn2 := dialWS(t, server)
	readWSJSON(t, conn1)
	readWSJSON(t, conn2)

	require.Equal(t, 2, manager.ActiveSessions())

	manager.CloseAll()
	assert.Equal(t, 0, manager.ActiveSessions())
	assert.Equal(t, 0, c.Bus.SubscriberCount())
}
