package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/config"
	"github.com/agent-hive/hivecore/pkg/core"
	"github.com/agent-hive/hivecore/pkg/models"
)

// defaultWriteTimeout bounds a single WebSocket send. A stalled client must
// not block the session's writer goroutine indefinitely.
const defaultWriteTimeout = 10 * time.Second

// Inbound message schema bounds.
const (
	maxIDLen       = 100
	maxMessageLen  = 5000
	maxFilterBytes = 10000
)

// allowedCommands is the fixed set of orchestration commands a session may
// relay to a swarm room. Anything else is refused before it reaches the bus.
var allowedCommands = map[string]bool{
	"pause":    true,
	"resume":   true,
	"redirect": true,
	"relaunch": true,
	"report":   true,
}

// ClientMessage is the envelope observer sessions send over the WebSocket.
// Action selects the operation; the remaining fields are action-specific.
type ClientMessage struct {
	Action       string               `json:"action"`
	SwarmID      string               `json:"swarm_id,omitempty"`
	AgentID      string               `json:"agent_id,omitempty"`
	UserID       string               `json:"user_id,omitempty"`
	Filter       *bus.Filter          `json:"filter,omitempty"`
	Intervention *InterventionRequest `json:"intervention,omitempty"`
	Command      string               `json:"command,omitempty"`
	Payload      map[string]any       `json:"payload,omitempty"`
}

// observerSession is a single WebSocket client attached to the bus.
//
// The read loop is the only goroutine that mutates the session after
// registration; the writer goroutine only drains the subscriber channel and
// sends. Sends themselves are serialized by the connection's Write.
type observerSession struct {
	ID      string
	Conn    *websocket.Conn
	sub     *bus.Subscriber
	limiter *bus.RateLimiter
	ctx     context.Context
	cancel  context.CancelFunc
}

// SessionManager owns the WebSocket observer sessions. Each process has one
// instance; sessions subscribe to the in-process bus and relay its events.
type SessionManager struct {
	core         *core.Core
	busCfg       config.BusConfig
	origins      []string
	logger       *slog.Logger
	writeTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*observerSession
}

// NewSessionManager creates a manager relaying events from the core's bus.
func NewSessionManager(c *core.Core, busCfg config.BusConfig, allowedOrigins []string, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		core:         c,
		busCfg:       busCfg,
		origins:      allowedOrigins,
		logger:       logger.With("component", "ws-sessions"),
		writeTimeout: defaultWriteTimeout,
		sessions:     make(map[string]*observerSession),
	}
}

// OriginPatterns returns the additional origins accepted at upgrade time.
func (m *SessionManager) OriginPatterns() []string { return m.origins }

// ActiveSessions returns the number of connected observer sessions.
func (m *SessionManager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HandleConnection manages the lifecycle of one observer session. Called by
// the WebSocket HTTP handler after upgrade. Blocks until the connection
// closes.
func (m *SessionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(parentCtx)

	sub, err := m.core.Bus.Subscribe(sessionID, m.busCfg.BufferSize)
	if err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}

	s := &observerSession{
		ID:      sessionID,
		Conn:    conn,
		sub:     sub,
		limiter: bus.NewRateLimiter(m.busCfg.RateLimit, m.busCfg.RateWindow),
		ctx:     ctx,
		cancel:  cancel,
	}

	m.register(s)
	defer m.unregister(s)

	// Relay bus events until Unsubscribe closes the channel.
	go func() {
		for evt := range sub.Events() {
			m.sendJSON(s, map[string]any{
				"type":  "event",
				"event": evt,
			})
		}
	}()

	m.sendJSON(s, map[string]any{
		"type":        "connected",
		"session_id":  sessionID,
		"server_time": time.Now(),
		"event_types": bus.EventTypes,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// connection closed or errored
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendError(s, "invalid message: not valid JSON")
			continue
		}
		m.handleClientMessage(ctx, s, &msg, len(data))
	}
}

// CloseAll disconnects every session. Called during server shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*observerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*observerSession)
	m.mu.Unlock()

	for _, s := range sessions {
		m.core.Bus.Unsubscribe(s.ID)
		s.cancel()
		_ = s.Conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if len(sessions) > 0 {
		m.logger.Info("observer sessions closed", "count", len(sessions))
	}
}

// handleClientMessage dispatches one inbound message. Requests that reach
// into the core (interventions, status, commands) count against the
// session's rate limit; room management and pings do not. size is the raw
// frame length, used for the set-filter payload cap.
func (m *SessionManager) handleClientMessage(ctx context.Context, s *observerSession, msg *ClientMessage, size int) {
	if len(msg.SwarmID) > maxIDLen || len(msg.AgentID) > maxIDLen || len(msg.UserID) > maxIDLen {
		m.sendError(s, "identifier exceeds 100 characters")
		return
	}

	switch msg.Action {
	case "join-swarm":
		if msg.SwarmID == "" {
			m.sendError(s, "swarm_id is required for join-swarm")
			return
		}
		if err := m.core.Bus.Join(s.ID, bus.RoomForSwarm(msg.SwarmID)); err != nil {
			m.sendError(s, "join failed")
			return
		}
		m.sendJSON(s, map[string]any{"type": "joined", "swarm_id": msg.SwarmID})

	case "leave-swarm":
		if msg.SwarmID == "" {
			m.sendError(s, "swarm_id is required for leave-swarm")
			return
		}
		if err := m.core.Bus.Leave(s.ID, bus.RoomForSwarm(msg.SwarmID)); err != nil {
			m.sendError(s, "leave failed")
			return
		}
		m.sendJSON(s, map[string]any{"type": "left", "swarm_id": msg.SwarmID})

	case "set-filter":
		if size > maxFilterBytes {
			m.sendError(s, "filter payload exceeds 10000 bytes")
			return
		}
		if msg.Filter != nil {
			for _, t := range msg.Filter.Types {
				if !bus.ValidEventType(t) {
					m.sendError(s, "unknown event type in filter: "+string(t))
					return
				}
			}
		}
		// nil filter resets to match-all
		if err := m.core.Bus.SetFilter(s.ID, msg.Filter); err != nil {
			m.sendError(s, "filter update failed")
			return
		}
		m.sendJSON(s, map[string]any{"type": "filter-set"})

	case "send-intervention":
		if !m.admit(s) {
			return
		}
		if msg.Intervention == nil {
			m.sendError(s, "intervention body is required")
			return
		}
		if len(msg.Intervention.SwarmID) > maxIDLen || len(msg.Intervention.AgentID) > maxIDLen {
			m.sendError(s, "identifier exceeds 100 characters")
			return
		}
		if len(msg.Intervention.Message) > maxMessageLen {
			m.sendError(s, "message exceeds 5000 characters")
			return
		}
		stored, err := m.core.Interventions.Send(&models.Intervention{
			SwarmID:  msg.Intervention.SwarmID,
			AgentID:  msg.Intervention.AgentID,
			Action:   msg.Intervention.Action,
			Message:  msg.Intervention.Message,
			Metadata: msg.Intervention.Metadata,
		})
		if err != nil {
			m.sendError(s, err.Error())
			return
		}
		m.sendJSON(s, map[string]any{"type": "intervention-stored", "intervention": stored})

	case "request-status":
		if !m.admit(s) {
			return
		}
		reply := map[string]any{
			"type":         "status",
			"agents":       m.core.Registry.Count(),
			"nodes":        m.core.Tree.NodeCount(),
			"queued_tasks": m.core.Dispatcher.GlobalQueueSize(),
			"sessions":     m.ActiveSessions(),
		}
		if msg.AgentID != "" {
			a, ok := m.core.Registry.Get(msg.AgentID)
			if !ok {
				m.sendError(s, "unknown agent: "+msg.AgentID)
				return
			}
			reply["agent"] = a
		}
		if msg.SwarmID != "" {
			reply["swarm_id"] = msg.SwarmID
			reply["pending_interventions"] = len(m.core.Interventions.Pending(msg.SwarmID))
		}
		m.sendJSON(s, reply)

	case "command":
		if !m.admit(s) {
			return
		}
		if msg.SwarmID == "" || msg.Command == "" {
			m.sendError(s, "swarm_id and command are required for command")
			return
		}
		if !allowedCommands[msg.Command] {
			m.sendError(s, "command not allowed: "+msg.Command)
			return
		}
		m.core.Bus.PublishSwarm(msg.SwarmID, bus.NewEvent(bus.EventAgentMessage, msg.SwarmID, msg.AgentID, map[string]any{
			"command":    msg.Command,
			"payload":    msg.Payload,
			"session_id": s.ID,
		}))
		m.sendJSON(s, map[string]any{"type": "command-sent", "swarm_id": msg.SwarmID})

	case "ping":
		m.sendJSON(s, map[string]any{"type": "pong"})

	default:
		m.sendError(s, "unknown action: "+msg.Action)
	}
}

// admit checks the session's rate limit and replies with a rejection when
// the window is exhausted.
func (m *SessionManager) admit(s *observerSession) bool {
	if s.limiter.Allow() {
		return true
	}
	m.sendJSON(s, map[string]any{
		"type":    "error",
		"code":    "rate_limited",
		"message": "message rate limit exceeded; retry after the window slides",
	})
	m.logger.Warn("session rate limited", "session_id", s.ID)
	return false
}

func (m *SessionManager) register(s *observerSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *SessionManager) unregister(s *observerSession) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	// closes the subscriber channel, which stops the writer goroutine
	m.core.Bus.Unsubscribe(s.ID)
	s.cancel()
	_ = s.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendError replies with a generic error message.
func (m *SessionManager) sendError(s *observerSession, message string) {
	m.sendJSON(s, map[string]any{"type": "error", "message": message})
}

// sendJSON marshals and sends one message with the write timeout applied.
func (m *SessionManager) sendJSON(s *observerSession, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("marshal failed", "session_id", s.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, m.writeTimeout)
	defer cancel()
	if err := s.Conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		m.logger.Warn("send failed", "session_id", s.ID, "error", err)
	}
}
