package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a coordination event on the bus.
type EventType string

// Event types published by the coordination core and by observer sessions.
const (
	EventAgentMessage        EventType = "agent-message"
	EventStatusChange        EventType = "status-change"
	EventHumanIntervention   EventType = "human-intervention"
	EventTransparencyInsight EventType = "transparency-insight"
	EventSwarmEvent          EventType = "swarm-event"
	EventWorkStolen          EventType = "work-stolen"
	EventLoadRebalanced      EventType = "load-rebalanced"
	EventAgentFailed         EventType = "agent-failed"
	EventAgentDegraded       EventType = "agent-degraded"
	EventAgentRecovered      EventType = "agent-recovered"
	EventLeaderElected       EventType = "leader-elected"
	EventHeartbeatSent       EventType = "heartbeat-sent"
	EventTaskQueued          EventType = "task-queued"
	EventTaskCoordinated     EventType = "task-coordinated"
	EventConsensusReached    EventType = "consensus-reached"
)

// EventTypes lists every event name the bus understands, in the order they
// are advertised to new observer sessions.
var EventTypes = []EventType{
	EventAgentMessage,
	EventStatusChange,
	EventHumanIntervention,
	EventTransparencyInsight,
	EventSwarmEvent,
	EventWorkStolen,
	EventLoadRebalanced,
	EventAgentFailed,
	EventAgentDegraded,
	EventAgentRecovered,
	EventLeaderElected,
	EventHeartbeatSent,
	EventTaskQueued,
	EventTaskCoordinated,
	EventConsensusReached,
}

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SwarmID   string         `json:"swarm_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event envelope with a fresh id and timestamp.
func NewEvent(t EventType, swarmID, agentID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		SwarmID:   swarmID,
		AgentID:   agentID,
		Payload:   payload,
	}
}

// RoomForSwarm returns the room name events for a swarm are published to.
func RoomForSwarm(swarmID string) string {
	return "swarm-" + swarmID
}
