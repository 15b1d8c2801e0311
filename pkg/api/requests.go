package api

import (
	"encoding/json"

	"github.com/agent-hive/hivecore/pkg/models"
)

// RegisterAgentRequest is the body of POST /api/v1/agents.
type RegisterAgentRequest struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// DispatchTaskRequest is the body of POST /api/v1/tasks. An empty id gets a
// generated UUID.
type DispatchTaskRequest struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Priority    models.Priority `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TargetAgent string          `json:"target_agent,omitempty"`
}

// CompleteTaskRequest is the body of POST /api/v1/agents/:id/completions.
type CompleteTaskRequest struct {
	TaskID          string `json:"task_id"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// ProposalRequest is the body of POST /api/v1/proposals.
type ProposalRequest struct {
	Kind       models.ProposalKind `json:"kind"`
	ProposerID string              `json:"proposer_id"`
	Data       json.RawMessage     `json:"data,omitempty"`
}

// InterventionRequest is the body of POST /api/v1/interventions.
type InterventionRequest struct {
	SwarmID  string                        `json:"swarm_id"`
	AgentID  string                        `json:"agent_id,omitempty"`
	Action   models.InterventionAction    `json:"action"`
	Message  string                        `json:"message,omitempty"`
	Metadata *models.InterventionMetadata `json:"metadata,omitempty"`
}

// InterventionTransitionRequest is the body of ack/apply calls.
type InterventionTransitionRequest struct {
	AgentID string `json:"agent_id"`
	Detail  string `json:"detail,omitempty"`
}
