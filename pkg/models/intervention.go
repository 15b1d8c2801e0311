package models

import "time"

// MaxInterventionMessageLength bounds the human-readable message carried by
// an intervention.
const MaxInterventionMessageLength = 5000

// InterventionAction is the directive carried by a human intervention.
type InterventionAction string

// Intervention actions.
const (
	ActionRedirect       InterventionAction = "redirect"
	ActionPause          InterventionAction = "pause"
	ActionResume         InterventionAction = "resume"
	ActionPriorityChange InterventionAction = "priority-change"
	ActionRelaunchSwarm  InterventionAction = "relaunch-swarm"
	ActionModifyGoal     InterventionAction = "modify-goal"
	ActionAddConstraint  InterventionAction = "add-constraint"
)

// ValidInterventionAction reports whether a is a known action.
func ValidInterventionAction(a InterventionAction) bool {
	switch a {
	case ActionRedirect, ActionPause, ActionResume, ActionPriorityChange,
		ActionRelaunchSwarm, ActionModifyGoal, ActionAddConstraint:
		return true
	}
	return false
}

// InterventionStatus tracks an intervention through its state machine.
// Transitions are monotonic: pending → acknowledged → applied; rejected is
// terminal and assigned only at submission time.
type InterventionStatus string

// Intervention statuses.
const (
	InterventionPending      InterventionStatus = "pending"
	InterventionAcknowledged InterventionStatus = "acknowledged"
	InterventionApplied      InterventionStatus = "applied"
	InterventionRejected     InterventionStatus = "rejected"
)

// rank orders statuses for monotonicity checks.
func (s InterventionStatus) rank() int {
	switch s {
	case InterventionPending:
		return 0
	case InterventionAcknowledged:
		return 1
	case InterventionApplied:
		return 2
	case InterventionRejected:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic state machine. Equal states are allowed (idempotent re-apply).
func (s InterventionStatus) CanTransitionTo(next InterventionStatus) bool {
	return next.rank() >= s.rank()
}

// InterventionMetadata carries action-specific parameters.
type InterventionMetadata struct {
	NewPriority   Priority `json:"new_priority,omitempty"`
	NewGoal       string   `json:"new_goal,omitempty"`
	Constraints   []string `json:"constraints,omitempty"`
	RelaunchCount int      `json:"relaunch_count,omitempty"`

	// ModificationPlan is attached to relaunch-swarm interventions: the
	// agent-type composition derived from previous attempts plus learnings
	// extracted from prior interventions for the same swarm.
	ModificationPlan *RelaunchPlan `json:"modification_plan,omitempty"`
}

// RelaunchPlan describes how a swarm should be recomposed on relaunch.
type RelaunchPlan struct {
	AgentTypes []string `json:"agent_types,omitempty"`
	Learnings  []string `json:"learnings,omitempty"`
}

// InterventionResponse records an agent's apply detail.
type InterventionResponse struct {
	AgentID   string    `json:"agent_id"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Intervention is a human-issued directive targeting a swarm or a single
// agent. Interventions are retained in memory for audit and swept by the
// cleanup service after the configured retention window.
type Intervention struct {
	ID        string                 `json:"id"`
	SwarmID   string                 `json:"swarm_id"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Action    InterventionAction     `json:"action"`
	Message   string                 `json:"message"`
	Status    InterventionStatus     `json:"status"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  *InterventionMetadata  `json:"metadata,omitempty"`
	Responses []InterventionResponse `json:"responses,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`

	// AckedBy tracks which agents acknowledged, for idempotence.
	AckedBy map[string]bool `json:"acked_by,omitempty"`
}

// Clone returns a deep copy for snapshots and API responses.
func (i *Intervention) Clone() Intervention {
	c := *i
	if i.Responses != nil {
		c.Responses = make([]InterventionResponse, len(i.Responses))
		copy(c.Responses, i.Responses)
	}
	if i.AckedBy != nil {
		c.AckedBy = make(map[string]bool, len(i.AckedBy))
		for k, v := range i.AckedBy {
			c.AckedBy[k] = v
		}
	}
	if i.Metadata != nil {
		m := *i.Metadata
		if i.Metadata.ModificationPlan != nil {
			p := *i.Metadata.ModificationPlan
			m.ModificationPlan = &p
		}
		c.Metadata = &m
	}
	return c
}
