package models

import (
	"encoding/json"
	"time"
)

// Priority orders tasks within queues and steal passes.
type Priority string

// Task priorities, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is a known priority value.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Weight returns a numeric rank for queue ordering (higher runs first).
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Task is a unit of work flowing through the dispatcher. The payload is
// opaque to the core; only routing metadata is interpreted.
//
// A task is owned by exactly one of: the global queue, a coordination node's
// work queue, or the completed set. Transfer between owners is atomic.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TargetAgent string          `json:"target_agent,omitempty"` // optional placement hint
	SubmittedAt time.Time       `json:"submitted_at"`
	Deadline    time.Time       `json:"deadline,omitzero"`
	Retries     int             `json:"retries"`
}

// Expired reports whether the task's deadline (if any) has passed.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}
