// Package models defines the core data model shared by the coordination
// subsystems: agents, tasks, consensus proposals and votes, and human
// interventions.
package models

import (
	"time"
)

// MaxAgentIDLength bounds agent identifiers (opaque strings).
const MaxAgentIDLength = 128

// HealthState is the health of a registered agent.
type HealthState string

// Agent health states. Transitions are monotonic
// (healthy → degraded → failed) except via explicit recovery.
const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailed   HealthState = "failed"
)

// Agent is a logical worker registered with the core.
//
// The registry is authoritative for capabilities and health; the coordination
// tree is authoritative for placement. Load counters are mutated only under
// the registry lock so that dispatch and health transitions are linearizable.
type Agent struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	Level         int         `json:"level"`
	Health        HealthState `json:"health"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`

	// InFlight is the number of tasks currently assigned to the agent.
	InFlight int `json:"in_flight"`

	// AvgLatencyMS is a moving average of reported execution times,
	// updated as avg = (avg + sample) / 2 on each completion report.
	AvgLatencyMS float64 `json:"avg_latency_ms"`

	// LastUpdated is the time of the last load-counter mutation.
	// Used as a tie-breaker by the least-loaded strategy.
	LastUpdated time.Time `json:"last_updated"`
}

// Clone returns a deep copy of the agent. Snapshots hand out clones so
// callers never observe registry-internal mutation.
func (a *Agent) Clone() Agent {
	c := *a
	if a.Capabilities != nil {
		c.Capabilities = make([]string, len(a.Capabilities))
		copy(c.Capabilities, a.Capabilities)
	}
	return c
}

// HasCapability reports whether the agent advertises the given capability tag.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// IsHealthy reports whether the agent may receive new work.
func (a *Agent) IsHealthy() bool {
	return a.Health == HealthHealthy
}
