// Package metrics collects coordination counters and rolling-window latency
// statistics. Counters are lock-free atomics on the hot path; windows take a
// short mutex only to append a sample.
package metrics

import (
	"sync/atomic"
	"time"
)

// WindowSize is the number of samples retained per rolling window.
const WindowSize = 1000

// Collector accumulates counters and latency windows for the metrics surface.
type Collector struct {
	tasksCoordinated  atomic.Uint64
	workSteals        atomic.Uint64
	rebalances        atomic.Uint64
	agentFailures     atomic.Uint64
	agentRecoveries   atomic.Uint64
	proposalsTotal    atomic.Uint64
	proposalsApproved atomic.Uint64
	proposalsRejected atomic.Uint64
	proposalsTimedOut atomic.Uint64
	proposalsFailed   atomic.Uint64

	dispatchLatency *Window
	consensusTime   *Window
	participation   *Window

	// dispatchEMA folds each dispatch latency sample with avg=(avg+x)/2,
	// stored as float64 bits.
	dispatchEMA atomic.Uint64
}

// NewCollector creates a collector with empty windows.
func NewCollector() *Collector {
	return &Collector{
		dispatchLatency: NewWindow(WindowSize),
		consensusTime:   NewWindow(WindowSize),
		participation:   NewWindow(WindowSize),
	}
}

// TaskCoordinated records one successful dispatch and its latency.
func (c *Collector) TaskCoordinated(latency time.Duration) {
	c.tasksCoordinated.Add(1)
	ms := float64(latency.Microseconds()) / 1000.0
	c.dispatchLatency.Add(ms)

	for {
		old := c.dispatchEMA.Load()
		next := floatBits((bitsFloat(old) + ms) / 2)
		if c.dispatchEMA.CompareAndSwap(old, next) {
			return
		}
	}
}

// WorkStolen records one completed steal pass.
func (c *Collector) WorkStolen() { c.workSteals.Add(1) }

// Rebalanced records one rebalance operation.
func (c *Collector) Rebalanced() { c.rebalances.Add(1) }

// AgentFailed records one failure transition.
func (c *Collector) AgentFailed() { c.agentFailures.Add(1) }

// AgentRecovered records one successful recovery.
func (c *Collector) AgentRecovered() { c.agentRecoveries.Add(1) }

// ProposalDecided records a consensus outcome with its elapsed time and
// participation rate.
func (c *Collector) ProposalDecided(decision string, elapsed time.Duration, participation float64) {
	c.proposalsTotal.Add(1)
	switch decision {
	case "approved":
		c.proposalsApproved.Add(1)
	case "rejected":
		c.proposalsRejected.Add(1)
	default:
		c.proposalsTimedOut.Add(1)
	}
	c.consensusTime.Add(float64(elapsed.Microseconds()) / 1000.0)
	c.participation.Add(participation)
}

// ProposalFailed records a round refused before any ballot was cast: an
// empty voter pool or a protocol capacity check. Failed rounds do not count
// toward totals or decision counters.
func (c *Collector) ProposalFailed() { c.proposalsFailed.Add(1) }

// Gauges are point-in-time values owned by other components; the core fills
// them in when assembling a snapshot.
type Gauges struct {
	TotalAgentsManaged      int `json:"total_agents_managed"`
	ActiveCoordinationNodes int `json:"active_coordination_nodes"`
	HealthyAgents           int `json:"healthy_agents"`
	DegradedAgents          int `json:"degraded_agents"`
	FailedAgents            int `json:"failed_agents"`
	PendingRecoveries       int `json:"pending_recoveries"`
	GlobalQueueSize         int `json:"global_queue_size"`
}

// Snapshot is the full metrics surface at one instant.
type Snapshot struct {
	Gauges

	TasksCoordinated     uint64    `json:"tasks_coordinated"`
	WorkStealingOps      uint64    `json:"work_stealing_operations"`
	RebalancingOps       uint64    `json:"rebalancing_operations"`
	AgentFailures        uint64    `json:"agent_failures"`
	AgentRecoveries      uint64    `json:"agent_recoveries"`
	TotalProposals       uint64    `json:"total_proposals"`
	ProposalsApproved    uint64    `json:"proposals_approved"`
	ProposalsRejected    uint64    `json:"proposals_rejected"`
	ProposalsTimedOut    uint64    `json:"proposals_timed_out"`
	ProposalsFailed      uint64    `json:"proposals_failed"`
	AvgConsensusTimeMS   float64   `json:"avg_consensus_time_ms"`
	AvgParticipationRate float64   `json:"avg_participation_rate"`
	DispatchLatencyEMAMS float64   `json:"dispatch_latency_ema_ms"`
	DispatchLatencyAvgMS float64   `json:"dispatch_latency_avg_ms"`
	DispatchLatencyP50MS float64   `json:"dispatch_latency_p50_ms"`
	DispatchLatencyP95MS float64   `json:"dispatch_latency_p95_ms"`
	DispatchLatencyP99MS float64   `json:"dispatch_latency_p99_ms"`
	CollectedAt          time.Time `json:"collected_at"`
}

// Snap assembles a consistent-enough snapshot: counters are read atomically,
// windows under their own locks. Exact cross-counter consistency is not a
// goal.
func (c *Collector) Snap(g Gauges) Snapshot {
	return Snapshot{
		Gauges:               g,
		TasksCoordinated:     c.tasksCoordinated.Load(),
		WorkStealingOps:      c.workSteals.Load(),
		RebalancingOps:       c.rebalances.Load(),
		AgentFailures:        c.agentFailures.Load(),
		AgentRecoveries:      c.agentRecoveries.Load(),
		TotalProposals:       c.proposalsTotal.Load(),
		ProposalsApproved:    c.proposalsApproved.Load(),
		ProposalsRejected:    c.proposalsRejected.Load(),
		ProposalsTimedOut:    c.proposalsTimedOut.Load(),
		ProposalsFailed:      c.proposalsFailed.Load(),
		AvgConsensusTimeMS:   c.consensusTime.Avg(),
		AvgParticipationRate: c.participation.Avg(),
		DispatchLatencyEMAMS: bitsFloat(c.dispatchEMA.Load()),
		DispatchLatencyAvgMS: c.dispatchLatency.Avg(),
		DispatchLatencyP50MS: c.dispatchLatency.Percentile(50),
		DispatchLatencyP95MS: c.dispatchLatency.Percentile(95),
		DispatchLatencyP99MS: c.dispatchLatency.Percentile(99),
		CollectedAt:          time.Now(),
	}
}
