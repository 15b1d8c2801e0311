// Package health runs the heartbeat monitor and the recovery drain.
//
// The monitor demotes agents based on heartbeat staleness: degraded past
// 1.5× the check interval, failed past 3×. A failure removes the agent from
// its coordination node, returns its in-flight tasks to the caller-supplied
// requeue hook, and enqueues a recovery entry. Actual agent restarts are
// delegated to an external lifecycle manager.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/hierarchy"
	"github.com/agent-hive/hivecore/pkg/metrics"
	"github.com/agent-hive/hivecore/pkg/models"
	"github.com/agent-hive/hivecore/pkg/registry"
)

// DefaultCheckInterval is the heartbeat scan period.
const DefaultCheckInterval = time.Second

// Staleness multipliers over the check interval.
const (
	degradedFactor = 1.5
	failedFactor   = 3.0
)

// RequeueFunc receives the in-flight tasks of a failed agent for
// re-dispatch. The dispatcher supplies it.
type RequeueFunc func(tasks []*models.Task)

// MonitorConfig controls the health monitor.
type MonitorConfig struct {
	CheckInterval time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}

// Monitor is the heartbeat staleness loop.
type Monitor struct {
	cfg      MonitorConfig
	reg      *registry.Registry
	tree     *hierarchy.Tree
	events   *bus.Bus
	metrics  *metrics.Collector
	recovery *Recovery
	requeue  RequeueFunc
	logger   *slog.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMonitor wires a monitor. recovery and requeue may be nil (failures are
// then only recorded).
func NewMonitor(cfg MonitorConfig, reg *registry.Registry, tree *hierarchy.Tree, events *bus.Bus, mc *metrics.Collector, recovery *Recovery, requeue RequeueFunc, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		tree:     tree,
		events:   events,
		metrics:  mc,
		recovery: recovery,
		requeue:  requeue,
		logger:   logger.With("component", "health-monitor"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the scan loop until Stop or context cancellation.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		m.logger.Info("health monitor started", "interval", m.cfg.CheckInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Scan()
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

// Scan runs one staleness pass over every registered agent.
func (m *Monitor) Scan() {
	now := m.now()
	degradedAfter := time.Duration(degradedFactor * float64(m.cfg.CheckInterval))
	failedAfter := time.Duration(failedFactor * float64(m.cfg.CheckInterval))

	for _, a := range m.reg.Snapshot() {
		since := now.Sub(a.LastHeartbeat)

		switch {
		case since > failedAfter && a.Health != models.HealthFailed:
			m.fail(a.ID, now)
		case since > degradedAfter && a.Health == models.HealthHealthy:
			if m.reg.MarkDegraded(a.ID) {
				m.logger.Warn("agent degraded", "agent_id", a.ID, "since_heartbeat", since)
				if m.events != nil {
					m.events.Broadcast(bus.NewEvent(bus.EventAgentDegraded, "", a.ID, nil))
				}
			}
		}
	}
}

// fail transitions an agent to failed: clears its registry bindings, drops
// its tasks from the node queue, detaches it from the tree, requeues the
// tasks, and enqueues a recovery entry.
func (m *Monitor) fail(agentID string, now time.Time) {
	tasks, ok := m.reg.MarkFailed(agentID)
	if !ok {
		return
	}

	if nodeID, placed := m.tree.NodeOf(agentID); placed {
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		m.tree.RemoveTasks(nodeID, ids)
		m.tree.RemoveAgent(agentID)
	}

	m.logger.Error("agent failed", "agent_id", agentID, "orphaned_tasks", len(tasks))
	if m.metrics != nil {
		m.metrics.AgentFailed()
	}
	if m.events != nil {
		m.events.Broadcast(bus.NewEvent(bus.EventAgentFailed, "", agentID, map[string]any{
			"orphaned_tasks": len(tasks),
		}))
	}
	if m.requeue != nil && len(tasks) > 0 {
		m.requeue(tasks)
	}
	if m.recovery != nil {
		m.recovery.Enqueue(agentID, now)
	}
}
