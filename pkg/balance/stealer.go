package balance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/hierarchy"
	"github.com/agent-hive/hivecore/pkg/metrics"
	"github.com/agent-hive/hivecore/pkg/registry"
)

// Work-stealing defaults.
const (
	DefaultStealInterval   = 500 * time.Millisecond
	DefaultThresholdRatio  = 2.0
	DefaultMinTasksToSteal = 1
	DefaultMaxTasksToSteal = 5
)

// RebindFunc tells the dispatcher that a task moved to a new agent and node,
// so its assignment tracking follows the steal.
type RebindFunc func(taskID, agentID, nodeID string)

// StealerConfig controls the work-stealing loop.
type StealerConfig struct {
	Enabled         bool
	Interval        time.Duration
	ThresholdRatio  float64
	MinTasksToSteal int
	MaxTasksToSteal int
}

// withDefaults fills zero fields.
func (c StealerConfig) withDefaults() StealerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultStealInterval
	}
	if c.ThresholdRatio <= 0 {
		c.ThresholdRatio = DefaultThresholdRatio
	}
	if c.MinTasksToSteal <= 0 {
		c.MinTasksToSteal = DefaultMinTasksToSteal
	}
	if c.MaxTasksToSteal <= 0 {
		c.MaxTasksToSteal = DefaultMaxTasksToSteal
	}
	return c
}

// Stealer periodically moves tasks from the most-loaded coordination node to
// the least-loaded one.
type Stealer struct {
	cfg     StealerConfig
	tree    *hierarchy.Tree
	reg     *registry.Registry
	rebind  RebindFunc
	events  *bus.Bus
	metrics *metrics.Collector
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewStealer wires a stealer. Call Start to run the loop; StealPass can also
// be invoked directly (the rebalancer does). rebind may be nil when no
// component tracks assignments.
func NewStealer(cfg StealerConfig, tree *hierarchy.Tree, reg *registry.Registry, rebind RebindFunc, events *bus.Bus, mc *metrics.Collector, logger *slog.Logger) *Stealer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stealer{
		cfg:     cfg.withDefaults(),
		tree:    tree,
		reg:     reg,
		rebind:  rebind,
		events:  events,
		metrics: mc,
		logger:  logger.With("component", "work-stealer"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the stealing loop until Stop or context cancellation. Returns
// immediately when stealing is disabled.
func (s *Stealer) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		close(s.done)
		s.logger.Info("work stealing disabled")
		return
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.logger.Info("work stealer started", "interval", s.cfg.Interval, "threshold_ratio", s.cfg.ThresholdRatio)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.StealPass()
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (s *Stealer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// StealPass runs one stealing cycle and returns the number of tasks moved.
//
// H is the most-loaded node and L the least-loaded node that still has
// agents to receive work. Tasks move only when
// H.load − L.load > L.load · thresholdRatio, clamped to
// min(⌊gap/2⌋, maxTasksToSteal, |H.queue|) but at least minTasksToSteal.
func (s *Stealer) StealPass() int {
	loads := s.tree.LoadSnapshot()

	var h, l *hierarchy.NodeLoad
	for i := range loads {
		nl := &loads[i]
		if nl.Agents == 0 {
			continue
		}
		if h == nil || nl.Load > h.Load {
			h = nl
		}
		if l == nil || nl.Load < l.Load {
			l = nl
		}
	}
	if h == nil || l == nil || h.ID == l.ID {
		return 0
	}

	gap := h.Load - l.Load
	if float64(gap) <= float64(l.Load)*s.cfg.ThresholdRatio || h.QueueLen == 0 {
		return 0
	}

	targets := s.healthyAgentsOf(l.ID)
	if len(targets) == 0 {
		return 0
	}

	n := gap / 2
	if n > s.cfg.MaxTasksToSteal {
		n = s.cfg.MaxTasksToSteal
	}
	if n > h.QueueLen {
		n = h.QueueLen
	}
	if n < s.cfg.MinTasksToSteal {
		n = s.cfg.MinTasksToSteal
	}

	moved, err := s.tree.Steal(h.ID, l.ID, n)
	if err != nil {
		s.logger.Error("steal failed", "from", h.ID, "to", l.ID, "error", err)
		return 0
	}
	if len(moved) == 0 {
		return 0
	}

	// Rebind the moved tasks round-robin over the target node's healthy
	// agents so Σ in-flight matches Σ node load after the move. The
	// dispatcher's assignment tracking follows so a later Complete
	// decrements the node that actually holds the task.
	for i, task := range moved {
		target := targets[i%len(targets)]
		if err := s.reg.Rebind(task, target); err != nil {
			s.logger.Warn("rebind after steal failed", "task_id", task.ID, "agent_id", target, "error", err)
			continue
		}
		if s.rebind != nil {
			s.rebind(task.ID, target, l.ID)
		}
	}

	if s.metrics != nil {
		s.metrics.WorkStolen()
	}
	if s.events != nil {
		s.events.Broadcast(bus.NewEvent(bus.EventWorkStolen, "", "", map[string]any{
			"from":  h.ID,
			"to":    l.ID,
			"count": len(moved),
		}))
	}
	s.logger.Info("work stolen", "from", h.ID, "to", l.ID, "count", len(moved))
	return len(moved)
}

func (s *Stealer) healthyAgentsOf(nodeID string) []string {
	var out []string
	for _, id := range s.tree.AgentsOf(nodeID) {
		if a, ok := s.reg.Get(id); ok && a.IsHealthy() {
			out = append(out, id)
		}
	}
	return out
}
