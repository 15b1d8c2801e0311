package health

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

// Recovery defaults.
const (
	DefaultRecoveryTimeout = 5 * time.Second
	DefaultDrainInterval   = time.Second
	defaultBackoffCeiling  = 2 * time.Minute
)

// LifecycleManager restarts failed agents. Implementations live outside the
// coordination core (process supervisors, container runtimes).
type LifecycleManager interface {
	Recover(ctx context.Context, agentID string) error
}

// NoopLifecycle accepts every recovery immediately. Useful for deployments
// where agents self-restart and only need re-admission.
type NoopLifecycle struct{}

// Recover implements LifecycleManager.
func (NoopLifecycle) Recover(context.Context, string) error { return nil }

// entry is one pending recovery.
type entry struct {
	agentID     string
	failureTime time.Time
	nextAttempt time.Time
	backoff     time.Duration
}

// RecoveryConfig controls the recovery drain.
type RecoveryConfig struct {
	// Timeout is how long an agent must stay failed before the first
	// recovery attempt.
	Timeout time.Duration
	// DrainInterval is the queue polling period.
	DrainInterval time.Duration
	// BackoffCeiling caps the exponential retry delay.
	BackoffCeiling time.Duration
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultRecoveryTimeout
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = defaultBackoffCeiling
	}
	return c
}

// Recovery drains failed agents back to healthy via the lifecycle manager.
type Recovery struct {
	cfg       RecoveryConfig
	reg       *registry.Registry
	tree      *hierarchy.Tree
	events    *bus.Bus
	metrics   *metrics.Collector
	lifecycle LifecycleManager
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []entry

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRecovery wires a recovery drain. A nil lifecycle defaults to
// NoopLifecycle.
func NewRecovery(cfg RecoveryConfig, reg *registry.Registry, tree *hierarchy.Tree, events *bus.Bus, mc *metrics.Collector, lifecycle LifecycleManager, logger *slog.Logger) *Recovery {
	if lifecycle == nil {
		lifecycle = NoopLifecycle{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		cfg:       cfg.withDefaults(),
		reg:       reg,
		tree:      tree,
		events:    events,
		metrics:   mc,
		lifecycle: lifecycle,
		logger:    logger.With("component", "recovery"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Enqueue records a failed agent for later recovery. Duplicate entries for
// an agent already pending are ignored.
func (r *Recovery) Enqueue(agentID string, failureTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.pending {
		if e.agentID == agentID {
			return
		}
	}
	r.pending = append(r.pending, entry{
		agentID:     agentID,
		failureTime: failureTime,
		nextAttempt: failureTime.Add(r.cfg.Timeout),
		backoff:     r.cfg.Timeout,
	})
}

// Pending returns the number of agents awaiting recovery.
func (r *Recovery) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Start runs the drain loop until Stop or context cancellation.
func (r *Recovery) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.DrainInterval)
		defer ticker.Stop()

		r.logger.Info("recovery drain started", "timeout", r.cfg.Timeout)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Drain(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (r *Recovery) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// Drain attempts recovery for every due entry. Failures re-enqueue with
// doubled backoff up to the ceiling. Returns the number of agents recovered.
func (r *Recovery) Drain(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	var due []entry
	var remaining []entry
	for _, e := range r.pending {
		if !now.Before(e.nextAttempt) {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	r.pending = remaining
	r.mu.Unlock()

	recovered := 0
	for _, e := range due {
		if err := r.lifecycle.Recover(ctx, e.agentID); err != nil {
			backoff := e.backoff * 2
			if backoff > r.cfg.BackoffCeiling {
				backoff = r.cfg.BackoffCeiling
			}
			e.backoff = backoff
			e.nextAttempt = now.Add(backoff)
			r.mu.Lock()
			r.pending = append(r.pending, e)
			r.mu.Unlock()

			r.logger.Warn("recovery attempt failed", "agent_id", e.agentID, "retry_in", backoff, "error", err)
			continue
		}

		if !r.reg.Restore(e.agentID) {
			// agent was unregistered while pending; nothing to restore
			continue
		}
		if _, placed := r.tree.NodeOf(e.agentID); !placed {
			if _, err := r.tree.Place(e.agentID); err != nil {
				r.logger.Error("re-placement after recovery failed", "agent_id", e.agentID, "error", err)
			}
		}

		recovered++
		r.logger.Info("agent recovered", "agent_id", e.agentID, "downtime", now.Sub(e.failureTime))
		if r.metrics != nil {
			r.metrics.AgentRecovered()
		}
		if r.events != nil {
			r.events.Broadcast(bus.NewEvent(bus.EventAgentRecovered, "", e.agentID, nil))
		}
	}
	return recovered
}
