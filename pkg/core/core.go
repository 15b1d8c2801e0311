// Package core assembles the coordination components and drives their
// lifecycles. A Core is an explicit value: construct one per process (or per
// test), Start it, and Stop it on shutdown. Nothing in here is a singleton.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agent-hive/hivecore/pkg/balance"
	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/cleanup"
	"github.com/agent-hive/hivecore/pkg/config"
	"github.com/agent-hive/hivecore/pkg/consensus"
	"github.com/agent-hive/hivecore/pkg/dispatch"
	"github.com/agent-hive/hivecore/pkg/health"
	"github.com/agent-hive/hivecore/pkg/hierarchy"
	"github.com/agent-hive/hivecore/pkg/intervene"
	"github.com/agent-hive/hivecore/pkg/metrics"
	"github.com/agent-hive/hivecore/pkg/models"
	"github.com/agent-hive/hivecore/pkg/registry"
	"github.com/agent-hive/hivecore/pkg/snapshot"
)

// statsLogInterval is how often the core logs a coordination summary.
const statsLogInterval = 30 * time.Second

// VoteFunc produces an agent's ballot in a consensus round. The default
// approves on behalf of every healthy agent; deployments with an agent-side
// voting transport inject their own.
type VoteFunc func(ctx context.Context, agentID string, p models.Proposal) (models.VoteDecision, error)

func approveAll(_ context.Context, _ string, _ models.Proposal) (models.VoteDecision, error) {
	return models.VoteApprove, nil
}

// agentVoter adapts a registered agent to the consensus Voter interface.
type agentVoter struct {
	id   string
	vote VoteFunc
}

func (v *agentVoter) ID() string { return v.id }

func (v *agentVoter) Vote(ctx context.Context, p models.Proposal) (models.VoteDecision, error) {
	return v.vote(ctx, v.id, p)
}

// Options customizes Core construction. Zero values select defaults.
type Options struct {
	Logger *slog.Logger
	// Lifecycle restarts failed agents. Defaults to health.NoopLifecycle.
	Lifecycle health.LifecycleManager
	// Store persists coordination snapshots. Nil disables persistence.
	Store snapshot.Store
	// Vote supplies agent ballots for consensus rounds.
	Vote VoteFunc
}

// Core owns every coordination component and their background loops.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger
	store  snapshot.Store

	Registry  *registry.Registry
	Tree      *hierarchy.Tree
	Bus       *bus.Bus
	Collector *metrics.Collector

	Engine        *consensus.Engine
	Dispatcher    *dispatch.Dispatcher
	Orphans       *dispatch.OrphanScanner
	Stealer       *balance.Stealer
	Rebalancer    *balance.Rebalancer
	Monitor       *health.Monitor
	Recovery      *health.Recovery
	Interventions *intervene.Channel
	Cleanup       *cleanup.Service

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New wires the coordination components from resolved configuration.
func New(cfg *config.Config, opts Options) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	vote := opts.Vote
	if vote == nil {
		vote = approveAll
	}

	reg := registry.New()
	tree := hierarchy.New(cfg.Coordination.MaxAgentsPerNode, cfg.Coordination.HierarchyDepth)
	events := bus.New(logger)
	collector := metrics.NewCollector()

	pool := consensus.VoterPoolFunc(func() []consensus.Voter {
		healthy := reg.Healthy()
		voters := make([]consensus.Voter, 0, len(healthy))
		for _, a := range healthy {
			voters = append(voters, &agentVoter{id: a.ID, vote: vote})
		}
		return voters
	})

	engine, err := consensus.NewEngine(cfg.Consensus, pool, events, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build consensus engine: %w", err)
	}

	strategy, err := balance.NewStrategy(cfg.Coordination.Strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to build balancing strategy: %w", err)
	}

	dispatcher := dispatch.New(cfg.Dispatch.Dispatch, reg, tree, strategy, engine, events, collector, logger)
	orphans := dispatch.NewOrphanScanner(cfg.Dispatch.Orphan, dispatcher, logger)

	stealer := balance.NewStealer(cfg.Coordination.WorkStealing, tree, reg, dispatcher.RebindAssignment, events, collector, logger)
	rebalancer := balance.NewRebalancer(cfg.Coordination.Rebalance, stealer, dispatcher.DrainGlobalQueue, events, collector, logger)

	recovery := health.NewRecovery(cfg.Coordination.Recovery, reg, tree, events, collector, opts.Lifecycle, logger)
	monitor := health.NewMonitor(cfg.Coordination.Health, reg, tree, events, collector, recovery, dispatcher.Requeue, logger)

	interventions := intervene.New(cfg.Retention.Interventions, events, logger)
	retention := cleanup.NewService(cleanup.Config{Interval: cfg.Retention.CleanupInterval}, interventions)

	return &Core{
		cfg:           cfg,
		logger:        logger.With("component", "core"),
		store:         opts.Store,
		Registry:      reg,
		Tree:          tree,
		Bus:           events,
		Collector:     collector,
		Engine:        engine,
		Dispatcher:    dispatcher,
		Orphans:       orphans,
		Stealer:       stealer,
		Rebalancer:    rebalancer,
		Monitor:       monitor,
		Recovery:      recovery,
		Interventions: interventions,
		Cleanup:       retention,
	}, nil
}

// Start launches every background loop. Safe to call once; Stop reverses it.
func (c *Core) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.Monitor.Start(runCtx)
	c.Recovery.Start(runCtx)
	c.Stealer.Start(runCtx)
	c.Rebalancer.Start(runCtx)
	c.Orphans.Start(runCtx)
	c.Cleanup.Start(runCtx)
	if c.cfg.Consensus.Protocol == consensus.ProtocolRaft {
		c.Engine.StartRaft(runCtx)
	}

	g, gctx := errgroup.WithContext(runCtx)
	c.group = g
	g.Go(func() error { return c.snapshotLoop(gctx) })
	g.Go(func() error { return c.statsLoop(gctx) })

	c.logger.Info("Coordination core started",
		"strategy", c.cfg.Coordination.Strategy,
		"consensus_protocol", c.cfg.Consensus.Protocol,
		"work_stealing", c.cfg.Coordination.WorkStealing.Enabled)
}

// Stop halts the background loops and waits for them to exit. The final
// snapshot save is the caller's responsibility (it needs its own deadline).
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false

	c.Cleanup.Stop()
	c.Orphans.Stop()
	c.Rebalancer.Stop()
	c.Stealer.Stop()
	c.Recovery.Stop()
	c.Monitor.Stop()
	c.Engine.StopRaft()

	c.cancel()
	_ = c.group.Wait()

	c.logger.Info("Coordination core stopped")
}

// RegisterAgent adds an agent to the registry and places it in the
// coordination tree. Returns the node the agent was placed under.
func (c *Core) RegisterAgent(a *models.Agent) (string, error) {
	if err := c.Registry.Register(a); err != nil {
		return "", err
	}

	nodeID, err := c.Tree.Place(a.ID)
	if err != nil {
		c.Registry.Unregister(a.ID)
		return "", fmt.Errorf("failed to place agent: %w", err)
	}

	c.logger.Info("Agent registered", "agent_id", a.ID, "agent_type", a.Type, "node_id", nodeID)
	c.Bus.Broadcast(bus.NewEvent(bus.EventStatusChange, "", a.ID, map[string]any{
		"status":  "registered",
		"node_id": nodeID,
	}))
	return nodeID, nil
}

// UnregisterAgent removes an agent. Its in-flight tasks return to the global
// queue for re-dispatch.
func (c *Core) UnregisterAgent(id string) error {
	if _, ok := c.Registry.Get(id); !ok {
		return registry.ErrNotFound
	}

	tasks := c.Registry.Unregister(id)
	c.Tree.RemoveAgent(id)

	c.logger.Info("Agent unregistered", "agent_id", id, "requeued_tasks", len(tasks))
	c.Bus.Broadcast(bus.NewEvent(bus.EventStatusChange, "", id, map[string]any{
		"status": "unregistered",
	}))

	if len(tasks) > 0 {
		c.Dispatcher.Requeue(tasks)
	}
	return nil
}

// Heartbeat records a liveness signal. A heartbeat from a degraded agent
// restores it to healthy.
func (c *Core) Heartbeat(id string) error {
	if !c.Registry.Heartbeat(id) {
		return registry.ErrNotFound
	}
	return nil
}

// Dispatch routes a task to an agent, or queues it when no healthy agent
// has capacity.
func (c *Core) Dispatch(ctx context.Context, task *models.Task) (dispatch.Result, error) {
	return c.Dispatcher.Dispatch(ctx, task)
}

// Complete records a finished task.
func (c *Core) Complete(agentID, taskID string, executionTime time.Duration) error {
	return c.Dispatcher.Complete(agentID, taskID, executionTime)
}

// Propose runs a consensus round over the current healthy agents.
func (c *Core) Propose(ctx context.Context, p models.Proposal) (models.ConsensusResult, error) {
	return c.Engine.Propose(ctx, p)
}

// Metrics assembles a point-in-time snapshot of counters and gauges.
func (c *Core) Metrics() metrics.Snapshot {
	return c.Collector.Snap(c.gauges())
}

func (c *Core) gauges() metrics.Gauges {
	agents := c.Registry.Snapshot()
	g := metrics.Gauges{
		TotalAgentsManaged:      len(agents),
		ActiveCoordinationNodes: c.Tree.NodeCount(),
		PendingRecoveries:       c.Recovery.Pending(),
		GlobalQueueSize:         c.Dispatcher.GlobalQueueSize(),
	}
	for _, a := range agents {
		switch a.Health {
		case models.HealthHealthy:
			g.HealthyAgents++
		case models.HealthDegraded:
			g.DegradedAgents++
		case models.HealthFailed:
			g.FailedAgents++
		}
	}
	return g
}

// Capture builds a snapshot document of the current coordination state.
func (c *Core) Capture() *snapshot.Document {
	interventions, relaunches := c.Interventions.Snapshot()
	return &snapshot.Document{
		Version:       snapshot.Version,
		TakenAt:       time.Now().UTC(),
		Agents:        c.Registry.Snapshot(),
		QueuedTasks:   c.Dispatcher.QueuedTasks(),
		Interventions: interventions,
		Relaunches:    relaunches,
	}
}

// SaveSnapshot persists the current state. A nil store makes this a no-op.
func (c *Core) SaveSnapshot(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Save(ctx, c.Capture()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// RestoreSnapshot loads the most recent snapshot, if any. Restored agents
// come back degraded with zero in-flight work: they must heartbeat before
// they receive tasks again, and their previous assignments were lost with
// the process.
func (c *Core) RestoreSnapshot(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	doc, err := c.store.Load(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		c.logger.Info("No snapshot found, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	restored := 0
	for i := range doc.Agents {
		a := doc.Agents[i].Clone()
		a.InFlight = 0
		if err := c.Registry.Register(&a); err != nil {
			c.logger.Warn("Skipping agent from snapshot", "agent_id", a.ID, "error", err)
			continue
		}
		c.Registry.MarkDegraded(a.ID)
		if _, err := c.Tree.Place(a.ID); err != nil {
			c.logger.Warn("Failed to place restored agent", "agent_id", a.ID, "error", err)
		}
		restored++
	}

	c.Dispatcher.RestoreQueue(doc.QueuedTasks)
	c.Interventions.Restore(doc.Interventions, doc.Relaunches)

	c.logger.Info("Restored coordination state from snapshot",
		"taken_at", doc.TakenAt,
		"agents", restored,
		"queued_tasks", len(doc.QueuedTasks),
		"interventions", len(doc.Interventions))
	return nil
}

// snapshotLoop periodically persists state. Saves are best-effort; a failed
// save is logged and retried on the next tick.
func (c *Core) snapshotLoop(ctx context.Context) error {
	if c.store == nil || c.cfg.Snapshot.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(c.cfg.Snapshot.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.SaveSnapshot(ctx); err != nil {
				c.logger.Warn("Periodic snapshot failed", "error", err)
			}
		}
	}
}

// statsLoop logs a coordination summary at a fixed interval.
func (c *Core) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := c.Metrics()
			c.logger.Info("Coordination stats",
				"agents", snap.TotalAgentsManaged,
				"healthy", snap.HealthyAgents,
				"nodes", snap.ActiveCoordinationNodes,
				"tasks_coordinated", snap.TasksCoordinated,
				"global_queue", snap.GlobalQueueSize,
				"work_stolen", snap.WorkStealingOps)
		}
	}
}
