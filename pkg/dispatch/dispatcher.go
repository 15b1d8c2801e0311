// Package dispatch routes tasks to agents: validation, an optional
// consensus gate per task type, strategy-driven selection, the global queue
// for times with no healthy agent, and orphan detection for tasks whose
// completion report never arrives.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-hive/hivecore/pkg/balance"
	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/consensus"
	"github.com/agent-hive/hivecore/pkg/hierarchy"
	"github.com/agent-hive/hivecore/pkg/metrics"
	"github.com/agent-hive/hivecore/pkg/models"
	"github.com/agent-hive/hivecore/pkg/registry"
)

// Dispatch defaults.
const (
	DefaultMaxRetries = 3
)

// Validation and flow errors.
var (
	ErrInvalidTask      = errors.New("invalid task")
	ErrTaskRejected     = errors.New("task rejected by consensus")
	ErrRetriesExhausted = errors.New("task retries exhausted")
)

// Status is the outcome of a dispatch call.
type Status string

// Dispatch outcomes.
const (
	StatusAssigned Status = "assigned"
	StatusQueued   Status = "queued"
	StatusRejected Status = "rejected"
)

// Result reports where a task went.
type Result struct {
	Status  Status `json:"status"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Config controls the dispatcher.
type Config struct {
	// ConsensusKinds lists task types that must pass a consensus round
	// before assignment.
	ConsensusKinds []string
	// MaxRetries bounds re-dispatch attempts for requeued tasks.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// assignment tracks an in-flight dispatch for orphan detection.
type assignment struct {
	agentID    string
	nodeID     string
	assignedAt time.Time
}

// Dispatcher routes tasks into the coordination tree.
type Dispatcher struct {
	cfg      Config
	reg      *registry.Registry
	tree     *hierarchy.Tree
	strategy balance.Strategy
	engine   *consensus.Engine
	events   *bus.Bus
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	coordinated atomic.Uint64
	gated       map[string]bool

	mu          sync.Mutex
	globalQueue []*models.Task
	assignments map[string]assignment
}

// New wires a dispatcher. engine may be nil when no task type is gated.
func New(cfg Config, reg *registry.Registry, tree *hierarchy.Tree, strategy balance.Strategy, engine *consensus.Engine, events *bus.Bus, mc *metrics.Collector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	gated := make(map[string]bool, len(cfg.ConsensusKinds))
	for _, k := range cfg.ConsensusKinds {
		gated[k] = true
	}

	return &Dispatcher{
		cfg:         cfg,
		reg:         reg,
		tree:        tree,
		strategy:    strategy,
		engine:      engine,
		events:      events,
		metrics:     mc,
		logger:      logger.With("component", "dispatcher"),
		now:         time.Now,
		gated:       gated,
		assignments: make(map[string]assignment),
	}
}

// Dispatch routes one task. Returns StatusAssigned with the agent id,
// StatusQueued when no healthy agent exists, or StatusRejected when
// validation or the consensus gate refuses it.
func (d *Dispatcher) Dispatch(ctx context.Context, task *models.Task) (Result, error) {
	start := d.now()

	if err := d.validate(task); err != nil {
		return Result{Status: StatusRejected, Reason: err.Error()}, err
	}

	if d.gated[task.Type] {
		if res, err := d.consensusGate(ctx, task); err != nil || res.Status == StatusRejected {
			return res, err
		}
	}

	return d.place(task, start)
}

func (d *Dispatcher) validate(task *models.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	if task.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidTask)
	}
	if task.Priority != "" && !models.ValidPriority(task.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, task.Priority)
	}
	if task.Expired(d.now()) {
		return fmt.Errorf("%w: deadline already passed", ErrInvalidTask)
	}
	return nil
}

func (d *Dispatcher) consensusGate(ctx context.Context, task *models.Task) (Result, error) {
	res, err := d.engine.Propose(ctx, models.Proposal{
		Kind:       models.ProposalTaskAssignment,
		ProposerID: "dispatcher",
		Data:       task.Payload,
	})
	if err != nil {
		return Result{Status: StatusRejected, Reason: err.Error()}, err
	}
	if res.Decision != models.DecisionApproved {
		reason := fmt.Sprintf("consensus %s for task %s", res.Decision, task.ID)
		d.logger.Info("task rejected by consensus", "task_id", task.ID, "decision", res.Decision)
		return Result{Status: StatusRejected, Reason: reason}, fmt.Errorf("%w: %s", ErrTaskRejected, res.Decision)
	}
	return Result{}, nil
}

// place selects an agent and commits the assignment, falling back to the
// global queue when the healthy set is empty.
func (d *Dispatcher) place(task *models.Task, start time.Time) (Result, error) {
	if task.TargetAgent != "" {
		if err := d.commit(task, task.TargetAgent, start); err != nil {
			return Result{Status: StatusRejected, Reason: err.Error()}, err
		}
		return Result{Status: StatusAssigned, AgentID: task.TargetAgent}, nil
	}

	healthy := d.reg.Healthy()

	// a selection may race a health transition; retry over the shrinking
	// healthy set rather than failing the dispatch
	for len(healthy) > 0 {
		agentID, ok := d.strategy.Select(healthy, d.coordinated.Load())
		if !ok {
			break
		}
		if err := d.commit(task, agentID, start); err != nil {
			healthy = removeAgent(healthy, agentID)
			continue
		}
		return Result{Status: StatusAssigned, AgentID: agentID}, nil
	}

	d.enqueueGlobal(task)
	return Result{Status: StatusQueued}, nil
}

// commit binds the task to the agent, enqueues it on the agent's node, and
// records the assignment for orphan tracking.
func (d *Dispatcher) commit(task *models.Task, agentID string, start time.Time) error {
	nodeID, placed := d.tree.NodeOf(agentID)
	if !placed {
		return fmt.Errorf("%w: agent %s has no coordination node", registry.ErrAgentUnavailable, agentID)
	}
	if err := d.reg.Assign(task, agentID); err != nil {
		return err
	}
	if err := d.tree.Enqueue(agentID, task); err != nil {
		d.logger.Error("node enqueue failed after binding", "task_id", task.ID, "agent_id", agentID, "error", err)
	}

	d.mu.Lock()
	d.assignments[task.ID] = assignment{agentID: agentID, nodeID: nodeID, assignedAt: d.now()}
	d.mu.Unlock()

	d.coordinated.Add(1)
	latency := d.now().Sub(start)
	if d.metrics != nil {
		d.metrics.TaskCoordinated(latency)
	}
	if d.events != nil {
		d.events.Broadcast(bus.NewEvent(bus.EventTaskCoordinated, "", agentID, map[string]any{
			"task_id":    task.ID,
			"latency_ms": float64(latency.Microseconds()) / 1000.0,
		}))
	}
	d.logger.Debug("task coordinated", "task_id", task.ID, "agent_id", agentID, "latency", latency)
	return nil
}

func removeAgent(agents []models.Agent, id string) []models.Agent {
	out := agents[:0]
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// enqueueGlobal parks a task on the global queue and announces it.
func (d *Dispatcher) enqueueGlobal(task *models.Task) {
	d.mu.Lock()
	d.globalQueue = append(d.globalQueue, task)
	size := len(d.globalQueue)
	d.mu.Unlock()

	if d.events != nil {
		d.events.Broadcast(bus.NewEvent(bus.EventTaskQueued, "", "", map[string]any{
			"task_id":    task.ID,
			"queue_size": size,
		}))
	}
	d.logger.Info("task queued", "task_id", task.ID, "queue_size", size)
}

// Requeue accepts orphaned tasks from the health monitor or orphan scanner.
// Each retry increments the task's counter; tasks past MaxRetries are
// dropped with a log line instead of looping forever.
func (d *Dispatcher) Requeue(tasks []*models.Task) {
	for _, task := range tasks {
		d.mu.Lock()
		delete(d.assignments, task.ID)
		d.mu.Unlock()

		task.Retries++
		if task.Retries > d.cfg.MaxRetries {
			d.logger.Error("task dropped after exhausting retries",
				"task_id", task.ID, "retries", task.Retries)
			continue
		}
		d.enqueueGlobal(task)
	}
}

// DrainGlobalQueue re-dispatches queued tasks. Tasks that still find no
// healthy agent return to the queue in their original order. The consensus
// gate is not re-run: a task on the queue already passed it. Returns the
// number of tasks assigned.
func (d *Dispatcher) DrainGlobalQueue(_ context.Context) int {
	d.mu.Lock()
	pending := d.globalQueue
	d.globalQueue = nil
	d.mu.Unlock()

	assigned := 0
	for _, task := range pending {
		res, err := d.place(task, d.now())
		if err == nil && res.Status == StatusAssigned {
			assigned++
		}
	}
	if assigned > 0 {
		d.logger.Info("global queue drained", "assigned", assigned, "remaining", d.GlobalQueueSize())
	}
	return assigned
}

// Complete records a finished task: clears the registry binding, decrements
// the node load, and drops the orphan-tracking entry.
func (d *Dispatcher) Complete(agentID, taskID string, executionTime time.Duration) error {
	d.mu.Lock()
	a, tracked := d.assignments[taskID]
	delete(d.assignments, taskID)
	d.mu.Unlock()

	if err := d.reg.ReportCompletion(agentID, taskID, executionTime); err != nil {
		return err
	}

	if tracked && d.tree.Complete(a.nodeID, taskID) {
		return nil
	}
	// untracked, or the tracked node no longer holds the task (a steal
	// raced the completion report): settle against the reporting agent's
	// current node
	if nodeID, ok := d.tree.NodeOf(agentID); ok {
		d.tree.Complete(nodeID, taskID)
	}
	return nil
}

// RebindAssignment points an in-flight assignment at its new agent and node
// after a steal moved the task. Unknown tasks are ignored.
func (d *Dispatcher) RebindAssignment(taskID, agentID, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.assignments[taskID]
	if !ok {
		return
	}
	a.agentID = agentID
	a.nodeID = nodeID
	d.assignments[taskID] = a
}

// unbindLocked detaches an orphaned assignment from the registry and the
// node queue, returning the task for requeueing. Caller holds d.mu.
func (d *Dispatcher) unbindLocked(taskID string, a assignment) *models.Task {
	delete(d.assignments, taskID)
	task, ok := d.reg.Unbind(taskID)
	if !ok {
		return nil
	}
	d.tree.RemoveTasks(a.nodeID, []string{taskID})
	return task
}

// GlobalQueueSize returns the number of parked tasks.
func (d *Dispatcher) GlobalQueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.globalQueue)
}

// QueuedTasks returns a copy of the global queue for persistence.
func (d *Dispatcher) QueuedTasks() []*models.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*models.Task, len(d.globalQueue))
	copy(out, d.globalQueue)
	return out
}

// RestoreQueue reloads the global queue from a snapshot, replacing any
// current contents.
func (d *Dispatcher) RestoreQueue(tasks []*models.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.globalQueue = append([]*models.Task(nil), tasks...)
}

// Coordinated returns the number of tasks assigned since start.
func (d *Dispatcher) Coordinated() uint64 { return d.coordinated.Load() }
