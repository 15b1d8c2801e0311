// Package registry implements the agent catalog: registration, heartbeats,
// health transitions, load counters, and the task→agent binding map.
//
// All mutations take the registry mutex, which is the linearization point
// for dispatch versus health transitions: a task assignment either observes
// an agent failure and is refused, or commits first and the failure path
// re-queues the bound tasks.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agent-hive/hivecore/pkg/models"
)

// Registry errors.
var (
	// ErrAlreadyExists is returned when registering a duplicate agent id.
	ErrAlreadyExists = errors.New("agent already registered")
	// ErrNotFound is returned for operations on unknown agent ids.
	ErrNotFound = errors.New("agent not found")
	// ErrAgentUnavailable is returned when assigning to a non-healthy agent.
	ErrAgentUnavailable = errors.New("agent is not healthy")
)

// Registry is the authoritative catalog of registered agents.
type Registry struct {
	mu sync.RWMutex

	agents map[string]*models.Agent

	// taskOwner maps task id → agent id for every assigned task.
	taskOwner map[string]string

	// inflight maps agent id → set of its assigned tasks. Task pointers are
	// shared with the owning node queue; the set exists so agent failure can
	// return the tasks for re-queueing.
	inflight map[string]map[string]*models.Task

	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents:    make(map[string]*models.Agent),
		taskOwner: make(map[string]string),
		inflight:  make(map[string]map[string]*models.Task),
		now:       time.Now,
	}
}

// Register inserts a new agent. The agent starts healthy with a fresh
// heartbeat. Returns ErrAlreadyExists for duplicate ids.
func (r *Registry) Register(a *models.Agent) error {
	if a.ID == "" || len(a.ID) > models.MaxAgentIDLength {
		return fmt.Errorf("invalid agent id %q", a.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, a.ID)
	}

	now := r.now()
	a.Health = models.HealthHealthy
	a.LastHeartbeat = now
	a.LastUpdated = now
	r.agents[a.ID] = a
	r.inflight[a.ID] = make(map[string]*models.Task)
	return nil
}

// Unregister removes an agent and returns its in-flight tasks so the caller
// can cancel or re-queue them. Idempotent: unknown ids return nil.
func (r *Registry) Unregister(id string) []*models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) []*models.Task {
	if _, ok := r.agents[id]; !ok {
		return nil
	}
	tasks := make([]*models.Task, 0, len(r.inflight[id]))
	for taskID, task := range r.inflight[id] {
		tasks = append(tasks, task)
		delete(r.taskOwner, taskID)
	}
	delete(r.inflight, id)
	delete(r.agents, id)
	return tasks
}

// Heartbeat records a fresh heartbeat. A degraded agent is restored to
// healthy. Heartbeats for unknown ids are silently dropped: the agent may
// have been unregistered concurrently. Returns false for unknown ids.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.LastHeartbeat = r.now()
	if a.Health == models.HealthDegraded {
		a.Health = models.HealthHealthy
	}
	return true
}

// Assign binds a task to a healthy agent and increments its in-flight
// counter. The health check and the binding happen under one lock section,
// so a concurrent failure transition cannot interleave.
func (r *Registry) Assign(task *models.Task, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if a.Health != models.HealthHealthy {
		return fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, agentID, a.Health)
	}

	a.InFlight++
	a.LastUpdated = r.now()
	r.taskOwner[task.ID] = agentID
	r.inflight[agentID][task.ID] = task
	return nil
}

// Rebind moves an assigned task from its current agent to another healthy
// agent, preserving Σ in-flight. Used by the work stealer.
func (r *Registry) Rebind(task *models.Task, toAgentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	to, ok := r.agents[toAgentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, toAgentID)
	}
	if to.Health != models.HealthHealthy {
		return fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, toAgentID, to.Health)
	}

	if fromID, ok := r.taskOwner[task.ID]; ok {
		if from, ok := r.agents[fromID]; ok && from.InFlight > 0 {
			from.InFlight--
			from.LastUpdated = r.now()
		}
		delete(r.inflight[fromID], task.ID)
	}

	to.InFlight++
	to.LastUpdated = r.now()
	r.taskOwner[task.ID] = toAgentID
	r.inflight[toAgentID][task.ID] = task
	return nil
}

// ReportCompletion records a finished task: decrements the agent's in-flight
// counter (floored at zero), folds the execution time into the latency
// average, and clears the task binding.
func (r *Registry) ReportCompletion(agentID, taskID string, executionTime time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}

	if a.InFlight > 0 {
		a.InFlight--
	}
	a.AvgLatencyMS = (a.AvgLatencyMS + float64(executionTime.Milliseconds())) / 2
	a.LastUpdated = r.now()

	delete(r.inflight[agentID], taskID)
	delete(r.taskOwner, taskID)
	return nil
}

// Unbind clears a task's binding without marking it complete: the owner's
// in-flight counter drops but no latency sample is recorded. Returns the
// task so the caller can requeue it. Used for orphan recovery.
func (r *Registry) Unbind(taskID string) (*models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.taskOwner[taskID]
	if !ok {
		return nil, false
	}
	task := r.inflight[agentID][taskID]
	delete(r.inflight[agentID], taskID)
	delete(r.taskOwner, taskID)

	if a, ok := r.agents[agentID]; ok && a.InFlight > 0 {
		a.InFlight--
		a.LastUpdated = r.now()
	}
	return task, task != nil
}

// OwnerOf returns the agent currently bound to a task.
func (r *Registry) OwnerOf(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.taskOwner[taskID]
	return id, ok
}

// MarkDegraded transitions a healthy agent to degraded. Returns true when a
// transition happened.
func (r *Registry) MarkDegraded(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Health != models.HealthHealthy {
		return false
	}
	a.Health = models.HealthDegraded
	return true
}

// MarkFailed transitions an agent to failed and returns its in-flight tasks
// for re-queueing. The bindings are cleared atomically with the transition.
// Returns (nil, false) when the agent is unknown or already failed.
func (r *Registry) MarkFailed(id string) ([]*models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Health == models.HealthFailed {
		return nil, false
	}
	a.Health = models.HealthFailed

	tasks := make([]*models.Task, 0, len(r.inflight[id]))
	for taskID, task := range r.inflight[id] {
		tasks = append(tasks, task)
		delete(r.taskOwner, taskID)
	}
	r.inflight[id] = make(map[string]*models.Task)
	a.InFlight = 0
	a.LastUpdated = r.now()
	return tasks, true
}

// Restore returns a failed agent to healthy with a fresh heartbeat. Used by
// the recovery loop after the external lifecycle manager succeeds.
func (r *Registry) Restore(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.Health = models.HealthHealthy
	a.LastHeartbeat = r.now()
	a.LastUpdated = a.LastHeartbeat
	return true
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return models.Agent{}, false
	}
	return a.Clone(), true
}

// Snapshot returns a consistent copy of all registered agents.
func (r *Registry) Snapshot() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out
}

// Healthy returns copies of all healthy agents.
func (r *Registry) Healthy() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Health == models.HealthHealthy {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
