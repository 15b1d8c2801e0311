// Package intervene handles human-issued directives: submission with the
// relaunch ceiling, agent acknowledge/apply hooks, and retention cleanup.
package intervene

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/models"
)

// Intervention defaults.
const (
	DefaultRelaunchCeiling = 10
	DefaultMaxAge          = 7 * 24 * time.Hour
)

// Channel errors.
var (
	ErrInvalidIntervention = errors.New("invalid intervention")
	ErrNotFound            = errors.New("intervention not found")
	ErrStatusRegression    = errors.New("intervention status cannot regress")
)

// Config controls the channel.
type Config struct {
	// RelaunchCeiling caps relaunch-swarm attempts per swarm.
	RelaunchCeiling int
	// MaxAge is the retention window enforced by Cleanup.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.RelaunchCeiling <= 0 {
		c.RelaunchCeiling = DefaultRelaunchCeiling
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Channel stores interventions and drives their state machine.
type Channel struct {
	cfg    Config
	events *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	interventions map[string]*models.Intervention
	bySwarm       map[string][]string
	relaunches    map[string]int
}

// New creates an empty channel.
func New(cfg Config, events *bus.Bus, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:           cfg.withDefaults(),
		events:        events,
		logger:        logger.With("component", "intervention-channel"),
		now:           time.Now,
		interventions: make(map[string]*models.Intervention),
		bySwarm:       make(map[string][]string),
		relaunches:    make(map[string]int),
	}
}

// Send submits an intervention. Relaunch requests past the ceiling are
// stored as rejected with the refusal reason; everything else is queued
// pending and announced in the swarm's room. Returns the stored copy.
func (c *Channel) Send(i *models.Intervention) (models.Intervention, error) {
	if i == nil || i.SwarmID == "" {
		return models.Intervention{}, fmt.Errorf("%w: missing swarm id", ErrInvalidIntervention)
	}
	if !models.ValidInterventionAction(i.Action) {
		return models.Intervention{}, fmt.Errorf("%w: unknown action %q", ErrInvalidIntervention, i.Action)
	}
	if len(i.Message) > models.MaxInterventionMessageLength {
		return models.Intervention{}, fmt.Errorf("%w: message exceeds %d characters",
			ErrInvalidIntervention, models.MaxInterventionMessageLength)
	}

	stored := i.Clone()
	stored.ID = uuid.NewString()
	stored.Status = models.InterventionPending
	stored.CreatedAt = c.now()
	stored.UpdatedAt = stored.CreatedAt
	stored.AckedBy = make(map[string]bool)

	c.mu.Lock()
	if stored.Action == models.ActionRelaunchSwarm {
		if c.relaunches[stored.SwarmID] >= c.cfg.RelaunchCeiling {
			stored.Status = models.InterventionRejected
			stored.Reason = fmt.Sprintf("Cannot relaunch swarm: maximum %d attempts reached", c.cfg.RelaunchCeiling)
			c.interventions[stored.ID] = &stored
			c.bySwarm[stored.SwarmID] = append(c.bySwarm[stored.SwarmID], stored.ID)
			c.mu.Unlock()

			c.logger.Warn("relaunch refused", "swarm_id", stored.SwarmID, "reason", stored.Reason)
			return stored.Clone(), nil
		}
		c.relaunches[stored.SwarmID]++
		c.attachRelaunchPlanLocked(&stored)
	}
	c.interventions[stored.ID] = &stored
	c.bySwarm[stored.SwarmID] = append(c.bySwarm[stored.SwarmID], stored.ID)
	c.mu.Unlock()

	if c.events != nil {
		if stored.Action == models.ActionRelaunchSwarm {
			c.events.PublishSwarm(stored.SwarmID, bus.NewEvent(bus.EventSwarmEvent, stored.SwarmID, "", map[string]any{
				"event":           "swarm-relaunch-requested",
				"intervention_id": stored.ID,
				"attempt":         stored.Metadata.RelaunchCount,
			}))
		} else {
			c.events.PublishSwarm(stored.SwarmID, bus.NewEvent(bus.EventHumanIntervention, stored.SwarmID, stored.AgentID, map[string]any{
				"intervention_id": stored.ID,
				"action":          string(stored.Action),
			}))
		}
	}

	c.logger.Info("intervention submitted",
		"intervention_id", stored.ID, "swarm_id", stored.SwarmID, "action", stored.Action)
	return stored.Clone(), nil
}

// attachRelaunchPlanLocked builds the modification plan for a relaunch: the
// agent-type composition requested by previous relaunches plus learnings
// harvested from the swarm's earlier interventions.
func (c *Channel) attachRelaunchPlanLocked(i *models.Intervention) {
	plan := &models.RelaunchPlan{}
	for _, id := range c.bySwarm[i.SwarmID] {
		prior := c.interventions[id]
		if prior.Action == models.ActionRelaunchSwarm && prior.Metadata != nil && prior.Metadata.ModificationPlan != nil {
			plan.AgentTypes = prior.Metadata.ModificationPlan.AgentTypes
		}
		if prior.Message != "" && prior.Status == models.InterventionApplied {
			plan.Learnings = append(plan.Learnings, prior.Message)
		}
	}

	if i.Metadata == nil {
		i.Metadata = &models.InterventionMetadata{}
	}
	if i.Metadata.ModificationPlan != nil && len(i.Metadata.ModificationPlan.AgentTypes) > 0 {
		plan.AgentTypes = i.Metadata.ModificationPlan.AgentTypes
	}
	i.Metadata.ModificationPlan = plan
	i.Metadata.RelaunchCount = c.relaunches[i.SwarmID]
}

// Acknowledge moves a pending intervention to acknowledged. Repeat calls by
// the same agent are idempotent.
func (c *Channel) Acknowledge(interventionID, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.interventions[interventionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, interventionID)
	}
	if i.AckedBy[agentID] {
		return nil
	}
	if !i.Status.CanTransitionTo(models.InterventionAcknowledged) {
		// already applied; the ack is late but harmless
		i.AckedBy[agentID] = true
		return nil
	}

	i.AckedBy[agentID] = true
	i.Status = models.InterventionAcknowledged
	i.UpdatedAt = c.now()
	return nil
}

// Apply moves an intervention to applied, recording the agent's response.
// Applying twice appends responses without regressing the status.
func (c *Channel) Apply(interventionID, agentID, detail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.interventions[interventionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, interventionID)
	}
	if !i.Status.CanTransitionTo(models.InterventionApplied) {
		return fmt.Errorf("%w: %s is %s", ErrStatusRegression, interventionID, i.Status)
	}

	i.Status = models.InterventionApplied
	i.UpdatedAt = c.now()
	i.Responses = append(i.Responses, models.InterventionResponse{
		AgentID:   agentID,
		Detail:    detail,
		Timestamp: i.UpdatedAt,
	})
	return nil
}

// Get returns a copy of the intervention.
func (c *Channel) Get(id string) (models.Intervention, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.interventions[id]
	if !ok {
		return models.Intervention{}, false
	}
	return i.Clone(), true
}

// Pending returns the swarm's interventions that have not been applied or
// rejected, in submission order.
func (c *Channel) Pending(swarmID string) []models.Intervention {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Intervention
	for _, id := range c.bySwarm[swarmID] {
		i := c.interventions[id]
		if i.Status == models.InterventionPending || i.Status == models.InterventionAcknowledged {
			out = append(out, i.Clone())
		}
	}
	return out
}

// RelaunchCount returns how many relaunches a swarm has consumed.
func (c *Channel) RelaunchCount(swarmID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relaunches[swarmID]
}

// Cleanup removes interventions older than the retention window. Returns
// the number removed.
func (c *Channel) Cleanup() int {
	cutoff := c.now().Add(-c.cfg.MaxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for swarmID, ids := range c.bySwarm {
		kept := ids[:0]
		for _, id := range ids {
			i := c.interventions[id]
			if i.CreatedAt.Before(cutoff) {
				delete(c.interventions, id)
				removed++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(c.bySwarm, swarmID)
		} else {
			c.bySwarm[swarmID] = kept
		}
	}
	if removed > 0 {
		c.logger.Info("interventions swept", "removed", removed, "max_age", c.cfg.MaxAge)
	}
	return removed
}

// Snapshot returns every stored intervention plus the relaunch counters,
// for persistence.
func (c *Channel) Snapshot() ([]models.Intervention, map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Intervention, 0, len(c.interventions))
	for _, i := range c.interventions {
		out = append(out, i.Clone())
	}
	counters := make(map[string]int, len(c.relaunches))
	for k, v := range c.relaunches {
		counters[k] = v
	}
	return out, counters
}

// Restore reloads channel state from a snapshot, replacing current contents.
func (c *Channel) Restore(interventions []models.Intervention, relaunches map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.interventions = make(map[string]*models.Intervention, len(interventions))
	c.bySwarm = make(map[string][]string)
	for _, i := range interventions {
		stored := i.Clone()
		c.interventions[stored.ID] = &stored
		c.bySwarm[stored.SwarmID] = append(c.bySwarm[stored.SwarmID], stored.ID)
	}
	c.relaunches = make(map[string]int, len(relaunches))
	for k, v := range relaunches {
		c.relaunches[k] = v
	}
}
