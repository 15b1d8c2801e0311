package core

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/config"
	"github.com/agent-hive/hivecore/pkg/consensus"
	"github.com/agent-hive/hivecore/pkg/dispatch"
	"github.com/agent-hive/hivecore/pkg/models"
	"github.com/agent-hive/hivecore/pkg/registry"
	"github.com/agent-hive/hivecore/pkg/snapshot"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Snapshot.Enabled = false
	return cfg
}

func newTestCore(t *testing.T, cfg *config.Config, opts Options) *Core {
	t.Helper()
	c, err := New(cfg, opts)
	require.NoError(t, err)
	return c
}

func registerAgent(t *testing.T, c *Core, id string) {
	t.Helper()
	_, err := c.RegisterAgent(&models.Agent{ID: id, Type: "worker"})
	require.NoError(t, err)
}

func task(id string) *models.Task {
	return &models.Task{ID: id, Type: "build", Priority: models.PriorityMedium}
}

// drainEvents collects everything currently buffered for a subscriber.
func drainEvents(sub *bus.Subscriber) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt := <-sub.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func eventsOfType(events []bus.Event, t bus.EventType) []bus.Event {
	var out []bus.Event
	for _, evt := range events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func TestDispatchLeastLoadedPicksIdlestAgent(t *testing.T) {
	c := newTestCore(t, testConfig(), Options{})
	sub, err := c.Bus.Subscribe("observer", 64)
	require.NoError(t, err)

	for _, id := range []string{"a1", "a2", "a3"} {
		registerAgent(t, c, id)
	}
	// preload a2 with 2 tasks and a3 with 1
	for i := 0; i < 2; i++ {
		_, err := c.Dispatch(context.Background(), &models.Task{
			ID: fmt.Sprintf("pre-a2-%d", i), Type: "build", TargetAgent: "a2",
		})
		require.NoError(t, err)
	}
	_, err = c.Dispatch(context.Background(), &models.Task{ID: "pre-a3-0", Type: "build", TargetAgent: "a3"})
	require.NoError(t, err)

	res, err := c.Dispatch(context.Background(), task("t1"))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusAssigned, res.Status)
	assert.Equal(t, "a1", res.AgentID)

	a1, _ := c.Registry.Get("a1")
	assert.Equal(t, 1, a1.InFlight)

	coordinated := eventsOfType(drainEvents(sub), bus.EventTaskCoordinated)
	require.NotEmpty(t, coordinated)
	last := coordinated[len(coordinated)-1]
	assert.Equal(t, "a1", last.AgentID)
	assert.Equal(t, "t1", last.Payload["task_id"])
}

func TestDispatchWithNoAgentsQueuesUntilRebalance(t *testing.T) {
	c := newTestCore(t, testConfig(), Options{})
	sub, err := c.Bus.Subscribe("observer", 64)
	require.NoError(t, err)

	res, err := c.Dispatch(context.Background(), task("t2"))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusQueued, res.Status)
	assert.Equal(t, 1, c.Dispatcher.GlobalQueueSize())
	require.Len(t, eventsOfType(drainEvents(sub), bus.EventTaskQueued), 1)

	registerAgent(t, c, "a1")
	c.Rebalancer.RebalancePass(context.Background())
	assert.Equal(t, 0, c.Dispatcher.GlobalQueueSize())

	a1, _ := c.Registry.Get("a1")
	assert.Equal(t, 1, a1.InFlight)
}

func TestAgentFailureRequeuesInFlightWork(t *testing.T) {
	cfg := testConfig()
	cfg.Coordination.Health.CheckInterval = 10 * time.Millisecond
	c := newTestCore(t, cfg, Options{})
	sub, err := c.Bus.Subscribe("observer", 64)
	require.NoError(t, err)

	registerAgent(t, c, "a1")
	res, err := c.Dispatch(context.Background(), task("t3"))
	require.NoError(t, err)
	require.Equal(t, "a1", res.AgentID)

	// no heartbeats: after >3 intervals the agent counts as failed
	time.Sleep(50 * time.Millisecond)
	c.Monitor.Scan()

	a1, _ := c.Registry.Get("a1")
	assert.Equal(t, models.HealthFailed, a1.Health)
	assert.Equal(t, 1, c.Dispatcher.GlobalQueueSize())
	assert.Equal(t, 1, c.Recovery.Pending())

	queued := c.Dispatcher.QueuedTasks()
	require.Len(t, queued, 1)
	assert.Equal(t, "t3", queued[0].ID)
	assert.Equal(t, 1, queued[0].Retries)

	require.NotEmpty(t, eventsOfType(drainEvents(sub), bus.EventAgentFailed))
}

func TestQuorumProposalFiveVotersSplit(t *testing.T) {
	votes := map[string]models.VoteDecision{
		"a1": models.VoteApprove, "a2": models.VoteApprove, "a3": models.VoteApprove,
		"a4": models.VoteReject, "a5": models.VoteReject,
	}
	c := newTestCore(t, testConfig(), Options{
		Vote: func(_ context.Context, agentID string, _ models.Proposal) (models.VoteDecision, error) {
			return votes[agentID], nil
		},
	})
	for id := range votes {
		registerAgent(t, c, id)
	}

	res, err := c.Propose(context.Background(), models.Proposal{
		Kind:       models.ProposalConfigChange,
		ProposerID: "operator",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, res.Decision)
	assert.Len(t, res.Votes, 5)
	assert.Equal(t, 1.0, res.ParticipationRate)
}

func TestPBFTWithThreeVotersFailsCapacityCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Consensus.Protocol = consensus.ProtocolPBFT
	cfg.Consensus.Fallback = ""
	cfg.Consensus.PBFTFaultTolerance = 1

	c := newTestCore(t, cfg, Options{})
	for _, id := range []string{"a1", "a2", "a3"} {
		registerAgent(t, c, id)
	}

	_, err := c.Propose(context.Background(), models.Proposal{
		Kind:       models.ProposalConfigChange,
		ProposerID: "operator",
	})
	require.ErrorIs(t, err, consensus.ErrInsufficientCapacity)
}

func TestRegisterAndUnregisterAgent(t *testing.T) {
	c := newTestCore(t, testConfig(), Options{})

	nodeID, err := c.RegisterAgent(&models.Agent{ID: "a1", Type: "worker"})
	require.NoError(t, err)
	assert.NotEmpty(t, nodeID)

	got, ok := c.Tree.NodeOf("a1")
	require.True(t, ok)
	assert.Equal(t, nodeID, got)

	// duplicate registration is rejected
	_, err = c.RegisterAgent(&models.Agent{ID: "a1", Type: "worker"})
	require.ErrorIs(t, err, registry.ErrAlreadyExists)

	// in-flight work returns to the global queue on unregister
	_, err = c.Dispatch(context.Background(), task("t1"))
	require.NoError(t, err)
	require.NoError(t, c.UnregisterAgent("a1"))
	assert.Equal(t, 1, c.Dispatcher.GlobalQueueSize())

	_, ok = c.Tree.NodeOf("a1")
	assert.False(t, ok)
	require.ErrorIs(t, c.UnregisterAgent("a1"), registry.ErrNotFound)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	c := newTestCore(t, testConfig(), Options{})
	require.ErrorIs(t, c.Heartbeat("ghost"), registry.ErrNotFound)

	registerAgent(t, c, "a1")
	require.NoError(t, c.Heartbeat("a1"))
}

func TestMetricsGauges(t *testing.T) {
	c := newTestCore(t, testConfig(), Options{})
	registerAgent(t, c, "a1")
	registerAgent(t, c, "a2")
	c.Registry.MarkDegraded("a2")

	_, err := c.Dispatch(context.Background(), task("t1"))
	require.NoError(t, err)

	snap := c.Metrics()
	assert.Equal(t, 2, snap.TotalAgentsManaged)
	assert.Equal(t, 1, snap.HealthyAgents)
	assert.Equal(t, 1, snap.DegradedAgents)
	assert.EqualValues(t, 1, snap.TasksCoordinated)
	assert.GreaterOrEqual(t, snap.ActiveCoordinationNodes, 1)
}

func TestSnapshotSaveAndRestore(t *testing.T) {
	store, err := snapshot.NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)

	c := newTestCore(t, testConfig(), Options{Store: store})
	registerAgent(t, c, "a1")
	registerAgent(t, c, "a2")

	// one queued task and one relaunch on record
	c.Dispatcher.RestoreQueue([]*models.Task{task("tq")})

	_, err = c.Interventions.Send(&models.Intervention{
		SwarmID: "s1",
		Action:  models.ActionRelaunchSwarm,
		Message: "restart with fewer builders",
	})
	require.NoError(t, err)

	require.NoError(t, c.SaveSnapshot(context.Background()))

	restored := newTestCore(t, testConfig(), Options{Store: store})
	require.NoError(t, restored.RestoreSnapshot(context.Background()))

	a1, ok := restored.Registry.Get("a1")
	require.True(t, ok)
	assert.Equal(t, models.HealthDegraded, a1.Health, "restored agents wait for a fresh heartbeat")
	assert.Equal(t, 0, a1.InFlight)

	_, placed := restored.Tree.NodeOf("a1")
	assert.True(t, placed)
	assert.Equal(t, 1, restored.Dispatcher.GlobalQueueSize())
	assert.Equal(t, 1, restored.Interventions.RelaunchCount("s1"))
}

func TestRestoreWithoutSnapshotStartsFresh(t *testing.T) {
	store, err := snapshot.NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)

	c := newTestCore(t, testConfig(), Options{Store: store})
	require.NoError(t, c.RestoreSnapshot(context.Background()))
	assert.Equal(t, 0, c.Registry.Count())
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Consensus.Protocol = consensus.ProtocolRaft
	c := newTestCore(t, cfg, Options{})

	c.Start(context.Background())
	c.Start(context.Background()) // idempotent
	c.Stop()
	c.Stop() // idempotent
}
