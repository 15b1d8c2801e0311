package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-hive/hivecore/pkg/models"
)

func newAgent(id string) *models.Agent {
	return &models.Agent{ID: id, Type: "worker"}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))

	err := r.Register(newAgent("a1"))
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterInvalidID(t *testing.T) {
	r := New()
	require.Error(t, r.Register(newAgent("")))

	long := make([]byte, models.MaxAgentIDLength+1)
	for i := range long {
		long[i] = 'x'
	}
	require.Error(t, r.Register(newAgent(string(long))))
}

func TestUnregisterRoundTrip(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))

	// unregister(register(a)) returns the registry to its prior state
	r.Unregister("a1")
	assert.Equal(t, 0, r.Count())
	_, ok := r.Get("a1")
	assert.False(t, ok)

	// idempotent
	assert.Nil(t, r.Unregister("a1"))
}

func TestUnregisterReturnsInFlight(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))

	t1 := &models.Task{ID: "t1"}
	require.NoError(t, r.Assign(t1, "a1"))

	tasks := r.Unregister("a1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)

	_, bound := r.OwnerOf("t1")
	assert.False(t, bound, "binding must be cleared on unregister")
}

func TestHeartbeatRestoresDegraded(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))
	require.True(t, r.MarkDegraded("a1"))

	a, _ := r.Get("a1")
	require.Equal(t, models.HealthDegraded, a.Health)

	require.True(t, r.Heartbeat("a1"))
	a, _ = r.Get("a1")
	assert.Equal(t, models.HealthHealthy, a.Health)
}

func TestHeartbeatUnknownDropped(t *testing.T) {
	r := New()
	assert.False(t, r.Heartbeat("ghost"))
}

func TestAssignRefusesUnhealthy(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))
	_, failed := r.MarkFailed("a1")
	require.True(t, failed)

	err := r.Assign(&models.Task{ID: "t1"}, "a1")
	require.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestReportCompletion(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))
	require.NoError(t, r.Assign(&models.Task{ID: "t1"}, "a1"))

	a, _ := r.Get("a1")
	require.Equal(t, 1, a.InFlight)

	require.NoError(t, r.ReportCompletion("a1", "t1", 100*time.Millisecond))
	a, _ = r.Get("a1")
	assert.Equal(t, 0, a.InFlight)
	assert.Equal(t, 50.0, a.AvgLatencyMS, "avg = (0 + 100) / 2")

	_, bound := r.OwnerOf("t1")
	assert.False(t, bound)

	// floor at zero on double report
	require.NoError(t, r.ReportCompletion("a1", "t1", 100*time.Millisecond))
	a, _ = r.Get("a1")
	assert.Equal(t, 0, a.InFlight)
}

func TestMarkFailedReturnsTasksOnce(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))
	require.NoError(t, r.Assign(&models.Task{ID: "t1"}, "a1"))
	require.NoError(t, r.Assign(&models.Task{ID: "t2"}, "a1"))

	tasks, ok := r.MarkFailed("a1")
	require.True(t, ok)
	assert.Len(t, tasks, 2)

	// second transition is a no-op: health is monotonic until recovery
	tasks, ok = r.MarkFailed("a1")
	assert.False(t, ok)
	assert.Nil(t, tasks)

	a, _ := r.Get("a1")
	assert.Equal(t, models.HealthFailed, a.Health)
	assert.Equal(t, 0, a.InFlight)
}

func TestRestore(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))
	r.MarkFailed("a1")

	require.True(t, r.Restore("a1"))
	a, _ := r.Get("a1")
	assert.Equal(t, models.HealthHealthy, a.Health)

	assert.False(t, r.Restore("ghost"))
}

func TestRebindPreservesTotalInFlight(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))
	require.NoError(t, r.Register(newAgent("a2")))

	task := &models.Task{ID: "t1"}
	require.NoError(t, r.Assign(task, "a1"))
	require.NoError(t, r.Rebind(task, "a2"))

	a1, _ := r.Get("a1")
	a2, _ := r.Get("a2")
	assert.Equal(t, 0, a1.InFlight)
	assert.Equal(t, 1, a2.InFlight)

	owner, ok := r.OwnerOf("t1")
	require.True(t, ok)
	assert.Equal(t, "a2", owner)
}

func TestUnbind(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))
	require.NoError(t, r.Assign(&models.Task{ID: "t1"}, "a1"))

	task, ok := r.Unbind("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", task.ID)

	a, _ := r.Get("a1")
	assert.Equal(t, 0, a.InFlight)
	assert.Zero(t, a.AvgLatencyMS, "unbind records no latency sample")

	_, ok = r.Unbind("t1")
	assert.False(t, ok)
}

func TestSnapshotIsCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Health = models.HealthFailed

	a, _ := r.Get("a1")
	assert.Equal(t, models.HealthHealthy, a.Health, "snapshot mutation must not leak")
}

func TestHealthyFiltering(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newAgent("a1")))
	require.NoError(t, r.Register(newAgent("a2")))
	require.NoError(t, r.Register(newAgent("a3")))
	r.MarkDegraded("a2")
	r.MarkFailed("a3")

	healthy := r.Healthy()
	require.Len(t, healthy, 1)
	assert.Equal(t, "a1", healthy[0].ID)
}
