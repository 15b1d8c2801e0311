package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-hive/hivecore/pkg/models"
)

func sampleDocument() *Document {
	return &Document{
		Version: Version,
		TakenAt: time.Now().UTC().Truncate(time.Second),
		Agents: []models.Agent{
			{ID: "a1", Type: "builder", Health: models.HealthHealthy, Capabilities: []string{"go"}},
			{ID: "a2", Type: "reviewer", Health: models.HealthDegraded},
		},
		QueuedTasks: []*models.Task{
			{ID: "t1", Type: "build", Priority: models.PriorityHigh},
		},
		Interventions: []models.Intervention{
			{ID: "iv1", SwarmID: "s1", Action: models.ActionPause, Status: models.InterventionPending},
		},
		Relaunches: map[string]int{"s1": 3},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	_, err = store.Load(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	doc := sampleDocument()
	require.NoError(t, store.Save(ctx, doc))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.Agents, loaded.Agents)
	assert.Equal(t, doc.Relaunches, loaded.Relaunches)
	require.Len(t, loaded.QueuedTasks, 1)
	assert.Equal(t, "t1", loaded.QueuedTasks[0].ID)
}

func TestFileStoreOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	first := sampleDocument()
	require.NoError(t, store.Save(ctx, first))

	second := sampleDocument()
	second.Agents = second.Agents[:1]
	require.NoError(t, store.Save(ctx, second))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Agents, 1, "save replaces the previous snapshot")

	// no temporary file left behind
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99}`), 0o644))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestFileStoreEmptyPath(t *testing.T) {
	_, err := NewFileStore("")
	require.Error(t, err)
}
