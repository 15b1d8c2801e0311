// Package snapshot persists and restores coordination state: registered
// agents, the global task queue, interventions, and relaunch counters.
//
// Two stores are provided: a JSON file written atomically for
// single-process deployments, and a PostgreSQL table for deployments that
// already run a database.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/agent-hive/hivecore/pkg/models"
)

// Version is the snapshot document version. Bump on incompatible layout
// changes.
const Version = 1

// ErrNoSnapshot is returned by Load when no snapshot has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot available")

// Document is the serialized coordination state.
type Document struct {
	Version       int                   `json:"version"`
	TakenAt       time.Time             `json:"taken_at"`
	Agents        []models.Agent        `json:"agents"`
	QueuedTasks   []*models.Task        `json:"queued_tasks,omitempty"`
	Interventions []models.Intervention `json:"interventions,omitempty"`
	Relaunches    map[string]int        `json:"relaunches,omitempty"`
}

// Store persists snapshot documents.
type Store interface {
	// Save persists the document, replacing or superseding earlier ones.
	Save(ctx context.Context, doc *Document) error
	// Load returns the most recent document, or ErrNoSnapshot.
	Load(ctx context.Context) (*Document, error)
	// Close releases store resources.
	Close() error
}
