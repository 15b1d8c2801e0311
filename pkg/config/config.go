// Package config loads and validates hivecore configuration.
//
// Configuration comes from a single hivecore.yaml file. Every section is
// optional: a missing file or section falls back to built-in defaults, so a
// bare `hivecore serve` works out of the box. Values support environment
// variable expansion with {{.VAR}} template syntax.
package config

import (
	"time"

	"github.com/agent-hive/hivecore/pkg/balance"
	"github.com/agent-hive/hivecore/pkg/consensus"
	"github.com/agent-hive/hivecore/pkg/dispatch"
	"github.com/agent-hive/hivecore/pkg/health"
	"github.com/agent-hive/hivecore/pkg/intervene"
	"github.com/agent-hive/hivecore/pkg/snapshot"
)

// Snapshot store kinds.
const (
	SnapshotStoreFile     = "file"
	SnapshotStorePostgres = "postgres"
)

// Config is the fully resolved configuration, ready for use. All defaults
// have been applied and all values validated.
type Config struct {
	configDir string

	Server       ServerConfig
	Coordination CoordinationConfig
	Consensus    consensus.Config
	Dispatch     DispatchConfig
	Bus          BusConfig
	Retention    RetentionConfig
	Snapshot     SnapshotConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host string
	Port int
	// AllowedWSOrigins lists additional WebSocket origin patterns accepted
	// on top of same-host origins.
	AllowedWSOrigins []string
}

// CoordinationConfig groups the hierarchy, balancing, and health settings
// that shape the coordination tree.
type CoordinationConfig struct {
	// MaxAgentsPerNode caps direct agents per coordination node.
	MaxAgentsPerNode int
	// HierarchyDepth bounds how many levels the tree may grow.
	HierarchyDepth int
	// Strategy selects the task-assignment strategy.
	Strategy balance.StrategyType

	WorkStealing balance.StealerConfig
	Rebalance    balance.RebalancerConfig
	Health       health.MonitorConfig
	Recovery     health.RecoveryConfig
}

// DispatchConfig groups task routing settings.
type DispatchConfig struct {
	Dispatch dispatch.Config
	Orphan   dispatch.OrphanConfig
}

// BusConfig holds event bus settings.
type BusConfig struct {
	// BufferSize is the per-subscriber event channel capacity.
	BufferSize int
	// RateLimit caps intervention messages per client per RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

// RetentionConfig holds data retention settings.
type RetentionConfig struct {
	Interventions intervene.Config
	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration
}

// SnapshotConfig selects and configures the coordination state store.
type SnapshotConfig struct {
	Enabled bool
	// Store is "file" or "postgres".
	Store string
	// Path is the snapshot file location (file store only).
	Path string
	// Interval between periodic snapshots. Zero disables periodic saves;
	// a snapshot is still taken on shutdown.
	Interval time.Duration

	Database snapshot.PostgresConfig
}
