package config

import (
	"time"

	"github.com/agent-hive/hivecore/pkg/balance"
	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/consensus"
	"github.com/agent-hive/hivecore/pkg/dispatch"
	"github.com/agent-hive/hivecore/pkg/health"
	"github.com/agent-hive/hivecore/pkg/intervene"
)

// Built-in defaults applied when hivecore.yaml omits a value.
const (
	DefaultServerHost = "0.0.0.0"
	DefaultServerPort = 8080

	DefaultMaxAgentsPerNode = 5
	DefaultHierarchyDepth   = 3

	DefaultCleanupInterval = time.Hour

	DefaultSnapshotPath     = "data/snapshot.json"
	DefaultSnapshotInterval = 30 * time.Second
)

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultServerHost,
			Port: DefaultServerPort,
		},
		Coordination: CoordinationConfig{
			MaxAgentsPerNode: DefaultMaxAgentsPerNode,
			HierarchyDepth:   DefaultHierarchyDepth,
			Strategy:         balance.StrategyLeastLoaded,
			WorkStealing: balance.StealerConfig{
				Enabled:         true,
				Interval:        balance.DefaultStealInterval,
				ThresholdRatio:  balance.DefaultThresholdRatio,
				MinTasksToSteal: balance.DefaultMinTasksToSteal,
				MaxTasksToSteal: balance.DefaultMaxTasksToSteal,
			},
			Rebalance: balance.RebalancerConfig{
				Interval:       balance.DefaultRebalanceInterval,
				DeviationRatio: balance.DefaultDeviationRatio,
			},
			Health: health.MonitorConfig{
				CheckInterval: health.DefaultCheckInterval,
			},
			Recovery: health.RecoveryConfig{
				Timeout:       health.DefaultRecoveryTimeout,
				DrainInterval: health.DefaultDrainInterval,
			},
		},
		Consensus: consensus.Config{
			Protocol:           consensus.ProtocolQuorum,
			Fallback:           consensus.ProtocolQuorum,
			Timeout:            consensus.DefaultTimeout,
			PBFTFaultTolerance: 1,
		},
		Dispatch: DispatchConfig{
			Dispatch: dispatch.Config{
				MaxRetries: dispatch.DefaultMaxRetries,
			},
			Orphan: dispatch.OrphanConfig{
				ScanInterval: dispatch.DefaultOrphanScanInterval,
				Deadline:     dispatch.DefaultOrphanDeadline,
			},
		},
		Bus: BusConfig{
			BufferSize: bus.DefaultBufferSize,
			RateLimit:  bus.DefaultRateLimit,
			RateWindow: bus.DefaultRateWindow,
		},
		Retention: RetentionConfig{
			Interventions: intervene.Config{
				RelaunchCeiling: intervene.DefaultRelaunchCeiling,
				MaxAge:          intervene.DefaultMaxAge,
			},
			CleanupInterval: DefaultCleanupInterval,
		},
		Snapshot: SnapshotConfig{
			Enabled:  true,
			Store:    SnapshotStoreFile,
			Path:     DefaultSnapshotPath,
			Interval: DefaultSnapshotInterval,
		},
	}
}
