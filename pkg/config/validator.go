package config

import (
	"fmt"

	"github.com/agent-hive/hivecore/pkg/balance"
	"github.com/agent-hive/hivecore/pkg/consensus"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateCoordination(); err != nil {
		return fmt.Errorf("coordination validation failed: %w", err)
	}

	if err := v.validateConsensus(); err != nil {
		return fmt.Errorf("consensus validation failed: %w", err)
	}

	if err := v.validateBus(); err != nil {
		return fmt.Errorf("bus validation failed: %w", err)
	}

	if err := v.validateSnapshot(); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d", ErrInvalidValue, s.Port))
	}
	return nil
}

func (v *ConfigValidator) validateCoordination() error {
	c := v.cfg.Coordination

	if c.MaxAgentsPerNode < 1 {
		return NewValidationError("coordination", "max_agents_per_node", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if c.HierarchyDepth < 1 {
		return NewValidationError("coordination", "hierarchy_depth", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}

	if _, err := balance.NewStrategy(c.Strategy); err != nil {
		return NewValidationError("coordination", "load_balancing.type", err)
	}

	ws := c.WorkStealing
	if ws.MinTasksToSteal > ws.MaxTasksToSteal {
		return NewValidationError("coordination", "work_stealing",
			fmt.Errorf("%w: min_tasks_to_steal (%d) exceeds max_tasks_to_steal (%d)",
				ErrInvalidValue, ws.MinTasksToSteal, ws.MaxTasksToSteal))
	}
	if ws.ThresholdRatio <= 0 {
		return NewValidationError("coordination", "work_stealing.threshold_ratio", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if c.Rebalance.DeviationRatio <= 0 {
		return NewValidationError("coordination", "load_balancing.deviation_ratio", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateConsensus() error {
	c := v.cfg.Consensus

	if !validProtocol(c.Protocol) {
		return NewValidationError("consensus", "protocol", fmt.Errorf("%w: %s", ErrInvalidValue, c.Protocol))
	}
	if c.Fallback != "" && !validProtocol(c.Fallback) {
		return NewValidationError("consensus", "fallback", fmt.Errorf("%w: %s", ErrInvalidValue, c.Fallback))
	}
	if c.PBFTFaultTolerance < 1 {
		return NewValidationError("consensus", "fault_tolerance", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func validProtocol(p consensus.ProtocolType) bool {
	switch p {
	case consensus.ProtocolQuorum, consensus.ProtocolRaft, consensus.ProtocolPBFT, consensus.ProtocolFastPaxos:
		return true
	}
	return false
}

func (v *ConfigValidator) validateBus() error {
	b := v.cfg.Bus
	if b.BufferSize < 1 {
		return NewValidationError("bus", "buffer_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if b.RateLimit < 1 {
		return NewValidationError("bus", "rate_limit", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateSnapshot() error {
	s := v.cfg.Snapshot
	if !s.Enabled {
		return nil
	}

	switch s.Store {
	case SnapshotStoreFile:
		if s.Path == "" {
			return NewValidationError("snapshot", "path", ErrMissingRequiredField)
		}
	case SnapshotStorePostgres:
		db := s.Database
		if db.Host == "" {
			return NewValidationError("snapshot", "database.host", ErrMissingRequiredField)
		}
		if db.User == "" {
			return NewValidationError("snapshot", "database.user", ErrMissingRequiredField)
		}
		if db.Database == "" {
			return NewValidationError("snapshot", "database.database", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("snapshot", "store", fmt.Errorf("%w: %s", ErrInvalidValue, s.Store))
	}
	return nil
}
