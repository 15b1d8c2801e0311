package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/agent-hive/hivecore/pkg/balance"
	"github.com/agent-hive/hivecore/pkg/consensus"
)

// Configuration file names. The local file is optional and overrides the
// main file, which keeps environment-specific tweaks out of version control.
const (
	ConfigFileName      = "hivecore.yaml"
	LocalConfigFileName = "hivecore.local.yaml"
)

// HivecoreYAMLConfig represents the complete hivecore.yaml file structure
type HivecoreYAMLConfig struct {
	Server       *ServerYAMLConfig       `yaml:"server"`
	Coordination *CoordinationYAMLConfig `yaml:"coordination"`
	Consensus    *ConsensusYAMLConfig    `yaml:"consensus"`
	Dispatch     *DispatchYAMLConfig     `yaml:"dispatch"`
	Bus          *BusYAMLConfig          `yaml:"bus"`
	Retention    *RetentionYAMLConfig    `yaml:"retention"`
	Snapshot     *SnapshotYAMLConfig     `yaml:"snapshot"`
}

// ServerYAMLConfig holds listener settings from YAML.
type ServerYAMLConfig struct {
	Host             string   `yaml:"host,omitempty"`
	Port             int      `yaml:"port,omitempty"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}

// CoordinationYAMLConfig holds hierarchy and balancing settings from YAML.
type CoordinationYAMLConfig struct {
	MaxAgentsPerNode       int           `yaml:"max_agents_per_node,omitempty"`
	HierarchyDepth         int           `yaml:"hierarchy_depth,omitempty"`
	HealthCheckInterval    time.Duration `yaml:"health_check_interval,omitempty"`
	RecoveryTimeout        time.Duration `yaml:"recovery_timeout,omitempty"`
	RecoveryBackoffCeiling time.Duration `yaml:"recovery_backoff_ceiling,omitempty"`

	LoadBalancing *LoadBalancingYAMLConfig `yaml:"load_balancing,omitempty"`
	WorkStealing  *WorkStealingYAMLConfig  `yaml:"work_stealing,omitempty"`
}

// LoadBalancingYAMLConfig holds strategy settings from YAML.
type LoadBalancingYAMLConfig struct {
	Type              string        `yaml:"type,omitempty"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval,omitempty"`
	DeviationRatio    float64       `yaml:"deviation_ratio,omitempty"`
}

// WorkStealingYAMLConfig holds work-stealing settings from YAML.
type WorkStealingYAMLConfig struct {
	Enabled         *bool         `yaml:"enabled,omitempty"`
	Interval        time.Duration `yaml:"interval,omitempty"`
	ThresholdRatio  float64       `yaml:"threshold_ratio,omitempty"`
	MinTasksToSteal int           `yaml:"min_tasks_to_steal,omitempty"`
	MaxTasksToSteal int           `yaml:"max_tasks_to_steal,omitempty"`
}

// ConsensusYAMLConfig holds consensus settings from YAML.
type ConsensusYAMLConfig struct {
	Protocol       string        `yaml:"protocol,omitempty"`
	Fallback       string        `yaml:"fallback,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	FaultTolerance int           `yaml:"fault_tolerance,omitempty"`
}

// DispatchYAMLConfig holds task routing settings from YAML.
type DispatchYAMLConfig struct {
	ConsensusTaskTypes []string      `yaml:"consensus_task_types,omitempty"`
	MaxRetries         int           `yaml:"max_retries,omitempty"`
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval,omitempty"`
	OrphanDeadline     time.Duration `yaml:"orphan_deadline,omitempty"`
}

// BusYAMLConfig holds event bus settings from YAML.
type BusYAMLConfig struct {
	BufferSize int           `yaml:"buffer_size,omitempty"`
	RateLimit  int           `yaml:"rate_limit,omitempty"`
	RateWindow time.Duration `yaml:"rate_window,omitempty"`
}

// RetentionYAMLConfig holds data retention settings from YAML.
type RetentionYAMLConfig struct {
	InterventionMaxAge time.Duration `yaml:"intervention_max_age,omitempty"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval,omitempty"`
	RelaunchCeiling    int           `yaml:"relaunch_ceiling,omitempty"`
}

// SnapshotYAMLConfig holds snapshot persistence settings from YAML.
type SnapshotYAMLConfig struct {
	Enabled  *bool         `yaml:"enabled,omitempty"`
	Store    string        `yaml:"store,omitempty"`
	Path     string        `yaml:"path,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`

	Database *DatabaseYAMLConfig `yaml:"database,omitempty"`
}

// DatabaseYAMLConfig holds PostgreSQL connection settings from YAML.
type DatabaseYAMLConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load hivecore.yaml from configDir (missing file means defaults)
//  2. Expand environment variables
//  3. Merge hivecore.local.yaml overrides, if present
//  4. Apply default values for everything left unset
//  5. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"strategy", cfg.Coordination.Strategy,
		"consensus_protocol", cfg.Consensus.Protocol,
		"snapshot_store", cfg.Snapshot.Store,
		"listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	yamlCfg, err := loader.loadHivecoreYAML()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		configDir:    configDir,
		Server:       resolveServerConfig(yamlCfg.Server),
		Coordination: resolveCoordinationConfig(yamlCfg.Coordination),
		Consensus:    resolveConsensusConfig(yamlCfg.Consensus),
		Dispatch:     resolveDispatchConfig(yamlCfg.Dispatch),
		Bus:          resolveBusConfig(yamlCfg.Bus),
		Retention:    resolveRetentionConfig(yamlCfg.Retention),
		Snapshot:     resolveSnapshotConfig(yamlCfg.Snapshot),
	}
	return cfg, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

// loadHivecoreYAML reads hivecore.yaml and layers hivecore.local.yaml on
// top. Both files are optional; with neither present the result is empty
// and every section resolves to its default.
func (l *configLoader) loadHivecoreYAML() (*HivecoreYAMLConfig, error) {
	var config HivecoreYAMLConfig

	if err := l.loadYAML(ConfigFileName, &config); err != nil {
		if !os.IsNotExist(err) {
			return nil, NewLoadError(ConfigFileName, err)
		}
		slog.Info("No configuration file found, using defaults", "file", ConfigFileName)
	}

	var local HivecoreYAMLConfig
	if err := l.loadYAML(LocalConfigFileName, &local); err != nil {
		if !os.IsNotExist(err) {
			return nil, NewLoadError(LocalConfigFileName, err)
		}
		return &config, nil
	}

	// Local values override the main file; unset local values keep the
	// main file's values.
	if err := mergo.Merge(&config, local, mergo.WithOverride); err != nil {
		return nil, NewLoadError(LocalConfigFileName, fmt.Errorf("failed to merge: %w", err))
	}
	return &config, nil
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

// resolveServerConfig resolves listener settings from YAML, applying defaults.
func resolveServerConfig(y *ServerYAMLConfig) ServerConfig {
	cfg := Default().Server

	if y == nil {
		return cfg
	}
	if y.Host != "" {
		cfg.Host = y.Host
	}
	if y.Port != 0 {
		cfg.Port = y.Port
	}
	if len(y.AllowedWSOrigins) > 0 {
		cfg.AllowedWSOrigins = y.AllowedWSOrigins
	}
	return cfg
}

// resolveCoordinationConfig resolves hierarchy, balancing, and health
// settings from YAML, applying defaults.
func resolveCoordinationConfig(y *CoordinationYAMLConfig) CoordinationConfig {
	cfg := Default().Coordination

	if y == nil {
		return cfg
	}
	if y.MaxAgentsPerNode > 0 {
		cfg.MaxAgentsPerNode = y.MaxAgentsPerNode
	}
	if y.HierarchyDepth > 0 {
		cfg.HierarchyDepth = y.HierarchyDepth
	}
	if y.HealthCheckInterval > 0 {
		cfg.Health.CheckInterval = y.HealthCheckInterval
	}
	if y.RecoveryTimeout > 0 {
		cfg.Recovery.Timeout = y.RecoveryTimeout
	}
	if y.RecoveryBackoffCeiling > 0 {
		cfg.Recovery.BackoffCeiling = y.RecoveryBackoffCeiling
	}

	if lb := y.LoadBalancing; lb != nil {
		if lb.Type != "" {
			cfg.Strategy = balance.StrategyType(lb.Type)
		}
		if lb.RebalanceInterval > 0 {
			cfg.Rebalance.Interval = lb.RebalanceInterval
		}
		if lb.DeviationRatio > 0 {
			cfg.Rebalance.DeviationRatio = lb.DeviationRatio
		}
	}

	if ws := y.WorkStealing; ws != nil {
		if ws.Enabled != nil {
			cfg.WorkStealing.Enabled = *ws.Enabled
		}
		if ws.Interval > 0 {
			cfg.WorkStealing.Interval = ws.Interval
		}
		if ws.ThresholdRatio > 0 {
			cfg.WorkStealing.ThresholdRatio = ws.ThresholdRatio
		}
		if ws.MinTasksToSteal > 0 {
			cfg.WorkStealing.MinTasksToSteal = ws.MinTasksToSteal
		}
		if ws.MaxTasksToSteal > 0 {
			cfg.WorkStealing.MaxTasksToSteal = ws.MaxTasksToSteal
		}
	}
	return cfg
}

// resolveConsensusConfig resolves consensus settings from YAML, applying defaults.
func resolveConsensusConfig(y *ConsensusYAMLConfig) consensus.Config {
	cfg := Default().Consensus

	if y == nil {
		return cfg
	}
	if y.Protocol != "" {
		cfg.Protocol = consensus.ProtocolType(y.Protocol)
	}
	if y.Fallback != "" {
		cfg.Fallback = consensus.ProtocolType(y.Fallback)
	}
	if y.Timeout > 0 {
		cfg.Timeout = y.Timeout
	}
	if y.FaultTolerance > 0 {
		cfg.PBFTFaultTolerance = y.FaultTolerance
	}
	return cfg
}

// resolveDispatchConfig resolves task routing settings from YAML, applying defaults.
func resolveDispatchConfig(y *DispatchYAMLConfig) DispatchConfig {
	cfg := Default().Dispatch

	if y == nil {
		return cfg
	}
	if len(y.ConsensusTaskTypes) > 0 {
		cfg.Dispatch.ConsensusKinds = y.ConsensusTaskTypes
	}
	if y.MaxRetries > 0 {
		cfg.Dispatch.MaxRetries = y.MaxRetries
	}
	if y.OrphanScanInterval > 0 {
		cfg.Orphan.ScanInterval = y.OrphanScanInterval
	}
	if y.OrphanDeadline > 0 {
		cfg.Orphan.Deadline = y.OrphanDeadline
	}
	return cfg
}

// resolveBusConfig resolves event bus settings from YAML, applying defaults.
func resolveBusConfig(y *BusYAMLConfig) BusConfig {
	cfg := Default().Bus

	if y == nil {
		return cfg
	}
	if y.BufferSize > 0 {
		cfg.BufferSize = y.BufferSize
	}
	if y.RateLimit > 0 {
		cfg.RateLimit = y.RateLimit
	}
	if y.RateWindow > 0 {
		cfg.RateWindow = y.RateWindow
	}
	return cfg
}

// resolveRetentionConfig resolves retention settings from YAML, applying defaults.
func resolveRetentionConfig(y *RetentionYAMLConfig) RetentionConfig {
	cfg := Default().Retention

	if y == nil {
		return cfg
	}
	if y.InterventionMaxAge > 0 {
		cfg.Interventions.MaxAge = y.InterventionMaxAge
	}
	if y.CleanupInterval > 0 {
		cfg.CleanupInterval = y.CleanupInterval
	}
	if y.RelaunchCeiling > 0 {
		cfg.Interventions.RelaunchCeiling = y.RelaunchCeiling
	}
	return cfg
}

// resolveSnapshotConfig resolves snapshot settings from YAML, applying defaults.
func resolveSnapshotConfig(y *SnapshotYAMLConfig) SnapshotConfig {
	cfg := Default().Snapshot

	if y == nil {
		return cfg
	}
	if y.Enabled != nil {
		cfg.Enabled = *y.Enabled
	}
	if y.Store != "" {
		cfg.Store = y.Store
	}
	if y.Path != "" {
		cfg.Path = y.Path
	}
	if y.Interval > 0 {
		cfg.Interval = y.Interval
	}

	if db := y.Database; db != nil {
		cfg.Database.Host = db.Host
		cfg.Database.Port = db.Port
		cfg.Database.User = db.User
		cfg.Database.Password = db.Password
		cfg.Database.Database = db.Database
		cfg.Database.SSLMode = db.SSLMode
		if cfg.Database.SSLMode == "" {
			cfg.Database.SSLMode = "disable"
		}
		if cfg.Database.Port == 0 {
			cfg.Database.Port = 5432
		}
		cfg.Database.MaxOpenConns = db.MaxOpenConns
		cfg.Database.MaxIdleConns = db.MaxIdleConns
		cfg.Database.ConnMaxLifetime = db.ConnMaxLifetime
	}
	return cfg
}
