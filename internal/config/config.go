// Package config parses the runtime configuration for the continuous-query
// execution plane from the environment, mirroring the GUC table in spec.md
// section 6.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds every tunable named in spec.md section 6's configuration
// table. Environment variables are parsed with the CQ_ prefix, e.g.
// CQ_NUM_WORKERS, CQ_COMBINER_WORK_MEM_KB.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// Postgres DSN for the host database: catalog, matrels, output streams,
	// and (via a replication-capable connection) the trigger WAL decoder.
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Process-group sizing (section 4.2).
	NumWorkers   int `envconfig:"NUM_WORKERS" default:"4"`
	NumCombiners int `envconfig:"NUM_COMBINERS" default:"2"`

	// Microbatch / IPC tuning (section 4.1, 4.3, 4.4).
	BatchSizeKB int `envconfig:"BATCH_SIZE_KB" default:"256"`
	MaxWaitMs   int `envconfig:"MAX_WAIT_MS" default:"50"`

	// Combiner resource caps (section 4.4, 4.8).
	CombinerWorkMemKB  int    `envconfig:"COMBINER_WORK_MEM_KB" default:"65536"`
	CombinerCacheMemKB int    `envconfig:"COMBINER_CACHE_MEM_KB" default:"16384"`
	CombinerSyncCommit string `envconfig:"COMBINER_SYNC_COMMIT" default:"off"`
	CommitIntervalMs   int    `envconfig:"COMMIT_INTERVAL_MS" default:"100"`

	// Scheduling / crash policy (section 4.2, section 7).
	ProcPriority   float64 `envconfig:"PROC_PRIORITY" default:"0.5"`
	CrashRecovery  bool    `envconfig:"CRASH_RECOVERY" default:"true"`
	SyncStreamInsert bool  `envconfig:"SYNCHRONOUS_STREAM_INSERT" default:"false"`

	// Alert server (section 4.7).
	AlertServerPort   int `envconfig:"ALERT_SERVER_PORT" default:"7432"`
	AlertSocketMemKB  int `envconfig:"ALERT_SOCKET_MEM_KB" default:"64"`

	// Trigger WAL decoder (section 4.6).
	TriggerReplicationSlotName string `envconfig:"TRIGGER_REPLICATION_SLOT_NAME" default:"cqengine_trigger"`
}

// ResolveDefaults validates cross-field invariants once the environment has
// been parsed, analogous to the teacher's Config.ResolveDefaults.
func (c *Config) ResolveDefaults() error {
	if c.NumWorkers <= 0 {
		return fmt.Errorf("NUM_WORKERS must be > 0, got %d", c.NumWorkers)
	}
	if c.NumCombiners <= 0 {
		return fmt.Errorf("NUM_COMBINERS must be > 0, got %d", c.NumCombiners)
	}
	if c.BatchSizeKB <= 2 {
		return fmt.Errorf("BATCH_SIZE_KB must leave room for ack overhead, got %d", c.BatchSizeKB)
	}
	if c.ProcPriority < 0 || c.ProcPriority > 1 {
		return fmt.Errorf("PROC_PRIORITY must be in [0,1], got %f", c.ProcPriority)
	}
	switch c.CombinerSyncCommit {
	case "on", "off", "local", "remote_write", "remote_apply":
	default:
		return fmt.Errorf("COMBINER_SYNC_COMMIT must be a valid synchronous_commit level, got %q", c.CombinerSyncCommit)
	}
	return nil
}

// New parses Config from the environment (prefix CQ) and validates it.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("CQ", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Int("num_workers", cfg.NumWorkers).
		Int("num_combiners", cfg.NumCombiners).
		Int("batch_size_kb", cfg.BatchSizeKB).
		Int("max_wait_ms", cfg.MaxWaitMs).
		Int("alert_server_port", cfg.AlertServerPort).
		Msg("configuration loaded")

	return &cfg, nil
}

// NewForTesting returns a Config with small, fast defaults for tests.
func NewForTesting() *Config {
	return &Config{
		Environment:        EnvTesting,
		NumWorkers:         2,
		NumCombiners:       2,
		BatchSizeKB:        64,
		MaxWaitMs:          5,
		CombinerWorkMemKB:  4096,
		CombinerCacheMemKB: 1024,
		CombinerSyncCommit: "off",
		CommitIntervalMs:   10,
		ProcPriority:       0.5,
		CrashRecovery:      true,
		AlertServerPort:    0,
		AlertSocketMemKB:   16,
		TriggerReplicationSlotName: "cqengine_trigger_test",
	}
}

// IsTesting returns true if the environment is set to testing.
func (c *Config) IsTesting() bool { return c.Environment == EnvTesting }

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// MaxPackedBytes returns the hard cap on a microbatch's packed size
// (section 4.1: batch_size_kb * 1024 - 2048 bytes reserved for ack overhead).
func (c *Config) MaxPackedBytes() int {
	return c.BatchSizeKB*1024 - 2048
}
