package config

import (
	"time"

	"github.com/vietddude/blockindexer/internal/indexing/throttle"
	"github.com/vietddude/blockindexer/internal/indexing/trigger"
	redisclient "github.com/vietddude/blockindexer/internal/infra/redis"
	"github.com/vietddude/blockindexer/internal/infra/storage/postgres"
	"github.com/vietddude/blockindexer/internal/infra/storage/sqlite"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Chain source types.
const (
	SourceEVM     = "evm"
	SourceFixture = "fixture"
)

// Deployment sinks.
const (
	SinkLog       = "log"
	SinkRedis     = "redis"
	SinkRecording = "recording"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Chain       ChainConfig        `yaml:"chain"`
	Store       StoreConfig        `yaml:"store"`
	Driver      DriverConfig       `yaml:"driver"`
	Reorg       ReorgConfig        `yaml:"reorg"`
	Deployments []DeploymentConfig `yaml:"deployments" validate:"dive"`
	Redis       redisclient.Config `yaml:"redis"`
	Database    postgres.Config    `yaml:"database"`
	SQLite      sqlite.Config      `yaml:"sqlite"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// ChainConfig holds settings for the indexed chain.
type ChainConfig struct {
	Name            string                  `yaml:"name"`
	Type            string                  `yaml:"type"             validate:"oneof=evm fixture"`
	RPCURL          string                  `yaml:"rpc_url"          validate:"required_if=Type evm"`
	FallbackRPCURLs []string                `yaml:"fallback_rpc_urls"`
	FixturePath     string                  `yaml:"fixture_path"     validate:"required_if=Type fixture"`
	FinalityHorizon *uint64                 `yaml:"finality_horizon"` // nil means DefaultFinalityHorizon, 0 is allowed
	GenesisHash     string                  `yaml:"genesis_hash"     validate:"omitempty,hexadecimal"`
	StartBlock      uint64                  `yaml:"start_block"`
	ScanInterval    time.Duration           `yaml:"scan_interval"`
	MaxBackfill     int                     `yaml:"max_backfill"     validate:"gte=0"`
	PruneInterval   time.Duration           `yaml:"prune_interval"` // 0 disables pruning
	LogAddresses    []string                `yaml:"log_addresses"    validate:"dive,eth_addr"`
	Throttle        throttle.AdaptiveConfig `yaml:"throttle"`
}

// DefaultFinalityHorizon is the retention horizon used when none is configured.
const DefaultFinalityHorizon uint64 = 64

// Horizon returns the configured finality horizon.
func (c ChainConfig) Horizon() uint64 {
	if c.FinalityHorizon == nil {
		return DefaultFinalityHorizon
	}
	return *c.FinalityHorizon
}

// StoreConfig selects the progress store backend.
type StoreConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=memory postgres sqlite redis"`
	Timeout time.Duration `yaml:"timeout"`
}

// DriverConfig holds per-deployment driver settings.
type DriverConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of transient store errors.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0"`
}

// ReorgConfig holds reorg detection settings.
type ReorgConfig struct {
	MaxDepth int `yaml:"max_depth" validate:"gte=0"`
}

// DeploymentConfig is one assigned deployment.
type DeploymentConfig struct {
	ID         string           `yaml:"id"          validate:"required"`
	Filter     trigger.Spec     `yaml:"filter"`
	Sink       string           `yaml:"sink"        validate:"omitempty,oneof=log redis recording"`
	Stream     string           `yaml:"stream"` // redis sink stream name (default: deployment id)
	StartBlock uint64           `yaml:"start_block"`
	StopBlock  *StopBlockConfig `yaml:"stop_block"`
}

// StopBlockConfig names the block a deployment stops at.
type StopBlockConfig struct {
	Number uint64 `yaml:"number"`
	Hash   string `yaml:"hash" validate:"required,hexadecimal"`
}
