// Package config handles runtime configuration for the streams pipeline.
//
// All four services read the same Config; which services a process actually
// runs is controlled by the Services section. Every option is sourced from
// the environment (see env.go) with the defaults in defaults.go.
package config

import "time"

// NetworkType identifies the upstream chain network.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds process-wide runtime configuration.
type Config struct {
	// Core
	Network     NetworkType `env:"STACKS_NETWORK"`
	DatabaseURL string      `env:"DATABASE_URL"`

	// Upstream node (push source, poll target, backfill source)
	Upstream UpstreamConfig

	// Per-service sections
	Indexer IndexerConfig
	Queue   QueueConfig
	Worker  WorkerConfig
	Views   ViewsConfig

	// Which services this process runs
	Services ServicesConfig

	// Logging
	Log LogConfig
}

// UpstreamConfig holds the chain node endpoints.
type UpstreamConfig struct {
	NodeURL string        `env:"STACKS_NODE_URL"` // RPC: tip height, block by height
	APIURL  string        `env:"STACKS_API_URL"`  // indexer API: tx lookup fallback
	Timeout time.Duration `env:"UPSTREAM_TIMEOUT_MS"`
}

// IndexerConfig holds ingest, integrity and tip-follower settings.
type IndexerConfig struct {
	Port int `env:"PORT"` // HTTP ingest listener (default 3700)

	TipFollowerEnabled  bool          `env:"TIP_FOLLOWER_ENABLED"`
	TipFollowerTimeout  time.Duration `env:"TIP_FOLLOWER_TIMEOUT"`  // push silence before polling
	TipFollowerInterval time.Duration `env:"TIP_FOLLOWER_INTERVAL"` // tick between checks

	AutoBackfill     bool          `env:"AUTO_BACKFILL"`
	AutoBackfillRate int           `env:"AUTO_BACKFILL_RATE"` // blocks per second
	GapCooldown      time.Duration // a gap must persist this long before backfill

	IntegrityInterval time.Duration `env:"INTEGRITY_CHECK_INTERVAL"`
	RequireIntegrity  bool          `env:"REQUIRE_INTEGRITY"` // exit on gaps at startup
}

// QueueConfig holds job queue claim and recovery settings.
type QueueConfig struct {
	RecoverInterval time.Duration `env:"JOB_RECOVER_INTERVAL"`
	StaleThreshold  time.Duration `env:"JOB_STALE_MS"` // processing older than this is reclaimed
}

// WorkerConfig holds webhook dispatch settings.
type WorkerConfig struct {
	Concurrency    int           `env:"WORKER_CONCURRENCY"`
	PollInterval   time.Duration `env:"POLL_INTERVAL_MS"` // safety net behind notifications
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT_MS"`
	MaxAttempts    int           `env:"WORKER_MAX_ATTEMPTS"` // job attempts cap
}

// ViewsConfig holds view processor settings.
type ViewsConfig struct {
	Concurrency    int           `env:"VIEW_CONCURRENCY"`
	PollInterval   time.Duration `env:"VIEW_POLL_INTERVAL_MS"`
	ReloadDebounce time.Duration // view_changes debounce before registry reload
	ErrorBackoff   time.Duration // pause after a handler failure
}

// ServicesConfig selects which services run in this process.
type ServicesConfig struct {
	Indexer bool `env:"RUN_INDEXER"`
	Worker  bool `env:"RUN_WORKER"`
	Views   bool `env:"RUN_VIEWS"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `env:"LOG_LEVEL"`
	JSON  bool   `env:"LOG_JSON"`
}
