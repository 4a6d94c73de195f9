package config

import (
	"os"
	"strconv"
	"time"
)

// Load builds the configuration from defaults overlaid with environment
// variables, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if v := os.Getenv("STACKS_NETWORK"); v != "" {
		cfg.Network = NetworkType(v)
	}

	envStr(&cfg.Upstream.NodeURL, "STACKS_NODE_URL")
	envStr(&cfg.Upstream.APIURL, "STACKS_API_URL")
	envMillis(&cfg.Upstream.Timeout, "UPSTREAM_TIMEOUT_MS")

	envInt(&cfg.Indexer.Port, "PORT")
	envBool(&cfg.Indexer.TipFollowerEnabled, "TIP_FOLLOWER_ENABLED")
	envSeconds(&cfg.Indexer.TipFollowerTimeout, "TIP_FOLLOWER_TIMEOUT")
	envSeconds(&cfg.Indexer.TipFollowerInterval, "TIP_FOLLOWER_INTERVAL")
	envBool(&cfg.Indexer.AutoBackfill, "AUTO_BACKFILL")
	envInt(&cfg.Indexer.AutoBackfillRate, "AUTO_BACKFILL_RATE")
	envSeconds(&cfg.Indexer.IntegrityInterval, "INTEGRITY_CHECK_INTERVAL")
	envBool(&cfg.Indexer.RequireIntegrity, "REQUIRE_INTEGRITY")

	envSeconds(&cfg.Queue.RecoverInterval, "JOB_RECOVER_INTERVAL")
	envMillis(&cfg.Queue.StaleThreshold, "JOB_STALE_MS")

	envInt(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")
	envMillis(&cfg.Worker.PollInterval, "POLL_INTERVAL_MS")
	envMillis(&cfg.Worker.WebhookTimeout, "WEBHOOK_TIMEOUT_MS")
	envInt(&cfg.Worker.MaxAttempts, "WORKER_MAX_ATTEMPTS")

	envInt(&cfg.Views.Concurrency, "VIEW_CONCURRENCY")
	envMillis(&cfg.Views.PollInterval, "VIEW_POLL_INTERVAL_MS")

	envBool(&cfg.Services.Indexer, "RUN_INDEXER")
	envBool(&cfg.Services.Worker, "RUN_WORKER")
	envBool(&cfg.Services.Views, "RUN_VIEWS")

	envStr(&cfg.Log.Level, "LOG_LEVEL")
	envBool(&cfg.Log.JSON, "LOG_JSON")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envMillis reads an integer environment variable as milliseconds.
func envMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// envSeconds reads an integer environment variable as seconds.
func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
