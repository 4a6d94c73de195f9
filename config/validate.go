package config

import "fmt"

// Validate checks the configuration for fatal problems. A missing
// DATABASE_URL is the canonical startup failure.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.Network {
	case Mainnet, Testnet:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}

	if c.Indexer.Port <= 0 || c.Indexer.Port > 65535 {
		return fmt.Errorf("invalid indexer port %d", c.Indexer.Port)
	}
	if c.Indexer.AutoBackfillRate <= 0 {
		return fmt.Errorf("AUTO_BACKFILL_RATE must be positive, got %d", c.Indexer.AutoBackfillRate)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive, got %d", c.Worker.MaxAttempts)
	}

	if c.Views.Concurrency <= 0 {
		return fmt.Errorf("VIEW_CONCURRENCY must be positive, got %d", c.Views.Concurrency)
	}

	if c.Queue.StaleThreshold <= 0 {
		return fmt.Errorf("JOB_STALE_MS must be positive")
	}

	return nil
}
