package config

import "time"

// Default returns the default configuration. DATABASE_URL has no default;
// Load fails without it.
func Default() *Config {
	return &Config{
		Network: Mainnet,
		Upstream: UpstreamConfig{
			NodeURL: "http://localhost:20443",
			APIURL:  "http://localhost:3999",
			Timeout: 15 * time.Second,
		},
		Indexer: IndexerConfig{
			Port:                3700,
			TipFollowerEnabled:  true,
			TipFollowerTimeout:  60 * time.Second,
			TipFollowerInterval: 10 * time.Second,
			AutoBackfill:        true,
			AutoBackfillRate:    10,
			GapCooldown:         5 * time.Minute,
			IntegrityInterval:   5 * time.Minute,
			RequireIntegrity:    false,
		},
		Queue: QueueConfig{
			RecoverInterval: 60 * time.Second,
			StaleThreshold:  5 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:    5,
			PollInterval:   1000 * time.Millisecond,
			WebhookTimeout: 10 * time.Second,
			MaxAttempts:    10,
		},
		Views: ViewsConfig{
			Concurrency:    5,
			PollInterval:   1000 * time.Millisecond,
			ReloadDebounce: 500 * time.Millisecond,
			ErrorBackoff:   5 * time.Second,
		},
		Services: ServicesConfig{
			Indexer: true,
			Worker:  true,
			Views:   true,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
