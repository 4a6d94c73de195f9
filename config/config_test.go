package config

import (
	"testing"
	"time"
)

func TestDefaultsAreValidWithDatabaseURL(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://localhost/streams"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing DATABASE_URL accepted")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	mutations := map[string]func(*Config){
		"unknown network":    func(c *Config) { c.Network = "devnet" },
		"port out of range":  func(c *Config) { c.Indexer.Port = 70000 },
		"zero concurrency":   func(c *Config) { c.Worker.Concurrency = 0 },
		"zero max attempts":  func(c *Config) { c.Worker.MaxAttempts = 0 },
		"zero backfill rate": func(c *Config) { c.Indexer.AutoBackfillRate = 0 },
	}
	for name, mutate := range mutations {
		cfg := Default()
		cfg.DatabaseURL = "postgres://localhost/streams"
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestLoadOverlaysEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/streams_test")
	t.Setenv("STACKS_NETWORK", "mainnet")
	t.Setenv("PORT", "4800")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("WEBHOOK_TIMEOUT_MS", "2500")
	t.Setenv("TIP_FOLLOWER_TIMEOUT", "90")
	t.Setenv("RUN_VIEWS", "false")
	t.Setenv("LOG_JSON", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Network != Mainnet {
		t.Errorf("network = %s", cfg.Network)
	}
	if cfg.Indexer.Port != 4800 {
		t.Errorf("port = %d", cfg.Indexer.Port)
	}
	if cfg.Worker.Concurrency != 12 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.WebhookTimeout != 2500*time.Millisecond {
		t.Errorf("webhook timeout = %s", cfg.Worker.WebhookTimeout)
	}
	if cfg.Indexer.TipFollowerTimeout != 90*time.Second {
		t.Errorf("tip follower timeout = %s", cfg.Indexer.TipFollowerTimeout)
	}
	if cfg.Services.Views {
		t.Error("RUN_VIEWS=false ignored")
	}
	if !cfg.Log.JSON {
		t.Error("LOG_JSON=true ignored")
	}
}

func TestLoadKeepsDefaultsWithoutEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/streams_test")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Indexer.Port != def.Indexer.Port {
		t.Errorf("port = %d, want default %d", cfg.Indexer.Port, def.Indexer.Port)
	}
	if cfg.Worker.PollInterval != def.Worker.PollInterval {
		t.Errorf("poll interval = %s", cfg.Worker.PollInterval)
	}
	if !cfg.Services.Indexer || !cfg.Services.Worker || !cfg.Services.Views {
		t.Error("services default to enabled")
	}
}
