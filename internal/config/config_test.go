package config

import (
	"testing"
	"time"

	"github.com/erauner12/memory-api/internal/store"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATASTORE_TYPE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/memory")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.CacheType != CacheNone {
		t.Errorf("CacheType = %q", cfg.CacheType)
	}
	if cfg.CacheEpochTTL != 10*time.Minute {
		t.Errorf("CacheEpochTTL = %s", cfg.CacheEpochTTL)
	}
	if cfg.EvictionRetention != 30*24*time.Hour {
		t.Errorf("EvictionRetention = %s", cfg.EvictionRetention)
	}
	if !cfg.ResumerEnabled {
		t.Error("resumer disabled by default")
	}
	if cfg.ResumerLocatorTTL != 30*time.Second || cfg.ResumerLocatorRefresh != 10*time.Second {
		t.Errorf("locator ttl/refresh = %s/%s", cfg.ResumerLocatorTTL, cfg.ResumerLocatorRefresh)
	}
}

func TestLoadAgentAPIKeys(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AGENT_API_KEYS", "key1:client-a, key2:client-b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AgentAPIKeys["key1"] != "client-a" || cfg.AgentAPIKeys["key2"] != "client-b" {
		t.Errorf("AgentAPIKeys = %v", cfg.AgentAPIKeys)
	}
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing postgres dsn",
			env:  map[string]string{"DATASTORE_TYPE": "postgres", "DATABASE_URL": ""},
		},
		{
			name: "missing mongo url",
			env:  map[string]string{"DATASTORE_TYPE": "mongo", "MONGO_URL": ""},
		},
		{
			name: "unknown datastore",
			env:  map[string]string{"DATASTORE_TYPE": "dynamo"},
		},
		{
			name: "infinispan cache",
			env: map[string]string{
				"DATASTORE_TYPE": "postgres",
				"DATABASE_URL":   "postgres://x",
				"CACHE_TYPE":     "infinispan",
			},
		},
		{
			name: "unknown cache",
			env: map[string]string{
				"DATASTORE_TYPE": "postgres",
				"DATABASE_URL":   "postgres://x",
				"CACHE_TYPE":     "memcached",
			},
		},
		{
			name: "locator refresh not below ttl",
			env: map[string]string{
				"DATASTORE_TYPE":          "postgres",
				"DATABASE_URL":            "postgres://x",
				"RESUMER_LOCATOR_TTL":     "10s",
				"RESUMER_LOCATOR_REFRESH": "10s",
			},
		},
		{
			name: "negative retention",
			env: map[string]string{
				"DATASTORE_TYPE":     "postgres",
				"DATABASE_URL":       "postgres://x",
				"EVICTION_RETENTION": "-1h",
			},
		},
		{
			name: "bad duration",
			env: map[string]string{
				"DATASTORE_TYPE":  "postgres",
				"DATABASE_URL":    "postgres://x",
				"CACHE_EPOCH_TTL": "soon",
			},
		},
		{
			name: "bad batch size",
			env: map[string]string{
				"DATASTORE_TYPE":      "postgres",
				"DATABASE_URL":        "postgres://x",
				"EVICTION_BATCH_SIZE": "lots",
			},
		},
		{
			name: "malformed api keys",
			env: map[string]string{
				"DATASTORE_TYPE": "postgres",
				"DATABASE_URL":   "postgres://x",
				"AGENT_API_KEYS": "keywithoutclient",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); !store.IsInvalid(err) {
				t.Errorf("err = %v, want InvalidError", err)
			}
		})
	}
}

func TestRefreshConstraintSkippedWhenResumerDisabled(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RESUMER_ENABLED", "false")
	t.Setenv("RESUMER_LOCATOR_TTL", "10s")
	t.Setenv("RESUMER_LOCATOR_REFRESH", "10s")

	if _, err := Load(); err != nil {
		t.Fatalf("load with resumer disabled: %v", err)
	}
}
