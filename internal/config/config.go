// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/erauner12/memory-api/internal/store"
)

// Datastore and cache selectors.
const (
	DatastorePostgres = "postgres"
	DatastoreMongo    = "mongo"

	CacheNone       = "none"
	CacheMemory     = "memory"
	CacheRedis      = "redis"
	CacheInfinispan = "infinispan"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr string

	DatastoreType string
	DatabaseURL   string
	MongoURL      string

	CacheType     string
	CacheEpochTTL time.Duration
	RedisAddr     string

	EvictionRetention time.Duration
	EvictionInterval  time.Duration
	EvictionBatchSize int
	EvictionDelay     time.Duration

	ResumerEnabled           bool
	ResumerLocatorTTL        time.Duration
	ResumerLocatorRefresh    time.Duration
	ResumerTempDir           string
	ResumerTempFileRetention time.Duration
	AdvertisedAddress        string

	JWTSecret string
	// AgentAPIKeys maps an API key to the client id it authenticates.
	AgentAPIKeys map[string]string

	// ContentKey is the base64 AES-256 key for content at rest; empty means
	// plaintext passthrough.
	ContentKey string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &store.InvalidError{Field: key, Reason: "not a valid duration: " + v}
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &store.InvalidError{Field: key, Reason: "not an integer: " + v}
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &store.InvalidError{Field: key, Reason: "not a boolean: " + v}
	}
	return b, nil
}

// parseAPIKeys parses "key:clientId,key2:clientId2".
func parseAPIKeys(raw string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, &store.InvalidError{Field: "AGENT_API_KEYS", Reason: "entries must be key:clientId"}
		}
		out[key] = client
	}
	return out, nil
}

// Load reads and validates the environment. Validation failures are
// InvalidError so callers can report the offending key.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DatastoreType:     getEnv("DATASTORE_TYPE", DatastorePostgres),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MongoURL:          os.Getenv("MONGO_URL"),
		CacheType:         getEnv("CACHE_TYPE", CacheNone),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		ResumerTempDir:    getEnv("RESUMER_TEMP_DIR", os.TempDir()),
		AdvertisedAddress: os.Getenv("ADVERTISED_ADDRESS"),
		JWTSecret:         os.Getenv("JWT_HS256_SECRET"),
		ContentKey:        os.Getenv("CONTENT_ENCRYPTION_KEY"),
	}

	var err error
	if cfg.CacheEpochTTL, err = getDuration("CACHE_EPOCH_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.EvictionRetention, err = getDuration("EVICTION_RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.EvictionInterval, err = getDuration("EVICTION_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.EvictionBatchSize, err = getInt("EVICTION_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	delayMs, err := getInt("EVICTION_DELAY_MS", 0)
	if err != nil {
		return nil, err
	}
	cfg.EvictionDelay = time.Duration(delayMs) * time.Millisecond

	if cfg.ResumerEnabled, err = getBool("RESUMER_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.ResumerLocatorTTL, err = getDuration("RESUMER_LOCATOR_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ResumerLocatorRefresh, err = getDuration("RESUMER_LOCATOR_REFRESH", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ResumerTempFileRetention, err = getDuration("RESUMER_TEMP_FILE_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AgentAPIKeys, err = parseAPIKeys(os.Getenv("AGENT_API_KEYS")); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate enforces cross-field constraints.
func (c *Config) Validate() error {
	switch c.DatastoreType {
	case DatastorePostgres:
		if c.DatabaseURL == "" {
			return &store.InvalidError{Field: "DATABASE_URL", Reason: "required when DATASTORE_TYPE=postgres"}
		}
	case DatastoreMongo:
		if c.MongoURL == "" {
			return &store.InvalidError{Field: "MONGO_URL", Reason: "required when DATASTORE_TYPE=mongo"}
		}
	default:
		return &store.InvalidError{Field: "DATASTORE_TYPE", Reason: "must be postgres or mongo, got " + c.DatastoreType}
	}

	switch c.CacheType {
	case CacheNone, CacheMemory, CacheRedis:
	case CacheInfinispan:
		return &store.InvalidError{Field: "CACHE_TYPE", Reason: "infinispan is not supported; use redis for a distributed cache"}
	default:
		return &store.InvalidError{Field: "CACHE_TYPE", Reason: "unknown cache type " + c.CacheType}
	}
	if c.CacheEpochTTL <= 0 {
		return &store.InvalidError{Field: "CACHE_EPOCH_TTL", Reason: "must be positive"}
	}

	if c.EvictionRetention <= 0 {
		return &store.InvalidError{Field: "EVICTION_RETENTION", Reason: "must be positive"}
	}
	if c.EvictionInterval <= 0 {
		return &store.InvalidError{Field: "EVICTION_INTERVAL", Reason: "must be positive"}
	}
	if c.EvictionBatchSize <= 0 {
		return &store.InvalidError{Field: "EVICTION_BATCH_SIZE", Reason: "must be positive"}
	}

	if c.ResumerEnabled && c.ResumerLocatorRefresh >= c.ResumerLocatorTTL {
		return &store.InvalidError{Field: "RESUMER_LOCATOR_REFRESH", Reason: "must be shorter than RESUMER_LOCATOR_TTL"}
	}
	return nil
}
