package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/erauner12/memory-api/internal/auth"
	"github.com/erauner12/memory-api/internal/config"
	"github.com/erauner12/memory-api/internal/db"
	"github.com/erauner12/memory-api/internal/epochcache"
	"github.com/erauner12/memory-api/internal/eviction"
	"github.com/erauner12/memory-api/internal/httpapi"
	"github.com/erauner12/memory-api/internal/resumer"
	"github.com/erauner12/memory-api/internal/secretbox"
	"github.com/erauner12/memory-api/internal/store"
	"github.com/erauner12/memory-api/internal/store/mgo"
	"github.com/erauner12/memory-api/internal/store/pg"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "memory-api").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Persistence driver
	var repo store.Repository
	switch cfg.DatastoreType {
	case config.DatastorePostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		if err := pg.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to apply postgres schema")
		}
		repo = pg.New(pool)
	case config.DatastoreMongo:
		client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mongodb")
		}
		defer client.Disconnect(context.Background())
		if err := client.Ping(ctx, nil); err != nil {
			log.Fatal().Err(err).Msg("mongodb ping failed")
		}
		mrepo := mgo.New(client, client.Database("memory_api"), true)
		if err := mrepo.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to create mongodb indexes")
		}
		repo = mrepo
	}

	// Redis backs both the epoch cache and the resumer locator registry.
	var rdb redis.UniversalClient
	if cfg.CacheType == config.CacheRedis || cfg.ResumerEnabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("redis unreachable at startup; degraded until it comes back")
		}
	}

	var cache store.EpochCache
	switch cfg.CacheType {
	case config.CacheRedis:
		cache = epochcache.NewRedis(rdb, cfg.CacheEpochTTL)
	case config.CacheMemory:
		cache = epochcache.NewMemory(cfg.CacheEpochTTL)
	default:
		cache = store.NopCache{}
	}

	// Content encryption
	var enc secretbox.Encrypter = secretbox.Plaintext{}
	if cfg.ContentKey != "" {
		aes, err := secretbox.NewAESGCM(cfg.ContentKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid content encryption key")
		}
		enc = aes
	} else {
		log.Warn().Msg("no content encryption key set; storing content in plaintext")
	}

	st := store.New(repo, cache, enc, nil)

	// Response resumer
	var res *resumer.Resumer
	if cfg.ResumerEnabled {
		res, err = resumer.New(resumer.Config{
			TempDir:           cfg.ResumerTempDir,
			TempFileRetention: cfg.ResumerTempFileRetention,
			LocatorTTL:        cfg.ResumerLocatorTTL,
			RefreshInterval:   cfg.ResumerLocatorRefresh,
			AdvertisedAddress: cfg.AdvertisedAddress,
		}, resumer.NewRedisRegistry(rdb))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start response resumer")
		}
		defer res.Close()
		if err := res.WaitUntilAvailable(ctx, 30*time.Second); err != nil {
			log.Warn().Err(err).Msg("locator registry not available; resumer degraded to local-only")
		}
	}

	// Eviction schedule
	ev := eviction.New(eviction.Config{
		Retention: cfg.EvictionRetention,
		Interval:  cfg.EvictionInterval,
		BatchSize: cfg.EvictionBatchSize,
		Delay:     cfg.EvictionDelay,
	}, repo)
	if err := ev.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start eviction service")
	}
	defer ev.Stop()

	// HTTP server setup
	srv := &httpapi.Server{Store: st, Resumer: res, NodeAddr: cfg.AdvertisedAddress}
	authCfg := auth.Cfg{
		HS256Secret:  cfg.JWTSecret,
		AgentAPIKeys: cfg.AgentAPIKeys,
		DevMode:      env("ENV", "dev") == "dev" && cfg.JWTSecret == "",
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(authCfg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No read/write timeouts: response recording and replay are
		// long-lived streams bounded by the request context.
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
