package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/turboql/turboql/internal/cache"
	"github.com/turboql/turboql/internal/config"
	"github.com/turboql/turboql/internal/core"
	"github.com/turboql/turboql/internal/db"
	"github.com/turboql/turboql/internal/logging"
	"github.com/turboql/turboql/internal/metrics"
	"github.com/turboql/turboql/internal/server"
	"github.com/turboql/turboql/internal/turbo"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		envPrefix  = flag.String("env-prefix", "TURBOQL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.Database.DSN == "" {
		log.Fatalf("database.dsn is required")
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	pools, err := db.NewPoolManager(ctx, cfg.Database.DSN, db.TierConfigsFromSettings(
		tierSettings(cfg.Database.Tiers.Read),
		tierSettings(cfg.Database.Tiers.Write),
		tierSettings(cfg.Database.Tiers.Hot),
	), logger, recorder)
	if err != nil {
		logger.Error("pool setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pools.Close()

	repo := db.NewRepository(pools)
	backend := buildCacheBackend(logger.With(slog.String("component", "cache_factory")), cfg.Cache)

	accel := core.New(logger, core.Options{
		Executor:      repo,
		Backend:       backend,
		Versions:      db.NewVersionReader(repo),
		KeyPrefix:     cfg.Cache.Prefix,
		Views:         cfg.Cache.Views,
		ResultTTL:     time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		SnapshotTTL:   time.Duration(cfg.Snapshot.TTLSeconds) * time.Second,
		SnapshotSweep: time.Duration(cfg.Snapshot.SweepSeconds) * time.Second,
		Metrics:       recorder,
	})
	accel.Run(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := accel.Close(closeCtx); err != nil {
			logger.Error("core shutdown failed", slog.Any("error", err))
		}
	}()

	var seedWatcher *turbo.SeedWatcher
	if cfg.Turbo.SeedFile != "" {
		onChange := func(queries []*turbo.Query) {
			accel.RegisterSeeds(ctx, queries)
		}
		if cfg.Turbo.Watch {
			watcher, err := turbo.WatchSeed(ctx, cfg.Turbo.SeedFile, onChange, func(err error) {
				logger.Error("seed watcher error", slog.Any("error", err))
			})
			if err != nil {
				logger.Error("seed watcher setup failed", slog.Any("error", err))
			} else {
				seedWatcher = watcher
				defer seedWatcher.Stop()
			}
		} else {
			queries, err := turbo.LoadSeed(cfg.Turbo.SeedFile)
			if err != nil {
				logger.Error("seed load failed", slog.Any("error", err))
			} else {
				onChange(queries)
			}
		}
	}

	handler := server.NewAdminHandler(server.AdminState{
		Registry:   accel.Registry(),
		PoolCheck:  poolHealthCheck(repo),
		Invalidate: accel.InvalidateCache,
		Execute:    accel.Execute,
	}, recorder.Handler())

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func tierSettings(cfg config.TierConfig) db.Settings {
	return db.Settings{
		MinConns:               cfg.MinConns,
		MaxConns:               cfg.MaxConns,
		MaxConnLifetimeSeconds: cfg.MaxConnLifetimeSeconds,
		MaxConnIdleSeconds:     cfg.MaxConnIdleSeconds,
		StatementTimeoutMillis: cfg.StatementTimeoutMillis,
		AcquireTimeoutMillis:   cfg.AcquireTimeoutMillis,
	}
}

func poolHealthCheck(exec db.Executor) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := exec.Query(ctx, db.TierRead, "SELECT 1")
		return err
	}
}

func buildCacheBackend(logger *slog.Logger, cfg config.CacheConfig) cache.Backend {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory result cache", slog.Duration("ttl", ttl))
		}
		return cache.NewMemory(ttl)
	case "valkey":
		valkeyCache, err := cache.NewValkey(cache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("valkey cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using valkey result cache", slog.String("address", cfg.Valkey.Address))
		}
		return valkeyCache
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory(ttl)
	}
}
