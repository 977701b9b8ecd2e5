package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/turboql/turboql/internal/cache"
	"github.com/turboql/turboql/internal/db"
	"github.com/turboql/turboql/internal/metrics"
	"github.com/turboql/turboql/internal/turbo"
)

const defaultResultTTL = 5 * time.Minute

// Options collects everything the acceleration core is assembled from. The
// Executor is the only database dependency, so tests run the whole core
// against a fake.
type Options struct {
	Executor  db.Executor
	Backend   cache.Backend
	Versions  cache.VersionSource
	KeyPrefix string
	// Views maps a logical view name to the entities whose domain versions
	// gate its cached results.
	Views         map[string][]string
	ResultTTL     time.Duration
	SnapshotTTL   time.Duration
	SnapshotSweep time.Duration
	Metrics       *metrics.Recorder
}

// Core wires the acceleration pipeline an embedding GraphQL executor calls
// into: the turbo fast path, the versioned result cache in front of view
// reads, and the snapshot cache for subscription-style generation.
type Core struct {
	logger      *slog.Logger
	resultCache *cache.VersionedCache
	repository  *db.CachedRepository
	snapshots   *cache.SnapshotCache
	snapshotTTL time.Duration
	registry    *turbo.Registry
	store       *turbo.Store
	router      *turbo.Router
	backend     cache.Backend
}

// New assembles the core. Call Run to start background maintenance and Close
// to release everything.
func New(logger *slog.Logger, opts Options) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	resultTTL := opts.ResultTTL
	if resultTTL <= 0 {
		resultTTL = defaultResultTTL
	}
	snapshotTTL := opts.SnapshotTTL
	if snapshotTTL <= 0 {
		snapshotTTL = 5 * time.Second
	}

	resultCache := cache.NewVersionedCache(opts.Backend, opts.Versions, logger, opts.Metrics)
	registry := turbo.NewRegistry()
	store := turbo.NewStore(opts.Executor, logger)

	return &Core{
		logger:      logger,
		resultCache: resultCache,
		repository: db.NewCachedRepository(opts.Executor, resultCache,
			cache.NewKeyBuilder(opts.KeyPrefix), opts.Views, resultTTL, logger),
		snapshots:   cache.NewSnapshotCache(logger, opts.SnapshotSweep),
		snapshotTTL: snapshotTTL,
		registry:    registry,
		store:       store,
		router:      turbo.NewRouter(registry, opts.Executor, store, opts.Metrics, logger),
		backend:     opts.Backend,
	}
}

// Run starts background maintenance and hydrates the registry from the
// persisted registrations. Hydration failure is logged and leaves the
// registry empty; every unmatched query falls through to the caller's normal
// path.
func (c *Core) Run(ctx context.Context) {
	c.snapshots.Start()

	queries, err := c.store.LoadAll(ctx)
	if err != nil {
		c.logger.Warn("turbo registry hydration failed", slog.Any("error", err))
		return
	}
	for _, q := range queries {
		c.registry.Register(q)
	}
	c.logger.Info("turbo registry hydrated", slog.Int("queries", len(queries)))
}

// Close stops background maintenance and closes the cache backend.
func (c *Core) Close(ctx context.Context) error {
	c.snapshots.Stop()
	if c.backend == nil {
		return nil
	}
	return c.backend.Close(ctx)
}

// Execute tries the turbo fast path. A nil result with nil error means no
// registration matched and the caller owns the request.
func (c *Core) Execute(ctx context.Context, query string, variables map[string]any) (*turbo.Result, error) {
	return c.router.Execute(ctx, query, variables)
}

// Find reads view rows through the versioned result cache.
func (c *Core) Find(ctx context.Context, view string, filters map[string]any) ([]map[string]any, error) {
	return c.repository.Find(ctx, view, filters)
}

// Snapshot serves a subscription-style read with stampede protection: at most
// one fill runs per key, and waiters replay its retained value.
func (c *Core) Snapshot(ctx context.Context, key string, fill cache.FillFunc, sink func(any)) error {
	return c.snapshots.GetOrGenerate(ctx, key, c.snapshotTTL, fill, sink)
}

// InvalidateSnapshots drops the retained snapshot for key.
func (c *Core) InvalidateSnapshots(key string) {
	c.snapshots.Invalidate(key)
}

// Register adds a precompiled query to the registry and persists it.
func (c *Core) Register(ctx context.Context, q *turbo.Query) (string, error) {
	hash := c.registry.Register(q)
	if err := c.store.Save(ctx, q); err != nil {
		return hash, err
	}
	return hash, nil
}

// RegisterSeeds registers seed-file queries, persisting each best-effort.
func (c *Core) RegisterSeeds(ctx context.Context, queries []*turbo.Query) {
	for _, q := range queries {
		if _, err := c.Register(ctx, q); err != nil {
			c.logger.Warn("seed persistence failed", slog.Any("error", err), slog.String("hash", q.Hash))
		}
	}
	c.logger.Info("seed queries registered", slog.Int("queries", len(queries)))
}

// InvalidateCache evicts every result cache entry whose key contains substr.
func (c *Core) InvalidateCache(ctx context.Context, substr string) error {
	return c.resultCache.InvalidateContains(ctx, substr)
}

// Registry exposes the live registrations for the admin surface.
func (c *Core) Registry() *turbo.Registry {
	return c.registry
}
