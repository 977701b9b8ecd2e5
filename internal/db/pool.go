package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turboql/turboql/internal/metrics"
)

// Tier names every caller acquires connections under. The tiers carry
// independent sizing so the hot tier can run short statement timeouts at high
// concurrency while the write tier stays small and patient.
const (
	TierRead  = "read"
	TierWrite = "write"
	TierHot   = "hot"
)

var (
	// ErrUnknownTier reports an acquisition against a tier that was never configured.
	ErrUnknownTier = errors.New("db: unknown pool tier")
	// ErrPoolExhausted reports that no connection became available within the
	// tier's acquire timeout.
	ErrPoolExhausted = errors.New("db: pool exhausted")
)

// TierConfig sizes one named pool.
type TierConfig struct {
	MinConns         int32
	MaxConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	StatementTimeout time.Duration
	AcquireTimeout   time.Duration
}

type tier struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// PoolManager owns the named connection pools. Callers lease connections via
// Acquire and must release them; pool internals handle all shared state.
type PoolManager struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	tiers   map[string]tier
}

// NewPoolManager builds one pgx pool per tier from the shared DSN. The
// statement timeout is installed as a connection runtime parameter so every
// statement in the tier inherits it.
func NewPoolManager(ctx context.Context, dsn string, tiers map[string]TierConfig, logger *slog.Logger, rec *metrics.Recorder) (*PoolManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	manager := &PoolManager{logger: logger, metrics: rec, tiers: make(map[string]tier, len(tiers))}

	for name, cfg := range tiers {
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("db: parse dsn for tier %s: %w", name, err)
		}
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConns = cfg.MaxConns
		if cfg.MaxConnLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
		}
		if cfg.MaxConnIdleTime > 0 {
			poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
		}
		if cfg.StatementTimeout > 0 {
			poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			manager.Close()
			return nil, fmt.Errorf("db: build pool tier %s: %w", name, err)
		}
		manager.tiers[name] = tier{pool: pool, acquireTimeout: cfg.AcquireTimeout}
		logger.Info("pool tier ready",
			slog.String("tier", name),
			slog.Int("max_conns", int(cfg.MaxConns)),
			slog.Duration("statement_timeout", cfg.StatementTimeout))
	}

	return manager, nil
}

// Acquire leases a connection from the named tier, blocking until one is
// available or the tier's acquire timeout elapses. The caller must Release
// the returned connection.
func (m *PoolManager) Acquire(ctx context.Context, tierName string) (*pgxpool.Conn, error) {
	t, ok := m.tiers[tierName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tierName)
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if t.acquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, t.acquireTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := t.pool.Acquire(acquireCtx)
	m.metrics.ObservePoolAcquire(tierName, err, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: tier %s after %s", ErrPoolExhausted, tierName, t.acquireTimeout)
		}
		return nil, fmt.Errorf("db: acquire tier %s: %w", tierName, err)
	}
	return conn, nil
}

// Stat exposes pool statistics for a tier, or nil for unknown tiers.
func (m *PoolManager) Stat(tierName string) *pgxpool.Stat {
	t, ok := m.tiers[tierName]
	if !ok {
		return nil
	}
	return t.pool.Stat()
}

// Close shuts every tier down.
func (m *PoolManager) Close() {
	for name, t := range m.tiers {
		t.pool.Close()
		m.logger.Debug("pool tier closed", slog.String("tier", name))
	}
}

// TierConfigsFromSettings converts the millisecond/second config encoding
// into the runtime shape.
func TierConfigsFromSettings(read, write, hot Settings) map[string]TierConfig {
	return map[string]TierConfig{
		TierRead:  read.tierConfig(),
		TierWrite: write.tierConfig(),
		TierHot:   hot.tierConfig(),
	}
}

// Settings mirrors the config file encoding of a tier.
type Settings struct {
	MinConns               int32
	MaxConns               int32
	MaxConnLifetimeSeconds int
	MaxConnIdleSeconds     int
	StatementTimeoutMillis int
	AcquireTimeoutMillis   int
}

func (s Settings) tierConfig() TierConfig {
	return TierConfig{
		MinConns:         s.MinConns,
		MaxConns:         s.MaxConns,
		MaxConnLifetime:  time.Duration(s.MaxConnLifetimeSeconds) * time.Second,
		MaxConnIdleTime:  time.Duration(s.MaxConnIdleSeconds) * time.Second,
		StatementTimeout: time.Duration(s.StatementTimeoutMillis) * time.Millisecond,
		AcquireTimeout:   time.Duration(s.AcquireTimeoutMillis) * time.Millisecond,
	}
}
