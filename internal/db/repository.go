package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/turboql/turboql/internal/request"
)

// Executor runs one SQL statement against a named pool tier and returns the
// rows as generic maps. The fast-path router and the cached repository both
// depend on this seam rather than on pool internals.
type Executor interface {
	Query(ctx context.Context, tier string, sql string, args ...any) ([]map[string]any, error)
}

// Repository executes queries through the pool manager. It honors the
// ambient request query timeout when one is set.
type Repository struct {
	pools *PoolManager
}

// NewRepository builds the base executor over the pool tiers.
func NewRepository(pools *PoolManager) *Repository {
	return &Repository{pools: pools}
}

// Query leases a connection from tier, runs sql, and collects every row into
// a map keyed by column name.
func (r *Repository) Query(ctx context.Context, tier string, sql string, args ...any) ([]map[string]any, error) {
	if timeout := request.FromContext(ctx).QueryTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := r.pools.Acquire(ctx, tier)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("db: query tier %s: %w", tier, err)
	}
	collected, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (map[string]any, error) {
		return pgx.RowToMap(row)
	})
	if err != nil {
		return nil, fmt.Errorf("db: collect rows tier %s: %w", tier, err)
	}
	return collected, nil
}
