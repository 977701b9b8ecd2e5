package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/turboql/turboql/internal/cache"
	"github.com/turboql/turboql/internal/request"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CachedRepository puts the versioned result cache in front of view reads.
// Hits return without touching the connection pool; misses execute on the
// read tier and repopulate the cache together with the current domain
// versions of every entity the view depends on.
//
// Concurrent misses for the same key are not serialized here: the underlying
// reads are cheap and idempotent, so duplicate work is tolerated. Expensive
// generation belongs in the snapshot cache instead.
type CachedRepository struct {
	exec   Executor
	cache  *cache.VersionedCache
	keys   cache.KeyBuilder
	views  map[string][]string
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedRepository wires the decorator. views maps a logical view name to
// the entities whose domain versions gate its cached results.
func NewCachedRepository(exec Executor, vc *cache.VersionedCache, keys cache.KeyBuilder, views map[string][]string, ttl time.Duration, logger *slog.Logger) *CachedRepository {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRepository{exec: exec, cache: vc, keys: keys, views: views, ttl: ttl, logger: logger}
}

// Find returns the rows of view matching filters, serving from the cache
// when a fresh, version-consistent entry exists. The tenant id is taken from
// the ambient request context; without one the read is unscoped and the
// caller owns that choice.
func (r *CachedRepository) Find(ctx context.Context, view string, filters map[string]any) ([]map[string]any, error) {
	if !identifierPattern.MatchString(view) {
		return nil, fmt.Errorf("db: invalid view name %q", view)
	}
	for name := range filters {
		if !identifierPattern.MatchString(name) {
			return nil, fmt.Errorf("db: invalid filter name %q", name)
		}
	}

	tenantID := request.FromContext(ctx).TenantID
	key := r.keys.BuildKey(view, tenantID, filters)

	payload, ok, err := r.cache.Get(ctx, tenantID, key)
	if err != nil {
		// Backend trouble degrades to fresher-but-slower, never to a failed read.
		r.logger.Warn("result cache lookup failed", slog.Any("error", err), slog.String("cache_key", key))
	}
	if ok {
		var rows []map[string]any
		if err := json.Unmarshal(payload, &rows); err == nil {
			return rows, nil
		}
		r.logger.Warn("result cache payload corrupt, re-querying", slog.String("cache_key", key))
	}

	sql, args := buildViewQuery(view, tenantID != nil, filters)
	if tenantID != nil {
		args = append([]any{*tenantID}, args...)
	}
	rows, err := r.exec.Query(ctx, TierRead, sql, args...)
	if err != nil {
		return nil, err
	}

	versions, err := r.cache.CurrentVersions(ctx, tenantID, r.views[view])
	if err != nil {
		r.logger.Warn("domain version read failed, storing ttl-only entry", slog.Any("error", err), slog.String("view", view))
		versions = nil
	}

	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("db: encode rows for cache: %w", err)
	}
	if err := r.cache.Set(ctx, key, encoded, r.ttl, versions); err != nil {
		r.logger.Warn("result cache store failed", slog.Any("error", err), slog.String("cache_key", key))
	}
	return rows, nil
}

// buildViewQuery assembles `SELECT data FROM <view>` with JSONB filter
// predicates. Filters are ordered by name so the generated SQL is stable for
// a given filter set.
func buildViewQuery(view string, tenantScoped bool, filters map[string]any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT data FROM ")
	sb.WriteString(view)

	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, len(filters))
	placeholder := 1
	clauses := make([]string, 0, len(filters)+1)
	if tenantScoped {
		clauses = append(clauses, "tenant_id = $1")
		placeholder++
	}
	for _, name := range names {
		clauses = append(clauses, fmt.Sprintf("data->>'%s' = $%d", name, placeholder))
		args = append(args, fmt.Sprintf("%v", filters[name]))
		placeholder++
	}
	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	return sb.String(), args
}
