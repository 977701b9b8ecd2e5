package db

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/turboql/turboql/internal/cache"
	"github.com/turboql/turboql/internal/request"
)

type fakeExecutor struct {
	mu      sync.Mutex
	queries []executedQuery
	rows    []map[string]any
	err     error
}

type executedQuery struct {
	tier string
	sql  string
	args []any
}

func (f *fakeExecutor) Query(_ context.Context, tier string, sql string, args ...any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, executedQuery{tier: tier, sql: sql, args: args})
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type staticVersionSource struct {
	capability cache.Capability
	versions   map[string]int64
	mu         sync.Mutex
}

func (s *staticVersionSource) Probe(context.Context) (cache.Capability, error) {
	return s.capability, nil
}

func (s *staticVersionSource) Current(_ context.Context, _ *uuid.UUID, entities []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(entities))
	for _, e := range entities {
		out[e] = s.versions[e]
	}
	return out, nil
}

func newRepoFixture(exec Executor, source cache.VersionSource) *CachedRepository {
	vc := cache.NewVersionedCache(cache.NewMemory(time.Minute), source, nil, nil)
	return NewCachedRepository(exec, vc, cache.NewKeyBuilder(""), map[string][]string{"v_users": {"user"}}, time.Minute, nil)
}

func tenantCtx(tenant uuid.UUID) context.Context {
	return request.WithContext(context.Background(), request.Context{TenantID: &tenant})
}

func TestFindMissThenHit(t *testing.T) {
	exec := &fakeExecutor{rows: []map[string]any{{"data": map[string]any{"id": "123"}}}}
	source := &staticVersionSource{capability: cache.Capability{Detected: true, Version: "1.0"}, versions: map[string]int64{"user": 1}}
	repo := newRepoFixture(exec, source)
	ctx := tenantCtx(uuid.New())

	rows, err := repo.Find(ctx, "v_users", map[string]any{"status": "active"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1, exec.calls(), "miss runs the view query once")

	// Hit: versions still match, so the view query is not repeated.
	rows, err = repo.Find(ctx, "v_users", map[string]any{"status": "active"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1, exec.calls(), "hit must not touch the pool")
}

func TestFindZeroDBCallsOnTTLOnlyHit(t *testing.T) {
	exec := &fakeExecutor{rows: []map[string]any{{"data": map[string]any{"id": "1"}}}}
	repo := newRepoFixture(exec, nil) // no version source: ttl-only
	ctx := tenantCtx(uuid.New())

	_, err := repo.Find(ctx, "v_users", map[string]any{"status": "active"})
	require.NoError(t, err)
	require.Equal(t, 1, exec.calls())

	_, err = repo.Find(ctx, "v_users", map[string]any{"status": "active"})
	require.NoError(t, err)
	require.Equal(t, 1, exec.calls(), "ttl hit must not touch the pool")
}

func TestFindVersionBumpForcesRequery(t *testing.T) {
	exec := &fakeExecutor{rows: []map[string]any{{"data": map[string]any{"id": "1"}}}}
	source := &staticVersionSource{capability: cache.Capability{Detected: true, Version: "1.0"}, versions: map[string]int64{"user": 1}}
	repo := newRepoFixture(exec, source)
	ctx := tenantCtx(uuid.New())

	_, err := repo.Find(ctx, "v_users", map[string]any{"status": "active"})
	require.NoError(t, err)
	viewQueries := countViewQueries(exec)
	require.Equal(t, 1, viewQueries)

	source.mu.Lock()
	source.versions["user"] = 2
	source.mu.Unlock()

	_, err = repo.Find(ctx, "v_users", map[string]any{"status": "active"})
	require.NoError(t, err)
	require.Equal(t, 2, countViewQueries(exec), "stale entry must re-execute the view query")
}

func TestFindTenantsGetSeparateEntries(t *testing.T) {
	exec := &fakeExecutor{rows: []map[string]any{{"data": map[string]any{"id": "1"}}}}
	repo := newRepoFixture(exec, nil)

	tenantA := uuid.New()
	tenantB := uuid.New()

	_, err := repo.Find(tenantCtx(tenantA), "v_users", map[string]any{"status": "active"})
	require.NoError(t, err)
	_, err = repo.Find(tenantCtx(tenantB), "v_users", map[string]any{"status": "active"})
	require.NoError(t, err)

	require.Equal(t, 2, exec.calls(), "tenant B must not be served tenant A's cache entry")
}

func TestFindRejectsInvalidIdentifiers(t *testing.T) {
	exec := &fakeExecutor{}
	repo := newRepoFixture(exec, nil)
	ctx := context.Background()

	_, err := repo.Find(ctx, "v_users; DROP TABLE users", nil)
	require.Error(t, err)

	_, err = repo.Find(ctx, "v_users", map[string]any{"status'--": "x"})
	require.Error(t, err)
	require.Zero(t, exec.calls())
}

func TestFindPropagatesQueryErrors(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("read tier down")}
	repo := newRepoFixture(exec, nil)

	_, err := repo.Find(context.Background(), "v_users", map[string]any{"status": "active"})
	require.Error(t, err)
}

func TestBuildViewQueryShape(t *testing.T) {
	sql, args := buildViewQuery("v_users", true, map[string]any{"status": "active", "role": "admin"})
	require.Equal(t, "SELECT data FROM v_users WHERE tenant_id = $1 AND data->>'role' = $2 AND data->>'status' = $3", sql)
	require.Equal(t, []any{"admin", "active"}, args)

	sql, args = buildViewQuery("v_countries", false, nil)
	require.Equal(t, "SELECT data FROM v_countries", sql)
	require.Empty(t, args)
}

func countViewQueries(exec *fakeExecutor) int {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	count := 0
	for _, q := range exec.queries {
		if q.tier == TierRead && strings.Contains(q.sql, "FROM v_users") {
			count++
		}
	}
	return count
}
