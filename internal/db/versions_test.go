package db

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestVersionReaderProbeDetected(t *testing.T) {
	exec := &fakeExecutor{rows: []map[string]any{{"extversion": "1.0"}}}
	reader := NewVersionReader(exec)

	capability, err := reader.Probe(context.Background())
	require.NoError(t, err)
	require.True(t, capability.Detected)
	require.Equal(t, "1.0", capability.Version)
}

func TestVersionReaderProbeAbsent(t *testing.T) {
	exec := &fakeExecutor{}
	reader := NewVersionReader(exec)

	capability, err := reader.Probe(context.Background())
	require.NoError(t, err)
	require.False(t, capability.Detected)
}

func TestVersionReaderProbeError(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("permission denied for table pg_extension")}
	reader := NewVersionReader(exec)

	_, err := reader.Probe(context.Background())
	require.Error(t, err)
}

func TestVersionReaderCurrentTenantScoped(t *testing.T) {
	exec := &fakeExecutor{rows: []map[string]any{
		{"entity": "user", "version": int64(3)},
		{"entity": "project", "version": int32(7)},
	}}
	reader := NewVersionReader(exec)
	tenant := uuid.New()

	versions, err := reader.Current(context.Background(), &tenant, []string{"user", "project", "order"})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"user": 3, "project": 7, "order": 0}, versions)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.queries, 1)
	require.Equal(t, TierRead, exec.queries[0].tier)
	require.Contains(t, exec.queries[0].sql, "tenant_id = $1")
	require.Equal(t, tenant, exec.queries[0].args[0])
}

func TestVersionReaderCurrentGlobal(t *testing.T) {
	exec := &fakeExecutor{}
	reader := NewVersionReader(exec)

	_, err := reader.Current(context.Background(), nil, []string{"country"})
	require.NoError(t, err)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Contains(t, exec.queries[0].sql, "tenant_id IS NULL")
}

func TestVersionReaderCurrentEmptyEntities(t *testing.T) {
	exec := &fakeExecutor{}
	reader := NewVersionReader(exec)

	versions, err := reader.Current(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Empty(t, versions)
	require.Zero(t, exec.calls())
}
