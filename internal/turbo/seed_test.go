package turbo

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const seedYAML = `queries:
  - operation_name: GetUser
    view_name: v_users
    graphql: |
      query GetUser($id: UUID!) { user(id: $id) { name } }
    sql_template: SELECT data FROM v_users WHERE id = $1
    required_variables: [id]
  - operation_name: ListUsers
    view_name: v_users
    graphql: |
      query ListUsers($limit: Int) { users(limit: $limit) { name } }
    sql_template: SELECT data FROM v_users LIMIT coalesce($1, 100)
    optional_variables: [limit]
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "turbo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSeed(t *testing.T) {
	queries, err := LoadSeed(writeSeed(t, seedYAML))
	require.NoError(t, err)
	require.Len(t, queries, 2)
	require.Equal(t, "GetUser", queries[0].OperationName)
	require.Equal(t, []string{"id"}, queries[0].RequiredVariables)
	require.Equal(t, []string{"limit"}, queries[1].OptionalVariables)
	require.True(t, queries[0].UseFastPath)
}

func TestLoadSeedRejectsIncompleteEntries(t *testing.T) {
	path := writeSeed(t, "queries:\n  - operation_name: Broken\n    sql_template: SELECT 1\n")
	_, err := LoadSeed(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no graphql document")
}

func TestLoadSeedUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turbo.ini")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := LoadSeed(path)
	require.Error(t, err)
}

func TestWatchSeedReloadsOnChange(t *testing.T) {
	path := writeSeed(t, seedYAML)

	var mu sync.Mutex
	var loads [][]*Query
	onChange := func(queries []*Query) {
		mu.Lock()
		defer mu.Unlock()
		loads = append(loads, queries)
	}

	watcher, err := WatchSeed(context.Background(), path, onChange, func(err error) { t.Logf("watch error: %v", err) })
	require.NoError(t, err)
	defer watcher.Stop()

	mu.Lock()
	require.Len(t, loads, 1, "initial load is synchronous")
	require.Len(t, loads[0], 2)
	mu.Unlock()

	updated := seedYAML + `  - operation_name: GetProject
    view_name: v_projects
    graphql: |
      query GetProject($id: UUID!) { project(id: $id) { name } }
    sql_template: SELECT data FROM v_projects WHERE id = $1
    required_variables: [id]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(loads) >= 2 && len(loads[len(loads)-1]) == 3
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchSeedKeepsPreviousOnParseFailure(t *testing.T) {
	path := writeSeed(t, seedYAML)

	var mu sync.Mutex
	loadCount := 0
	errCount := 0

	watcher, err := WatchSeed(context.Background(), path,
		func([]*Query) {
			mu.Lock()
			loadCount++
			mu.Unlock()
		},
		func(error) {
			mu.Lock()
			errCount++
			mu.Unlock()
		})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("queries:\n  - operation_name: Broken\n    graphql: q\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errCount >= 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, loadCount, "a broken seed must not replace the loaded set")
}
