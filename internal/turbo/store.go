package turbo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/turboql/turboql/internal/db"
)

const (
	upsertQuerySQL = `INSERT INTO tb_turbo_query
    (query_hash, operation_name, query_pattern, sql_template, view_name, required_variables, optional_variables, use_fast_path, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (query_hash) DO UPDATE SET
    operation_name = EXCLUDED.operation_name,
    query_pattern = EXCLUDED.query_pattern,
    sql_template = EXCLUDED.sql_template,
    view_name = EXCLUDED.view_name,
    required_variables = EXCLUDED.required_variables,
    optional_variables = EXCLUDED.optional_variables,
    use_fast_path = EXCLUDED.use_fast_path,
    updated_at = now()`

	loadQueriesSQL = `SELECT query_hash, operation_name, query_pattern, sql_template, view_name, required_variables, optional_variables
FROM tb_turbo_query
WHERE use_fast_path`

	recordUsageSQL = `UPDATE tb_turbo_query SET hit_count = hit_count + 1, last_used = now() WHERE query_hash = $1`
)

// Store persists registrations in tb_turbo_query so the registry survives
// restarts. All writes go through the write tier; reads stay on read. The
// variable order lists are persisted; ParamMapping is an in-process detail
// supplied by the translation layer and is not stored.
type Store struct {
	exec   db.Executor
	logger *slog.Logger
}

// NewStore builds the persistence layer over exec.
func NewStore(exec db.Executor, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{exec: exec, logger: logger}
}

// Save upserts one registration by hash.
func (s *Store) Save(ctx context.Context, q *Query) error {
	required, err := json.Marshal(q.RequiredVariables)
	if err != nil {
		return fmt.Errorf("turbo: encode required variables: %w", err)
	}
	optional, err := json.Marshal(q.OptionalVariables)
	if err != nil {
		return fmt.Errorf("turbo: encode optional variables: %w", err)
	}
	_, err = s.exec.Query(ctx, db.TierWrite, upsertQuerySQL,
		q.Hash, q.OperationName, q.GraphQL, q.SQLTemplate, q.ViewName, required, optional, q.UseFastPath, q.CreatedBy)
	if err != nil {
		return fmt.Errorf("turbo: persist query %s: %w", q.Hash, err)
	}
	return nil
}

// LoadAll reads every active persisted registration, for registry hydration
// at startup.
func (s *Store) LoadAll(ctx context.Context) ([]*Query, error) {
	rows, err := s.exec.Query(ctx, db.TierRead, loadQueriesSQL)
	if err != nil {
		return nil, fmt.Errorf("turbo: load queries: %w", err)
	}
	out := make([]*Query, 0, len(rows))
	for _, row := range rows {
		q := &Query{
			Hash:              asString(row["query_hash"]),
			GraphQL:           asString(row["query_pattern"]),
			SQLTemplate:       asString(row["sql_template"]),
			RequiredVariables: asStringSlice(row["required_variables"]),
			OptionalVariables: asStringSlice(row["optional_variables"]),
			OperationName:     asString(row["operation_name"]),
			ViewName:          asString(row["view_name"]),
			UseFastPath:       true,
		}
		if q.Hash == "" {
			s.logger.Warn("skipping persisted turbo query without hash", slog.String("operation", q.OperationName))
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// RecordUsage bumps the persisted hit counter. It runs detached so a slow or
// failing write never delays the fast path.
func (s *Store) RecordUsage(ctx context.Context, q *Query) {
	detached := context.WithoutCancel(ctx)
	go func() {
		if _, err := s.exec.Query(detached, db.TierWrite, recordUsageSQL, q.Hash); err != nil {
			s.logger.Warn("turbo usage record failed", slog.Any("error", err), slog.String("hash", q.Hash))
		}
	}()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asStringSlice tolerates the shapes pgx hands back for jsonb arrays.
func asStringSlice(v any) []string {
	switch typed := v.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []byte:
		var out []string
		if err := json.Unmarshal(typed, &out); err == nil {
			return out
		}
	case string:
		var out []string
		if err := json.Unmarshal([]byte(typed), &out); err == nil {
			return out
		}
	}
	return nil
}
