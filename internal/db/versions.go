package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/turboql/turboql/internal/cache"
)

const (
	probeExtensionSQL = `SELECT extversion FROM pg_extension WHERE extname = 'pg_domain_versions'`

	tenantVersionsSQL = `SELECT entity, version FROM tb_domain_version
WHERE tenant_id = $1 AND entity = ANY($2)`

	globalVersionsSQL = `SELECT entity, version FROM tb_domain_version
WHERE tenant_id IS NULL AND entity = ANY($1)`
)

// VersionReader answers capability probes and live domain-version reads for
// the versioned cache. Both run on the read tier.
type VersionReader struct {
	exec Executor
}

// NewVersionReader builds a cache.VersionSource over the executor.
func NewVersionReader(exec Executor) *VersionReader {
	return &VersionReader{exec: exec}
}

// Probe checks pg_extension for the domain-versioning extension. The caller
// treats any returned error as the absent capability.
func (r *VersionReader) Probe(ctx context.Context) (cache.Capability, error) {
	rows, err := r.exec.Query(ctx, TierRead, probeExtensionSQL)
	if err != nil {
		return cache.Capability{}, fmt.Errorf("db: probe domain versioning: %w", err)
	}
	if len(rows) == 0 {
		return cache.Capability{}, nil
	}
	version, _ := rows[0]["extversion"].(string)
	return cache.Capability{Detected: true, Version: version}, nil
}

// Current reads the live version counters for entities under the tenant.
// Entities with no recorded version are reported as zero.
func (r *VersionReader) Current(ctx context.Context, tenantID *uuid.UUID, entities []string) (map[string]int64, error) {
	if len(entities) == 0 {
		return map[string]int64{}, nil
	}

	var rows []map[string]any
	var err error
	if tenantID != nil {
		rows, err = r.exec.Query(ctx, TierRead, tenantVersionsSQL, *tenantID, entities)
	} else {
		rows, err = r.exec.Query(ctx, TierRead, globalVersionsSQL, entities)
	}
	if err != nil {
		return nil, fmt.Errorf("db: read domain versions: %w", err)
	}

	versions := make(map[string]int64, len(entities))
	for _, entity := range entities {
		versions[entity] = 0
	}
	for _, row := range rows {
		entity, _ := row["entity"].(string)
		switch v := row["version"].(type) {
		case int64:
			versions[entity] = v
		case int32:
			versions[entity] = int64(v)
		case int:
			versions[entity] = int64(v)
		}
	}
	return versions, nil
}
