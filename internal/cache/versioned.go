package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turboql/turboql/internal/metrics"
)

// Capability reports whether the backing store exposes domain version
// tracking. It is computed once per process and handed to every call site so
// branching happens on the value, never on probe errors.
type Capability struct {
	Detected bool
	Version  string
}

// VersionSource answers two questions: is version tracking installed, and
// what are the live versions for a set of entities under a tenant.
type VersionSource interface {
	Probe(ctx context.Context) (Capability, error)
	Current(ctx context.Context, tenantID *uuid.UUID, entities []string) (map[string]int64, error)
}

// Envelope is the stored shape of a versioned cache entry. Versions records
// the domain version of every entity that contributed to Value at store time.
type Envelope struct {
	Value    json.RawMessage  `json:"value"`
	Versions map[string]int64 `json:"versions,omitempty"`
	StoredAt time.Time        `json:"storedAt"`
}

// VersionedCache layers staleness detection over a Backend. When the version
// source reports the tracking capability, reads compare the stored version
// snapshot against live versions and treat any mismatch as a miss. Without
// the capability the cache degrades to TTL-only semantics.
type VersionedCache struct {
	backend Backend
	source  VersionSource
	logger  *slog.Logger
	metrics *metrics.Recorder

	probeOnce  sync.Once
	capability Capability
}

// NewVersionedCache wires a backend with an optional version source. A nil
// source pins the cache to TTL-only behavior.
func NewVersionedCache(backend Backend, source VersionSource, logger *slog.Logger, rec *metrics.Recorder) *VersionedCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionedCache{backend: backend, source: source, logger: logger, metrics: rec}
}

// Capability returns the probe result, running the probe on first use. Probe
// failures (including permission errors) log a warning and degrade to the
// absent capability; they never surface to the caller.
func (c *VersionedCache) Capability(ctx context.Context) Capability {
	c.probeOnce.Do(func() {
		if c.source == nil {
			return
		}
		capability, err := c.source.Probe(ctx)
		if err != nil {
			c.logger.Warn("version tracking probe failed, using ttl-only caching", slog.Any("error", err))
			return
		}
		c.capability = capability
		if capability.Detected {
			c.logger.Info("version tracking detected", slog.String("version", capability.Version))
		} else {
			c.logger.Info("version tracking not installed, using ttl-only caching")
		}
	})
	return c.capability
}

// Get returns the cached payload for key if it is still fresh. A stored entry
// whose version snapshot disagrees with the live versions for the same tenant
// reads as a miss; the stale entry is left for TTL expiry to collect.
func (c *VersionedCache) Get(ctx context.Context, tenantID *uuid.UUID, key string) (json.RawMessage, bool, error) {
	start := time.Now()
	value, ok, err := c.lookup(ctx, tenantID, key)
	switch {
	case err != nil:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
	case !ok && value != nil:
		// lookup signals staleness by returning the raw value with ok=false
		c.metrics.ObserveCacheLookup(metrics.CacheLookupStale, time.Since(start))
		return nil, false, nil
	case !ok:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
	default:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	}
	if err != nil || !ok {
		return nil, false, err
	}
	return value, true, nil
}

func (c *VersionedCache) lookup(ctx context.Context, tenantID *uuid.UUID, key string) (json.RawMessage, bool, error) {
	payload, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("cache: versioned get: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false, fmt.Errorf("cache: versioned decode: %w", err)
	}

	if !c.Capability(ctx).Detected || len(env.Versions) == 0 {
		return env.Value, true, nil
	}

	entities := make([]string, 0, len(env.Versions))
	for entity := range env.Versions {
		entities = append(entities, entity)
	}
	live, err := c.source.Current(ctx, tenantID, entities)
	if err != nil {
		// Version reads are advisory. Failing them degrades to a miss so the
		// caller re-executes rather than risking stale data.
		c.logger.Warn("live version read failed, treating entry as stale", slog.Any("error", err), slog.String("cache_key", key))
		return env.Value, false, nil
	}
	for entity, stored := range env.Versions {
		if live[entity] != stored {
			return env.Value, false, nil
		}
	}
	return env.Value, true, nil
}

// GetWithVersions exposes the raw envelope for callers that need the stored
// version snapshot alongside the value. Only TTL freshness applies here.
func (c *VersionedCache) GetWithVersions(ctx context.Context, key string) (json.RawMessage, map[string]int64, bool, error) {
	payload, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, nil, false, fmt.Errorf("cache: versioned get: %w", err)
	}
	if !ok {
		return nil, nil, false, nil
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, false, fmt.Errorf("cache: versioned decode: %w", err)
	}
	return env.Value, env.Versions, true, nil
}

// Set stores value under key. The version snapshot is persisted only when the
// tracking capability is present; otherwise it is dropped and the entry lives
// on TTL alone.
func (c *VersionedCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, versions map[string]int64) error {
	env := Envelope{Value: value, StoredAt: time.Now().UTC()}
	if c.Capability(ctx).Detected {
		env.Versions = versions
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: versioned encode: %w", err)
	}
	start := time.Now()
	err = c.backend.Set(ctx, key, payload, ttl)
	c.metrics.ObserveCacheStore(err, time.Since(start))
	if err != nil {
		return fmt.Errorf("cache: versioned set: %w", err)
	}
	return nil
}

// CurrentVersions reads the live versions for entities, returning nil when
// the tracking capability is absent.
func (c *VersionedCache) CurrentVersions(ctx context.Context, tenantID *uuid.UUID, entities []string) (map[string]int64, error) {
	if !c.Capability(ctx).Detected || len(entities) == 0 {
		return nil, nil
	}
	return c.source.Current(ctx, tenantID, entities)
}

// Delete removes a single entry.
func (c *VersionedCache) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// InvalidateContains removes every entry whose key contains substr. Mutation
// handlers call this after writes, e.g. InvalidateContains(ctx, "projects").
func (c *VersionedCache) InvalidateContains(ctx context.Context, substr string) error {
	return c.backend.DeleteContains(ctx, substr)
}
