package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DefaultKeyPrefix namespaces every cache key produced by this process.
const DefaultKeyPrefix = "turboql"

// KeyBuilder produces deterministic, tenant-scoped cache keys. The builder is
// pure; two builders with the same prefix are interchangeable.
type KeyBuilder struct {
	Prefix string
}

// NewKeyBuilder returns a builder with the given prefix, falling back to
// DefaultKeyPrefix when empty.
func NewKeyBuilder(prefix string) KeyBuilder {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	return KeyBuilder{Prefix: prefix}
}

// BuildKey assembles `prefix:tenant:view:fingerprint`. The tenant segment is
// present whenever tenantID is non-nil; omitting it is reserved for data the
// caller has explicitly marked tenant-agnostic. Keys for two distinct tenants
// always differ, identical filters in any insertion order always collide.
//
// Filters are canonicalized by sorting on filter name and JSON-encoding each
// value before fingerprinting, so semantically identical filter sets map to
// one key.
func (b KeyBuilder) BuildKey(view string, tenantID *uuid.UUID, filters map[string]any) string {
	prefix := b.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	parts := make([]string, 0, 4)
	parts = append(parts, prefix)
	if tenantID != nil {
		parts = append(parts, tenantID.String())
	}
	parts = append(parts, view, fingerprintFilters(filters))
	return strings.Join(parts, ":")
}

// fingerprintFilters hashes the canonical filter representation with FNV-1a.
func fingerprintFilters(filters map[string]any) string {
	h := fnv.New64a()

	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte("="))
		encoded, err := json.Marshal(filters[name])
		if err != nil {
			// Unencodable values still participate via their formatted form
			// so the key stays deterministic for the same input.
			encoded = []byte(fmt.Sprintf("%v", filters[name]))
		}
		_, _ = h.Write(encoded)
		_, _ = h.Write([]byte("|"))
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
