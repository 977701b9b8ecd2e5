package turbo

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Query is one precompiled registration: a normalized GraphQL document hash
// bound to a SQL template that answers it directly. Everything except the
// usage counters is immutable after registration.
type Query struct {
	// Hash is the normalized query digest. Computed by Registry.Register
	// when empty.
	Hash string
	// GraphQL is the source document the registration was produced from.
	GraphQL string
	// SQLTemplate is the parameterized statement with positional $n
	// placeholders.
	SQLTemplate string
	// ParamMapping maps a GraphQL variable name to the SQL placeholder name
	// it feeds. Produced by the translation layer at registration time.
	ParamMapping map[string]string
	// RequiredVariables lists GraphQL variable names in placeholder order;
	// a missing required variable is a hard execution error.
	RequiredVariables []string
	// OptionalVariables follow the required ones in placeholder order and
	// default to NULL when absent.
	OptionalVariables []string
	// OperationName labels the registration for observability.
	OperationName string
	// ViewName records which logical view the template reads.
	ViewName string
	// UseFastPath gates persistence-driven hydration; disabled rows stay in
	// the table but are not loaded into the registry.
	UseFastPath bool
	// CreatedBy records which system produced the registration.
	CreatedBy string

	hitCount atomic.Int64
	lastUsed atomic.Int64
}

// Hits reports how many times the registration served a request.
func (q *Query) Hits() int64 { return q.hitCount.Load() }

// LastUsed reports the time of the most recent hit, zero before any.
func (q *Query) LastUsed() time.Time {
	nanos := q.lastUsed.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (q *Query) recordHit(now time.Time) {
	q.hitCount.Add(1)
	q.lastUsed.Store(now.UnixNano())
}

// Registry holds the precompiled queries keyed by normalized hash.
// Registration is last-writer-wins per hash; lookups never block writers for
// long since the map only stores pointers. An optional size bound evicts the
// oldest registrations first; re-registering a hash keeps its original slot.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Query
	order   []string
	maxSize int
}

// NewRegistry returns an empty, unbounded registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Query)}
}

// SetMaxSize bounds the registry to n entries, evicting the oldest
// registrations immediately if it is already over the bound. n <= 0 removes
// the bound.
func (r *Registry) SetMaxSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxSize = n
	r.evictLocked()
}

// Normalize reduces a GraphQL document to its canonical text: comment lines
// and blank lines are dropped and all runs of whitespace collapse to single
// spaces, so cosmetically different documents share one registration.
func Normalize(query string) string {
	var kept []string
	for _, line := range strings.Split(query, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(strings.Fields(strings.Join(kept, " ")), " ")
}

// HashQuery digests the normalized form of query.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}

// Register upserts the query by its normalized hash and returns that hash.
// Concurrent registrations of the same hash resolve last-writer-wins.
func (r *Registry) Register(q *Query) string {
	if q.Hash == "" {
		q.Hash = HashQuery(q.GraphQL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[q.Hash]; !exists {
		r.order = append(r.order, q.Hash)
	}
	r.entries[q.Hash] = q
	r.evictLocked()
	return q.Hash
}

func (r *Registry) evictLocked() {
	if r.maxSize <= 0 {
		return
	}
	for len(r.entries) > r.maxSize && len(r.order) > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.entries, oldest)
	}
}

// Lookup resolves a raw query document to its registration, or nil when the
// document was never registered.
func (r *Registry) Lookup(query string) *Query {
	hash := HashQuery(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[hash]
}

// Get resolves by precomputed hash.
func (r *Registry) Get(hash string) *Query {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[hash]
}

// Remove drops a registration.
func (r *Registry) Remove(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, hash)
	for i, h := range r.order {
		if h == hash {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Clear drops every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Query)
	r.order = nil
}

// Len reports the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All snapshots the current registrations for persistence flushes.
func (r *Registry) All() []*Query {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Query, 0, len(r.entries))
	for _, q := range r.entries {
		out = append(out, q)
	}
	return out
}
