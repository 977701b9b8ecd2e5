package cache

import (
	"context"
	"time"
)

// Backend is the storage capability the versioned result cache sits on top
// of. Values are opaque byte payloads; TTL handling belongs to the backend.
//
// DeleteContains implements the narrow invalidation semantics mutation
// handlers rely on: every key whose text contains substr is removed. It is
// deliberately not a pattern language.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteContains(ctx context.Context, substr string) error
	Scan(ctx context.Context, substr string) ([]string, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
