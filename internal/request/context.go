package request

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context carries the per-request ambient state the caching core trusts but
// never produces itself: the tenant boundary and an optional query deadline.
// Authentication happens upstream; a nil TenantID means the request is not
// tenant scoped.
type Context struct {
	TenantID     *uuid.UUID
	QueryTimeout time.Duration
}

type ctxKey struct{}

// WithContext attaches the request state to ctx.
func WithContext(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext extracts the request state, returning the zero value when no
// request scope was established.
func FromContext(ctx context.Context) Context {
	if rc, ok := ctx.Value(ctxKey{}).(Context); ok {
		return rc
	}
	return Context{}
}
