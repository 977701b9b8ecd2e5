package turbo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/turboql/turboql/internal/db"
	"github.com/turboql/turboql/internal/metrics"
)

// ErrMissingVariable reports a registered query invoked without one of its
// required variables. This is a caller error and never triggers fallback.
var ErrMissingVariable = errors.New("turbo: missing required variable")

// Result is the outcome of a fast-path execution.
type Result struct {
	Rows []map[string]any
	// Hash identifies the registration that served the request.
	Hash string
}

// Router intercepts incoming GraphQL documents before the general execution
// pipeline. A registered document executes its precompiled SQL on the hot
// tier; anything else falls through with (nil, nil) so the caller runs the
// normal path.
type Router struct {
	registry *Registry
	exec     db.Executor
	store    *Store
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// NewRouter wires the fast path. store may be nil when usage persistence is
// disabled.
func NewRouter(registry *Registry, exec db.Executor, store *Store, recorder *metrics.Recorder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, exec: exec, store: store, metrics: recorder, logger: logger}
}

// Execute tries the fast path for query. A nil Result with nil error means no
// registration matched and the caller owns the request. Errors from a matched
// registration propagate as-is; a failed precompiled query never silently
// degrades to the slow path, since both paths read the same database.
func (r *Router) Execute(ctx context.Context, query string, variables map[string]any) (*Result, error) {
	start := time.Now()

	entry := r.registry.Lookup(query)
	if entry == nil {
		r.metrics.ObserveTurbo(metrics.TurboFallback, time.Since(start))
		return nil, nil
	}

	args, err := bindVariables(entry, variables)
	if err != nil {
		r.metrics.ObserveTurbo(metrics.TurboError, time.Since(start))
		return nil, err
	}

	rows, err := r.exec.Query(ctx, db.TierHot, entry.SQLTemplate, args...)
	if err != nil {
		r.metrics.ObserveTurbo(metrics.TurboError, time.Since(start))
		return nil, fmt.Errorf("turbo: execute %s: %w", entry.OperationName, err)
	}

	entry.recordHit(time.Now())
	r.metrics.ObserveTurbo(metrics.TurboHit, time.Since(start))
	if r.store != nil {
		r.store.RecordUsage(ctx, entry)
	}
	return &Result{Rows: rows, Hash: entry.Hash}, nil
}

// bindVariables builds the positional argument list for a registration. The
// RequiredVariables and OptionalVariables lists name SQL parameters in
// placeholder order; ParamMapping maps a GraphQL variable path (dotted for
// nested inputs, e.g. "filters.namePattern") to the SQL parameter it feeds.
// A parameter without a mapping entry reads the variable of the same name.
// Required parameters with no resolvable variable are a hard error; optional
// ones default to NULL.
func bindVariables(entry *Query, variables map[string]any) ([]any, error) {
	paths := make(map[string]string, len(entry.ParamMapping))
	for variablePath, param := range entry.ParamMapping {
		paths[param] = variablePath
	}
	resolve := func(param string) (any, bool) {
		path, ok := paths[param]
		if !ok {
			path = param
		}
		return lookupVariable(variables, path)
	}

	args := make([]any, 0, len(entry.RequiredVariables)+len(entry.OptionalVariables))
	for _, param := range entry.RequiredVariables {
		value, ok := resolve(param)
		if !ok {
			return nil, fmt.Errorf("%w: %s (operation %s)", ErrMissingVariable, param, entry.OperationName)
		}
		args = append(args, value)
	}
	for _, param := range entry.OptionalVariables {
		value, ok := resolve(param)
		if !ok {
			args = append(args, nil)
			continue
		}
		args = append(args, value)
	}
	return args, nil
}

// lookupVariable walks a dotted path through nested variable objects.
func lookupVariable(variables map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	current := any(variables)
	for _, segment := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
