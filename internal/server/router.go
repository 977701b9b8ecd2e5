package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/turboql/turboql/internal/turbo"
)

// AdminState is the surface the admin handler exposes. PoolCheck reports nil
// when every tier can reach the database; Invalidate evicts result cache
// entries whose key contains the given substring; Execute runs the turbo fast
// path for operational smoke checks.
type AdminState struct {
	Registry   *turbo.Registry
	PoolCheck  func() error
	Invalidate func(ctx context.Context, substr string) error
	Execute    func(ctx context.Context, query string, variables map[string]any) (*turbo.Result, error)
}

// NewAdminHandler serves the operational endpoints next to /metrics: a health
// probe and a listing of the registered fast-path queries with their usage
// counters.
func NewAdminHandler(state AdminState, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if state.PoolCheck != nil {
			if err := state.PoolCheck(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /turbo/queries", func(w http.ResponseWriter, _ *http.Request) {
		type entry struct {
			Hash          string     `json:"hash"`
			OperationName string     `json:"operation_name"`
			ViewName      string     `json:"view_name,omitempty"`
			Hits          int64      `json:"hits"`
			LastUsed      *time.Time `json:"last_used,omitempty"`
		}
		entries := []entry{}
		if state.Registry != nil {
			for _, q := range state.Registry.All() {
				e := entry{
					Hash:          q.Hash,
					OperationName: q.OperationName,
					ViewName:      q.ViewName,
					Hits:          q.Hits(),
				}
				if used := q.LastUsed(); !used.IsZero() {
					e.LastUsed = &used
				}
				entries = append(entries, e)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	})

	mux.HandleFunc("POST /cache/invalidate", func(w http.ResponseWriter, r *http.Request) {
		if state.Invalidate == nil {
			http.Error(w, "invalidation not available", http.StatusServiceUnavailable)
			return
		}
		substr := r.URL.Query().Get("contains")
		if substr == "" {
			http.Error(w, "contains query parameter required", http.StatusBadRequest)
			return
		}
		if err := state.Invalidate(r.Context(), substr); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /turbo/execute", func(w http.ResponseWriter, r *http.Request) {
		if state.Execute == nil {
			http.Error(w, "execution not available", http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
			http.Error(w, "body must carry a query document", http.StatusBadRequest)
			return
		}
		result, err := state.Execute(r.Context(), body.Query, body.Variables)
		if err != nil {
			if errors.Is(err, turbo.ErrMissingVariable) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if result == nil {
			http.Error(w, "query is not registered for the fast path", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	return mux
}
