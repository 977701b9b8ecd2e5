package metrics

import (
	"errors"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup(CacheLookupHit, 10*time.Millisecond)
	rec.ObserveCacheStore(nil, 5*time.Millisecond)

	families := gather(t, rec, "turboql_cache_operations_total", "turboql_cache_operation_duration_seconds")

	lookupMetric := findMetric(t, families["turboql_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    string(CacheLookupHit),
	})
	if lookupMetric.GetCounter() == nil {
		t.Fatalf("expected counter metric for cache lookup")
	}
	if got := lookupMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	storeMetric := findMetric(t, families["turboql_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    "stored",
	})
	if got := storeMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected store counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["turboql_cache_operation_duration_seconds"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    "stored",
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for cache store latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveTurbo(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveTurbo(TurboHit, 25*time.Millisecond)
	rec.ObserveTurbo(TurboFallback, time.Millisecond)

	families := gather(t, rec, "turboql_turbo_requests_total")

	hitMetric := findMetric(t, families["turboql_turbo_requests_total"], map[string]string{"outcome": string(TurboHit)})
	if got := hitMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected hit counter 1, got %v", got)
	}
	fallbackMetric := findMetric(t, families["turboql_turbo_requests_total"], map[string]string{"outcome": string(TurboFallback)})
	if got := fallbackMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected fallback counter 1, got %v", got)
	}
}

func TestRecorderObservePoolAcquire(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObservePoolAcquire("hot", nil, time.Millisecond)
	rec.ObservePoolAcquire("read", errors.New("exhausted"), time.Second)

	families := gather(t, rec, "turboql_pool_acquisitions_total")

	okMetric := findMetric(t, families["turboql_pool_acquisitions_total"], map[string]string{"tier": "hot", "result": "acquired"})
	if got := okMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected acquired counter 1, got %v", got)
	}
	errMetric := findMetric(t, families["turboql_pool_acquisitions_total"], map[string]string{"tier": "read", "result": "error"})
	if got := errMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected error counter 1, got %v", got)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveCacheLookup(CacheLookupMiss, time.Millisecond)
	rec.ObserveCacheStore(nil, time.Millisecond)
	rec.ObserveTurbo(TurboHit, time.Millisecond)
	rec.ObservePoolAcquire("hot", nil, time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
