package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records result cache get calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records result cache set attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached result.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached result was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupStale indicates a stored result was rejected on version mismatch.
	CacheLookupStale CacheLookupOutcome = "stale"
	// CacheLookupError indicates the lookup failed due to a backend error.
	CacheLookupError CacheLookupOutcome = "error"
)

// TurboOutcome captures how the fast-path router resolved a query.
type TurboOutcome string

const (
	// TurboHit indicates a registered query executed on the hot tier.
	TurboHit TurboOutcome = "hit"
	// TurboFallback indicates no registration matched and the caller must
	// run the full execution path.
	TurboFallback TurboOutcome = "fallback"
	// TurboError indicates a registered query failed during execution.
	TurboError TurboOutcome = "error"
)

// Recorder publishes Prometheus metrics for cache, router, and pool activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	turboRequests *prometheus.CounterVec
	turboLatency  *prometheus.HistogramVec

	poolAcquisitions *prometheus.CounterVec
	poolLatency      *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turboql",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Result cache operations executed by the runtime.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "turboql",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for result cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	turboRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turboql",
		Subsystem: "turbo",
		Name:      "requests_total",
		Help:      "Fast-path routing decisions by outcome.",
	}, []string{"outcome"})

	turboLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "turboql",
		Subsystem: "turbo",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for fast-path query execution.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"outcome"})

	poolAcquisitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turboql",
		Subsystem: "pool",
		Name:      "acquisitions_total",
		Help:      "Connection acquisitions per pool tier.",
	}, []string{"tier", "result"})

	poolLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "turboql",
		Subsystem: "pool",
		Name:      "acquire_duration_seconds",
		Help:      "Latency distribution for pool acquisitions.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"tier"})

	reg.MustRegister(cacheOperations, cacheLatency, turboRequests, turboLatency, poolAcquisitions, poolLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		cacheOperations:  cacheOperations,
		cacheLatency:     cacheLatency,
		turboRequests:    turboRequests,
		turboLatency:     turboLatency,
		poolAcquisitions: poolAcquisitions,
		poolLatency:      poolLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := "stored"
	if err != nil {
		result = "error"
	}
	r.observeCache(CacheOperationStore, result, duration)
}

// ObserveTurbo records a fast-path routing decision and its latency.
func (r *Recorder) ObserveTurbo(outcome TurboOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(outcome))
	r.turboRequests.WithLabelValues(label).Inc()
	r.turboLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObservePoolAcquire records one pool acquisition attempt for a tier.
func (r *Recorder) ObservePoolAcquire(tier string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	tierLabel := normalizeLabel(tier)
	result := "acquired"
	if err != nil {
		result = "error"
	}
	r.poolAcquisitions.WithLabelValues(tierLabel, result).Inc()
	r.poolLatency.WithLabelValues(tierLabel).Observe(duration.Seconds())
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
