package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdmissionDecision labels the outcome of one pass through the middleware.
type AdmissionDecision string

const (
	// DecisionAllowed indicates the request passed every check.
	DecisionAllowed AdmissionDecision = "allowed"
	// DecisionExcluded indicates the path bypassed the checks entirely.
	DecisionExcluded AdmissionDecision = "excluded"
	// DecisionWhitelisted indicates the client IP bypassed the checks.
	DecisionWhitelisted AdmissionDecision = "whitelisted"
	// DecisionBlocked indicates a block record rejected the request.
	DecisionBlocked AdmissionDecision = "blocked"
	// DecisionRateLimited indicates a limiter denial rejected the request.
	DecisionRateLimited AdmissionDecision = "rate_limited"
	// DecisionDenied indicates an operator deny rule rejected the request.
	DecisionDenied AdmissionDecision = "denied"
	// DecisionInvalid indicates request validation rejected the request.
	DecisionInvalid AdmissionDecision = "invalid"
)

// CacheResult labels the outcome of a semantic cache lookup or store.
type CacheResult string

const (
	// CacheHitExact is a literal repeat of a cached query.
	CacheHitExact CacheResult = "hit_exact"
	// CacheHitSemantic is a paraphrase match above the similarity threshold.
	CacheHitSemantic CacheResult = "hit_semantic"
	// CacheMiss is a lookup with no qualifying candidate.
	CacheMiss CacheResult = "miss"
	// CacheStored is a successful write of entry plus metadata.
	CacheStored CacheResult = "stored"
	// CacheError is a lookup or store that degraded on a failure.
	CacheError CacheResult = "error"
)

// Recorder publishes Prometheus metrics for admission activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	admissionDecisions *prometheus.CounterVec
	admissionLatency   *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec
	cacheStores  *prometheus.CounterVec

	limiterDenials *prometheus.CounterVec
	autoBlocks     prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	admissionDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexgate",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions by endpoint and outcome.",
	}, []string{"endpoint", "decision"})

	admissionLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lexgate",
		Subsystem: "admission",
		Name:      "check_duration_seconds",
		Help:      "Latency distribution of the admission check phase.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"endpoint", "decision"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexgate",
		Subsystem: "semcache",
		Name:      "lookups_total",
		Help:      "Semantic cache lookups by result.",
	}, []string{"result"})

	cacheStores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexgate",
		Subsystem: "semcache",
		Name:      "stores_total",
		Help:      "Semantic cache store attempts by result.",
	}, []string{"result"})

	limiterDenials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexgate",
		Subsystem: "ratelimit",
		Name:      "denials_total",
		Help:      "Rate limiter denials by window kind.",
	}, []string{"window"})

	autoBlocks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lexgate",
		Subsystem: "ratelimit",
		Name:      "auto_blocks_total",
		Help:      "Automatic blocks applied after repeated violations.",
	})

	reg.MustRegister(admissionDecisions, admissionLatency, cacheLookups, cacheStores, limiterDenials, autoBlocks)

	return &Recorder{
		gatherer:           reg,
		handler:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		admissionDecisions: admissionDecisions,
		admissionLatency:   admissionLatency,
		cacheLookups:       cacheLookups,
		cacheStores:        cacheStores,
		limiterDenials:     limiterDenials,
		autoBlocks:         autoBlocks,
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

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveAdmission records the outcome and latency for a completed admission check.
func (r *Recorder) ObserveAdmission(endpoint string, decision AdmissionDecision, duration time.Duration) {
	if r == nil {
		return
	}
	endpointLabel := normalizeLabel(endpoint)
	decisionLabel := normalizeLabel(string(decision))
	r.admissionDecisions.WithLabelValues(endpointLabel, decisionLabel).Inc()
	r.admissionLatency.WithLabelValues(endpointLabel, decisionLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a semantic cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheResult) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveCacheStore records the result of a semantic cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheResult) {
	if r == nil {
		return
	}
	r.cacheStores.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveLimiterDenial records a rate limiter denial for the given window kind.
func (r *Recorder) ObserveLimiterDenial(window string) {
	if r == nil {
		return
	}
	r.limiterDenials.WithLabelValues(normalizeLabel(window)).Inc()
}

// ObserveAutoBlock records an automatic block escalation.
func (r *Recorder) ObserveAutoBlock() {
	if r == nil {
		return
	}
	r.autoBlocks.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
