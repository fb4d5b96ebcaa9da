package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcome labels
const (
	OutcomeClaimed        = "claimed"
	OutcomeDelivered      = "delivered"
	OutcomeRolledBack     = "rolled_back"
	OutcomeRollbackFailed = "rollback_failed"
	OutcomeSkipped        = "skipped"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiethours_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quiethours_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	passesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiethours_dispatch_passes_total",
			Help: "Dispatch passes by result (empty, completed, error)",
		},
		[]string{"result"},
	)

	passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quiethours_dispatch_pass_duration_seconds",
			Help:    "Wall time of one dispatch pass",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
		},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiethours_dispatch_outcomes_total",
			Help: "Per-block dispatch outcomes",
		},
		[]string{"outcome"},
	)

	staleClaimsReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiethours_stale_claims_released_total",
			Help: "Claims reopened by the reconcile sweep",
		},
	)

	blocksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiethours_blocks_created_total",
			Help: "Blocks created through the API",
		},
	)

	triggersEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiethours_triggers_enqueued_total",
			Help: "Dispatch triggers sent to the trigger queue by kind",
		},
		[]string{"kind"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiethours_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiethours_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiethours_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPass records a finished dispatch pass
func RecordPass(result string, duration time.Duration) {
	passesTotal.WithLabelValues(result).Inc()
	passDuration.Observe(duration.Seconds())
}

// RecordOutcome counts one per-block dispatch outcome
func RecordOutcome(outcome string) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
}

// RecordStaleClaimsReleased adds n reopened claims
func RecordStaleClaimsReleased(n int64) {
	staleClaimsReleased.Add(float64(n))
}

func RecordBlockCreated() {
	blocksCreated.Inc()
}

func RecordTriggerEnqueued(kind string) {
	triggersEnqueued.WithLabelValues(kind).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetBreakerState publishes a circuit breaker's state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
