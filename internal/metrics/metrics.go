package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_dispatched_total",
			Help: "Notifications created by type and source (literal or template)",
		},
		[]string{"type", "source"},
	)

	entriesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_entries_enqueued_total",
			Help: "Queue entries created by channel",
		},
		[]string{"channel"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Delivery attempts by channel and resulting queue status",
		},
		[]string{"channel", "status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from notification creation to successful delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"channel"},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_claim_conflicts_total",
			Help: "Claims lost to another worker",
		},
	)

	expiredEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_expired_entries_total",
			Help: "Entries failed because their notification expired",
		},
		[]string{"channel"},
	)

	permanentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_permanent_failures_total",
			Help: "Attempts classified as permanent failures",
		},
		[]string{"channel"},
	)

	devicesDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_devices_deactivated_total",
			Help: "Devices deactivated by reason",
		},
		[]string{"reason"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	retentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retention_rows_total",
			Help: "Rows removed or repaired by the retention sweep",
		},
		[]string{"kind"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Acquired database connections",
		},
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

func RecordDispatched(notificationType, source string) {
	notificationsDispatched.WithLabelValues(notificationType, source).Inc()
}

func RecordEnqueued(channel string) {
	entriesEnqueued.WithLabelValues(channel).Inc()
}

// RecordDelivery counts one recorded attempt by the status it left the entry in.
func RecordDelivery(channel, status string) {
	deliveries.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryLatency records end-to-end delivery time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

func RecordClaimConflict() {
	claimConflicts.Inc()
}

func RecordExpired(channel string) {
	expiredEntries.WithLabelValues(channel).Inc()
}

func RecordPermanentFailure(channel string) {
	permanentFailures.WithLabelValues(channel).Inc()
}

func RecordDevicesDeactivated(reason string, n int) {
	devicesDeactivated.WithLabelValues(reason).Add(float64(n))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

func RecordRetention(kind string, n int64) {
	retentionDeleted.WithLabelValues(kind).Add(float64(n))
}

func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled with the chi route pattern so ids don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
