package metrics

import (
	"bufio"
	"fmt"
	"net"
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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_notifications_created_total",
			Help: "Notifications accepted by type",
		},
		[]string{"type"},
	)

	queueEntriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_queue_entries_scheduled_total",
			Help: "Queue entries created by channel and batch type",
		},
		[]string{"channel", "batch_type"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_latency_seconds",
			Help:    "Time from scheduled_for to successful delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	queueClaimed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_queue_claimed_entries",
			Help:    "Entries claimed per processor pass",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	ingestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_ingest_messages_total",
			Help: "Inbound event messages by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ingestInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_ingest_messages_in_flight",
			Help: "Inbound event messages currently being handled",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	retentionPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_retention_purged_total",
			Help: "Records removed or released by retention, by kind",
		},
		[]string{"kind"},
	)

	analyticsRollups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_analytics_rollups_total",
			Help: "Analytics rollup passes by outcome",
		},
		[]string{"outcome"},
	)

	streamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_stream_connections",
			Help: "Open in-app websocket streams",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_redis_connections_active",
			Help: "Active Redis connections",
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

// RecordNotificationCreated counts an accepted notification.
func RecordNotificationCreated(notifType string) {
	notificationsCreated.WithLabelValues(notifType).Inc()
}

// RecordEntryScheduled counts a created queue entry.
func RecordEntryScheduled(channel, batchType string) {
	queueEntriesScheduled.WithLabelValues(channel, batchType).Inc()
}

// RecordDelivery records the outcome of one delivery attempt.
func RecordDelivery(channel, outcome string) {
	deliveriesTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryLatency records how late a successful delivery was.
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordClaimed records the size of one processor claim.
func RecordClaimed(n int) {
	queueClaimed.Observe(float64(n))
}

// RecordIngest records the outcome of one inbound event message.
func RecordIngest(source, outcome string) {
	ingestMessages.WithLabelValues(source, outcome).Inc()
}

// SetIngestInFlight sets the number of inbound messages being handled.
func SetIngestInFlight(count int) {
	ingestInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetBreakerState records the current state of a circuit breaker.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRetention counts records removed or released by retention.
func RecordRetention(kind string, n int) {
	retentionPurged.WithLabelValues(kind).Add(float64(n))
}

// RecordRollup records the outcome of an analytics rollup.
func RecordRollup(outcome string) {
	analyticsRollups.WithLabelValues(outcome).Inc()
}

// StreamOpened and StreamClosed track open websocket streams.
func StreamOpened() { streamConnections.Inc() }

func StreamClosed() { streamConnections.Dec() }

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Paths
// are labelled by their chi route pattern to keep ids out of the labels.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
