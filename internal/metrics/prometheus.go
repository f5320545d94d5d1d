package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Parallax metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	messagesTotal      *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	rateLimitedTotal   *prometheus.CounterVec
	sessionsCreated    prometheus.Counter
	sessionsClosed     prometheus.Counter
	connectionsTotal   *prometheus.CounterVec
	hostTransfersTotal prometheus.Counter
	anchorsTotal       *prometheus.CounterVec
	fusionSelections   *prometheus.CounterVec
	syncMessagesTotal  *prometheus.CounterVec
	proxiedTotal       *prometheus.CounterVec

	// Histograms
	broadcastLatency  *prometheus.HistogramVec
	localizeDuration  *prometheus.HistogramVec
	dbQueryDuration   *prometheus.HistogramVec
	upstreamDuration  *prometheus.HistogramVec
	storageOpDuration *prometheus.HistogramVec

	// Gauges
	uptime          prometheus.GaugeFunc
	activeSessions  prometheus.Gauge
	activeClients   prometheus.Gauge
	activeCodes     prometheus.Gauge
	sessionAnchors  *prometheus.GaugeVec
	upstreamHealthy *prometheus.GaugeVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for broadcast latency (in microseconds)
var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 50000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total messages received over WebSocket by type and outcome",
			},
			[]string{"type", "status"},
		),

		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Messages rejected by validation, by type and reason",
			},
			[]string{"type", "reason"},
		),

		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Messages dropped by the rate limiter, by window scope",
			},
			[]string{"scope"}, // minute, burst
		),

		sessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Total sessions created",
			},
		),

		sessionsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Total sessions closed",
			},
		),

		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "WebSocket connection lifecycle events",
			},
			[]string{"event"}, // opened, closed
		),

		hostTransfersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_transfers_total",
				Help:      "Total host role reassignments",
			},
		),

		anchorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anchors_total",
				Help:      "Anchor lifecycle events",
			},
			[]string{"action"}, // created, updated, deleted, expired
		),

		fusionSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fusion_selections_total",
				Help:      "Pose source selections by the fusion engine",
			},
			[]string{"source"}, // slam, vio, vps, predicted
		),

		syncMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anchor_sync_messages_total",
				Help:      "Anchor sync protocol messages by kind",
			},
			[]string{"kind"},
		),

		proxiedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Requests proxied by the edge gateway",
			},
			[]string{"service", "status"},
		),

		broadcastLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "broadcast_latency_microseconds",
				Help:      "Time to enqueue a message to all session recipients",
				Buckets:   buckets,
			},
			[]string{"type"},
		),

		localizeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "localize_duration_milliseconds",
				Help:      "Duration of localization requests in milliseconds",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"source"},
		),

		dbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_milliseconds",
				Help:      "Duration of database operations in milliseconds",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"operation"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_upstream_milliseconds",
				Help:      "Duration of proxied upstream requests in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"service"},
		),

		storageOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_op_milliseconds",
				Help:      "Duration of object storage operations in milliseconds",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"operation", "status"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of live sessions",
			},
		),

		activeClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_clients",
				Help:      "Number of connected WebSocket clients",
			},
		),

		activeCodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_share_codes",
				Help:      "Number of unexpired share codes",
			},
		),

		sessionAnchors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_anchors",
				Help:      "Current anchor count by session",
			},
			[]string{"session"},
		),

		upstreamHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_healthy",
				Help:      "Upstream service health as seen by the registry (1=healthy, 0=unhealthy)",
			},
			[]string{"service"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"upstream"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"upstream", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the Parallax daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.messagesTotal,
		pm.validationFailures,
		pm.rateLimitedTotal,
		pm.sessionsCreated,
		pm.sessionsClosed,
		pm.connectionsTotal,
		pm.hostTransfersTotal,
		pm.anchorsTotal,
		pm.fusionSelections,
		pm.syncMessagesTotal,
		pm.proxiedTotal,
		pm.broadcastLatency,
		pm.localizeDuration,
		pm.dbQueryDuration,
		pm.upstreamDuration,
		pm.storageOpDuration,
		pm.uptime,
		pm.activeSessions,
		pm.activeClients,
		pm.activeCodes,
		pm.sessionAnchors,
		pm.upstreamHealthy,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusMessage records a message outcome and its broadcast latency
func RecordPrometheusMessage(msgType string, latencyUs int64, relayed bool) {
	if promMetrics == nil {
		return
	}

	status := "relayed"
	if !relayed {
		status = "rejected"
	}
	promMetrics.messagesTotal.WithLabelValues(msgType, status).Inc()
	if relayed {
		promMetrics.broadcastLatency.WithLabelValues(msgType).Observe(float64(latencyUs))
	}
}

// RecordPrometheusValidationFailure records a message rejected by validation
func RecordPrometheusValidationFailure(msgType, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.validationFailures.WithLabelValues(msgType, reason).Inc()
}

// RecordPrometheusRateLimited records a rate limiter drop
func RecordPrometheusRateLimited(scope string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitedTotal.WithLabelValues(scope).Inc()
}

// RecordPrometheusSessionCreated records a session creation
func RecordPrometheusSessionCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionsCreated.Inc()
}

// RecordPrometheusSessionClosed records a session teardown
func RecordPrometheusSessionClosed() {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionsClosed.Inc()
}

// RecordPrometheusConnection records a WebSocket lifecycle event
func RecordPrometheusConnection(event string) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsTotal.WithLabelValues(event).Inc()
}

// RecordPrometheusHostTransfer records a host role reassignment
func RecordPrometheusHostTransfer() {
	if promMetrics == nil {
		return
	}
	promMetrics.hostTransfersTotal.Inc()
}

// RecordPrometheusAnchor records an anchor lifecycle event
func RecordPrometheusAnchor(action string) {
	if promMetrics == nil {
		return
	}
	promMetrics.anchorsTotal.WithLabelValues(action).Inc()
}

// RecordFusionSelection records which pose source the fusion engine picked
func RecordFusionSelection(source string) {
	if promMetrics == nil {
		return
	}
	promMetrics.fusionSelections.WithLabelValues(source).Inc()
}

// RecordSyncMessage records an anchor sync protocol message
func RecordSyncMessage(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.syncMessagesTotal.WithLabelValues(kind).Inc()
}

// RecordProxiedRequest records a request forwarded by the edge gateway
func RecordProxiedRequest(service, status string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.proxiedTotal.WithLabelValues(service, status).Inc()
	promMetrics.upstreamDuration.WithLabelValues(service).Observe(float64(durationMs))
}

// RecordLocalizeDuration records the duration of a localization request
func RecordLocalizeDuration(source string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.localizeDuration.WithLabelValues(source).Observe(float64(durationMs))
}

// RecordDBQuery records the duration of a database operation
func RecordDBQuery(operation string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.dbQueryDuration.WithLabelValues(operation).Observe(float64(durationMs))
}

// RecordStorageOperation records the duration and outcome of an object storage call
func RecordStorageOperation(operation, status string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.storageOpDuration.WithLabelValues(operation, status).Observe(float64(durationMs))
}

// SetActiveSessions sets the live session gauge
func SetActiveSessions(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeSessions.Set(float64(count))
}

// SetActiveClients sets the connected client gauge
func SetActiveClients(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeClients.Set(float64(count))
}

// SetActiveShareCodes sets the unexpired share code gauge
func SetActiveShareCodes(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeCodes.Set(float64(count))
}

// SetSessionAnchorCount sets the anchor count gauge for a session
func SetSessionAnchorCount(sessionID string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionAnchors.WithLabelValues(sessionID).Set(float64(count))
}

// DeleteSessionAnchorCount drops the anchor gauge when a session closes
func DeleteSessionAnchorCount(sessionID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionAnchors.DeleteLabelValues(sessionID)
}

// SetUpstreamHealthy sets the registry health gauge for a service
func SetUpstreamHealthy(service string, healthy bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	promMetrics.upstreamHealthy.WithLabelValues(service).Set(v)
}

// SetCircuitBreakerState sets the circuit breaker state gauge for an upstream.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(upstream string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(upstream).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(upstream, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(upstream, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
