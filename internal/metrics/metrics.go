package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// TimeSeriesBucket stores metrics for a single time bucket
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Messages     int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes Parallax runtime metrics
type Metrics struct {
	// Message metrics
	TotalMessages      atomic.Int64
	RelayedMessages    atomic.Int64
	RejectedMessages   atomic.Int64
	RateLimitedDrops   atomic.Int64
	ValidationFailures atomic.Int64

	// Broadcast latency metrics (in microseconds)
	TotalLatencyUs atomic.Int64
	MinLatencyUs   atomic.Int64
	MaxLatencyUs   atomic.Int64

	// Session metrics
	SessionsCreated   atomic.Int64
	SessionsClosed    atomic.Int64
	ConnectionsOpened atomic.Int64
	ConnectionsClosed atomic.Int64
	HostTransfers     atomic.Int64

	// Anchor metrics
	AnchorsCreated atomic.Int64
	AnchorsUpdated atomic.Int64
	AnchorsDeleted atomic.Int64
	AnchorsExpired atomic.Int64

	// Per-message-type metrics
	typeMetrics sync.Map // message type -> *TypeMetrics

	// Time-series data (hourly buckets for last 24 hours)
	timeSeriesMu sync.RWMutex
	timeSeries   []*TimeSeriesBucket

	startTime time.Time
}

// TypeMetrics tracks metrics for a single message type
type TypeMetrics struct {
	Received atomic.Int64
	Relayed  atomic.Int64
	Rejected atomic.Int64
	TotalUs  atomic.Int64
	MinUs    atomic.Int64
	MaxUs    atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyUs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.initTimeSeries()
}

// initTimeSeries initializes time series buckets for the last 24 hours
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(time.Hour)
	m.timeSeries = make([]*TimeSeriesBucket, 24)
	for i := 0; i < 24; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-23) * time.Hour),
		}
	}
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordMessage records a relayed message and its broadcast latency
func (m *Metrics) RecordMessage(msgType string, latencyUs int64, relayed bool) {
	m.TotalMessages.Add(1)

	if relayed {
		m.RelayedMessages.Add(1)
	} else {
		m.RejectedMessages.Add(1)
	}

	m.TotalLatencyUs.Add(latencyUs)
	updateMin(&m.MinLatencyUs, latencyUs)
	updateMax(&m.MaxLatencyUs, latencyUs)

	// Per-type metrics
	tm := m.getTypeMetrics(msgType)
	tm.Received.Add(1)
	if relayed {
		tm.Relayed.Add(1)
	} else {
		tm.Rejected.Add(1)
	}
	tm.TotalUs.Add(latencyUs)
	updateMin(&tm.MinUs, latencyUs)
	updateMax(&tm.MaxUs, latencyUs)

	// Time series recording
	m.recordTimeSeries(latencyUs, !relayed)

	// Prometheus bridge
	RecordPrometheusMessage(msgType, latencyUs, relayed)
}

// RecordValidationFailure records a message rejected by validation
func (m *Metrics) RecordValidationFailure(msgType, reason string) {
	m.ValidationFailures.Add(1)
	RecordPrometheusValidationFailure(msgType, reason)
}

// RecordRateLimited records a message dropped by the rate limiter
func (m *Metrics) RecordRateLimited(scope string) {
	m.RateLimitedDrops.Add(1)
	RecordPrometheusRateLimited(scope)
}

// recordTimeSeries adds a message to the current time bucket
func (m *Metrics) recordTimeSeries(latencyUs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(time.Hour)

	// Check if we need to rotate buckets
	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		hoursDiff := int(now.Sub(lastBucket.Timestamp).Hours())

		if hoursDiff > 0 {
			// Rotate buckets
			if hoursDiff >= 24 {
				// Reset all buckets
				m.timeSeries = make([]*TimeSeriesBucket, 24)
				for i := 0; i < 24; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-23) * time.Hour),
					}
				}
			} else {
				// Shift and add new buckets
				m.timeSeries = m.timeSeries[hoursDiff:]
				for i := 0; i < hoursDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * time.Hour),
					})
				}
			}
		}
	}

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Messages++
		bucket.TotalLatency += latencyUs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordSessionCreated records a new session
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Add(1)
	RecordPrometheusSessionCreated()
}

// RecordSessionClosed records a session shutting down
func (m *Metrics) RecordSessionClosed() {
	m.SessionsClosed.Add(1)
	RecordPrometheusSessionClosed()
}

// RecordConnectionOpened records a WebSocket client admission
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsOpened.Add(1)
	RecordPrometheusConnection("opened")
}

// RecordConnectionClosed records a WebSocket client departure
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsClosed.Add(1)
	RecordPrometheusConnection("closed")
}

// RecordHostTransfer records a host role reassignment
func (m *Metrics) RecordHostTransfer() {
	m.HostTransfers.Add(1)
	RecordPrometheusHostTransfer()
}

// RecordAnchor records an anchor lifecycle event: created, updated, deleted,
// expired
func (m *Metrics) RecordAnchor(action string) {
	switch action {
	case "created":
		m.AnchorsCreated.Add(1)
	case "updated":
		m.AnchorsUpdated.Add(1)
	case "deleted":
		m.AnchorsDeleted.Add(1)
	case "expired":
		m.AnchorsExpired.Add(1)
	}
	RecordPrometheusAnchor(action)
}

func (m *Metrics) getTypeMetrics(msgType string) *TypeMetrics {
	if v, ok := m.typeMetrics.Load(msgType); ok {
		return v.(*TypeMetrics)
	}

	tm := &TypeMetrics{}
	tm.MinUs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.typeMetrics.LoadOrStore(msgType, tm)
	return actual.(*TypeMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalMessages.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyUs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyUs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"messages": map[string]interface{}{
			"total":        total,
			"relayed":      m.RelayedMessages.Load(),
			"rejected":     m.RejectedMessages.Load(),
			"rate_limited": m.RateLimitedDrops.Load(),
			"invalid":      m.ValidationFailures.Load(),
		},
		"latency_us": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyUs.Load(),
		},
		"sessions": map[string]interface{}{
			"created":        m.SessionsCreated.Load(),
			"closed":         m.SessionsClosed.Load(),
			"host_transfers": m.HostTransfers.Load(),
		},
		"connections": map[string]interface{}{
			"opened": m.ConnectionsOpened.Load(),
			"closed": m.ConnectionsClosed.Load(),
		},
		"anchors": map[string]interface{}{
			"created": m.AnchorsCreated.Load(),
			"updated": m.AnchorsUpdated.Load(),
			"deleted": m.AnchorsDeleted.Load(),
			"expired": m.AnchorsExpired.Load(),
		},
	}

	return result
}

// TypeStats returns per-message-type metrics
func (m *Metrics) TypeStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.typeMetrics.Range(func(key, value interface{}) bool {
		msgType := key.(string)
		tm := value.(*TypeMetrics)

		total := tm.Received.Load()
		avgUs := float64(0)
		if total > 0 {
			avgUs = float64(tm.TotalUs.Load()) / float64(total)
		}

		minUs := tm.MinUs.Load()
		if minUs == int64(^uint64(0)>>1) {
			minUs = 0
		}

		result[msgType] = map[string]interface{}{
			"received": total,
			"relayed":  tm.Relayed.Load(),
			"rejected": tm.Rejected.Load(),
			"avg_us":   avgUs,
			"min_us":   minUs,
			"max_us":   tm.MaxUs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["message_types"] = m.TypeStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns the time-series data for the last 24 hours
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"messages":     bucket.Messages,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
