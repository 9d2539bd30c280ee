package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCMetrics records the JSON-RPC and event stream surface.
type RPCMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	rejected *prometheus.CounterVec
	streams  prometheus.Gauge
	streamed *prometheus.CounterVec
	dropped  prometheus.Counter
}

var (
	rpcMetricsOnce sync.Once
	rpcMetrics     *RPCMetrics
)

// RPC returns the process-wide collectors, registering them on first use.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcMetrics = newRPCMetrics()
		prometheus.MustRegister(
			rpcMetrics.requests,
			rpcMetrics.latency,
			rpcMetrics.rejected,
			rpcMetrics.streams,
			rpcMetrics.streamed,
			rpcMetrics.dropped,
		)
	})
	return rpcMetrics
}

func newRPCMetrics() *RPCMetrics {
	return &RPCMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests by module, method and result code (0 on success).",
		}, []string{"module", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "JSON-RPC handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module", "method"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "rpc",
			Name:      "rejected_total",
			Help:      "Requests refused before reaching a handler.",
		}, []string{"route", "reason"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "ws",
			Name:      "streams",
			Help:      "Open event stream connections.",
		}),
		streamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "ws",
			Name:      "events_total",
			Help:      "Events written to stream clients by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "ws",
			Name:      "stream_errors_total",
			Help:      "Streams closed by a write failure.",
		}),
	}
}

// Observe records one JSON-RPC call. code is the JSON-RPC error code, or zero
// on success.
func (m *RPCMetrics) Observe(module, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	module, method = orUnknown(module), orUnknown(method)
	m.requests.WithLabelValues(module, method, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(module, method).Observe(d.Seconds())
}

// Reject counts a request refused by rate limiting or operator auth.
func (m *RPCMetrics) Reject(route, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(orUnknown(route), orUnknown(reason)).Inc()
}

// StreamOpened tracks a websocket client; the returned func undoes it.
func (m *RPCMetrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.streams.Inc()
	return m.streams.Dec
}

// Streamed counts an event delivered to a stream client.
func (m *RPCMetrics) Streamed(eventType string) {
	if m == nil {
		return
	}
	m.streamed.WithLabelValues(orUnknown(eventType)).Inc()
}

// StreamFailed counts a stream torn down by a write error.
func (m *RPCMetrics) StreamFailed() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
