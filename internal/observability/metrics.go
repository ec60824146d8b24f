package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	channelFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Envelopes posted or accepted by a channel.",
		},
		[]string{"role", "direction", "event"},
	)
	channelRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "channel",
			Name:      "rejected_total",
			Help:      "Inbound frames dropped before dispatch.",
		},
		[]string{"role", "reason"},
	)
	channelTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "channel",
			Name:      "transitions_total",
			Help:      "Connection lifecycle transitions.",
		},
		[]string{"role", "state"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Remote calls by outcome.",
		},
		[]string{"side", "name", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framelink",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from call to settled response on the calling side.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"name", "outcome"},
	)
	storeUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "store",
			Name:      "updates_total",
			Help:      "Store key updates by direction.",
		},
		[]string{"direction"},
	)
	hostPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framelink",
			Subsystem: "host",
			Name:      "peers",
			Help:      "Links currently attached to a host.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			channelFrames, channelRejected, channelTransitions,
			rpcCalls, rpcDuration,
			storeUpdates,
			hostPeers,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one envelope; direction is "in" or "out".
func RecordFrame(role, direction, event string) {
	RegisterMetrics()
	channelFrames.WithLabelValues(role, direction, event).Inc()
}

func RecordRejectedFrame(role, reason string) {
	RegisterMetrics()
	channelRejected.WithLabelValues(role, reason).Inc()
}

func RecordTransition(role, state string) {
	RegisterMetrics()
	channelTransitions.WithLabelValues(role, state).Inc()
}

// RecordRPCServed counts a handled request on the answering side.
func RecordRPCServed(name string, success bool) {
	RegisterMetrics()
	rpcCalls.WithLabelValues("server", name, outcome(success)).Inc()
}

// RecordRPCSettled counts a settled call on the calling side.
func RecordRPCSettled(name string, success bool, duration time.Duration) {
	RegisterMetrics()
	label := outcome(success)
	rpcCalls.WithLabelValues("client", name, label).Inc()
	rpcDuration.WithLabelValues(name, label).Observe(duration.Seconds())
}

func RecordStoreUpdate(direction string, keys int) {
	RegisterMetrics()
	storeUpdates.WithLabelValues(direction).Add(float64(keys))
}

func SetHostPeers(node string, peers int) {
	RegisterMetrics()
	hostPeers.WithLabelValues(node).Set(float64(peers))
}

func outcome(success bool) string {
	if success {
		return "resolved"
	}
	return "rejected"
}
