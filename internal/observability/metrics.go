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
			Namespace: "netron",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netron",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netron",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Peer get/set/task requests by direction and outcome.",
		},
		[]string{"node", "direction", "action", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netron",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Peer request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "direction", "action"},
	)
	taskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netron",
			Name:      "tasks_total",
			Help:      "Task executions by name and outcome.",
		},
		[]string{"task", "status"},
	)
	peersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "netron",
			Name:      "peers_connected",
			Help:      "Remote peers currently connected.",
		},
	)
)

// Directions for RecordRPC.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionLocal    = "local"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, rpcRequests, rpcDuration, taskRuns, peersConnected)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRPC(node, direction, action string, err error, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(node, direction, action, statusLabel(err)).Inc()
	rpcDuration.WithLabelValues(node, direction, action).Observe(duration.Seconds())
}

func RecordTask(task string, err error) {
	RegisterMetrics()
	taskRuns.WithLabelValues(task, statusLabel(err)).Inc()
}

func PeerConnected() {
	RegisterMetrics()
	peersConnected.Inc()
}

func PeerDisconnected() {
	RegisterMetrics()
	peersConnected.Dec()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
