// Package metrics provides Prometheus metrics for the hardshare agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Control channel metrics
	ConnectionState prometheus.Gauge
	ReconnectsTotal prometheus.Counter
	HeartbeatsTotal prometheus.Counter
	FramesDropped   prometheus.Counter

	// Instance lifecycle metrics
	LaunchesTotal *prometheus.CounterVec
	DestroysTotal prometheus.Counter
	InstanceState *prometheus.GaugeVec
	RepliesTotal  *prometheus.CounterVec

	// Camera metrics
	CameraFramesSent    prometheus.Counter
	CameraFramesDropped prometheus.Counter

	// Monitor metrics
	MonitorFailures prometheus.Counter
}

// New creates a Metrics instance with all metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "connection_state",
				Help:      "Control channel state (1=connected, 0=disconnected).",
			},
		),

		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "reconnects_total",
				Help:      "Total number of control channel reconnection attempts.",
			},
		),

		HeartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "heartbeats_total",
				Help:      "Total number of WebSocket pings sent.",
			},
		),

		FramesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "frames_dropped_total",
				Help:      "Total number of malformed control frames discarded.",
			},
		),

		LaunchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "instance_launches_total",
				Help:      "Total number of instance launch attempts.",
			},
			[]string{"status"}, // success, failure
		),

		DestroysTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "instance_destroys_total",
				Help:      "Total number of instance destroy operations.",
			},
		),

		InstanceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "instance_state",
				Help:      "Current instance state (one state set to 1, or none).",
			},
			[]string{"state"},
		),

		RepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "replies_total",
				Help:      "Total number of ACK/NACK replies sent to the broker.",
			},
			[]string{"kind"}, // ack, nack
		),

		CameraFramesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "camera_frames_sent_total",
				Help:      "Total number of camera frames uploaded.",
			},
		),

		CameraFramesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "camera_frames_dropped_total",
				Help:      "Total number of camera frames dropped on a full send queue.",
			},
		),

		MonitorFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hardshare",
				Subsystem: "agent",
				Name:      "monitor_failures_total",
				Help:      "Total number of failed health monitor probes.",
			},
		),
	}

	registry.MustRegister(
		m.ConnectionState,
		m.ReconnectsTotal,
		m.HeartbeatsTotal,
		m.FramesDropped,
		m.LaunchesTotal,
		m.DestroysTotal,
		m.InstanceState,
		m.RepliesTotal,
		m.CameraFramesSent,
		m.CameraFramesDropped,
		m.MonitorFailures,
	)

	return m
}

// SetInstanceState sets the given state gauge to 1 and all others to 0.
// An empty state clears every gauge.
func (m *Metrics) SetInstanceState(state string) {
	for _, s := range []string{"INIT", "INIT_FAIL", "READY", "TERMINATING"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.InstanceState.WithLabelValues(s).Set(v)
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
		},
	)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
