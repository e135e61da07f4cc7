package netassist

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "netassist"

// Metrics holds the Prometheus collectors for sessions and hubs.
// All methods are safe on a nil receiver, which disables collection.
type Metrics struct {
	frames           *prometheus.CounterVec
	bytes            *prometheus.CounterVec
	errors           *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	connectedClients prometheus.Gauge
	periodicTicks    prometheus.Counter
	autoReplies      prometheus.Counter
	droppedDatagrams prometheus.Counter
}

// NewMetrics creates and registers the collectors. A nil registerer returns
// nil metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Frames moved through sessions",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frame_bytes_total",
			Help:      "Payload bytes moved through sessions",
		}, []string{"direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Session errors by kind",
		}, []string{"kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Sessions currently running",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_clients",
			Help:      "Clients registered across all hubs",
		}),
		periodicTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "periodic_ticks_total",
			Help:      "Periodic sends fired",
		}),
		autoReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auto_replies_total",
			Help:      "Auto-replies queued",
		}),
		droppedDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "udp",
			Name:      "dropped_datagrams_total",
			Help:      "Datagrams dropped because a peer queue was full or the hub was at capacity",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.frames, m.bytes, m.errors, m.activeSessions,
		m.connectedClients, m.periodicTicks, m.autoReplies, m.droppedDatagrams,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}

	return m, nil
}

func (m *Metrics) frame(dir Direction, n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(dir.String()).Inc()
	m.bytes.WithLabelValues(dir.String()).Add(float64(n))
}

func (m *Metrics) error(kind ErrorKind) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) sessionStopped() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) clientConnected() {
	if m == nil {
		return
	}
	m.connectedClients.Inc()
}

func (m *Metrics) clientDisconnected() {
	if m == nil {
		return
	}
	m.connectedClients.Dec()
}

func (m *Metrics) periodicTick() {
	if m == nil {
		return
	}
	m.periodicTicks.Inc()
}

func (m *Metrics) autoReply() {
	if m == nil {
		return
	}
	m.autoReplies.Inc()
}

func (m *Metrics) datagramDropped() {
	if m == nil {
		return
	}
	m.droppedDatagrams.Inc()
}
