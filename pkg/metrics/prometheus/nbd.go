package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lfany/nbdkit-go/pkg/metrics"
)

// nbdMetrics is the Prometheus implementation of metrics.NBDMetrics,
// grounded on the counter/histogram/gauge layout of cacheMetrics in
// cache.go, retuned for NBD's domain.
type nbdMetrics struct {
	connectionsAccepted   prometheus.Counter
	connectionsClosed     prometheus.Counter
	connectionsForceClose prometheus.Counter
	activeConnections     prometheus.Gauge

	handshakes *prometheus.CounterVec
	options    *prometheus.CounterVec

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	bytesMoved      *prometheus.CounterVec
}

// NewNBDMetrics creates a Prometheus-backed NBDMetrics instance, or returns
// nil if metrics.InitRegistry was never called.
func NewNBDMetrics() metrics.NBDMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &nbdMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbd_connections_accepted_total",
			Help: "Total number of accepted NBD connections.",
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbd_connections_closed_total",
			Help: "Total number of NBD connections closed gracefully.",
		}),
		connectionsForceClose: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbd_connections_force_closed_total",
			Help: "Total number of NBD connections force-closed after the shutdown timeout.",
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "nbd_active_connections",
			Help: "Current number of active NBD connections.",
		}),
		handshakes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_handshakes_total",
			Help: "Total completed handshakes by dialect, TLS status, and outcome.",
		}, []string{"dialect", "tls", "outcome"}),
		options: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_options_total",
			Help: "Total option-phase exchanges by option name and outcome.",
		}, []string{"option", "outcome"}),
		commands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_commands_total",
			Help: "Total request-loop commands by name and wire error.",
		}, []string{"command", "wire_error"}),
		commandDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name: "nbd_command_duration_milliseconds",
			Help: "Duration of request-loop dispatch by command.",
			Buckets: []float64{
				0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000,
			},
		}, []string{"command"}),
		bytesMoved: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_bytes_total",
			Help: "Total payload bytes moved by READ and WRITE.",
		}, []string{"command"}),
	}
}

func (m *nbdMetrics) RecordConnectionAccepted()   { m.connectionsAccepted.Inc() }
func (m *nbdMetrics) RecordConnectionClosed()      { m.connectionsClosed.Inc() }
func (m *nbdMetrics) RecordConnectionForceClosed() { m.connectionsForceClose.Inc() }

func (m *nbdMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *nbdMetrics) RecordHandshake(dialect string, tls bool, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	tlsLabel := "off"
	if tls {
		tlsLabel = "on"
	}
	m.handshakes.WithLabelValues(dialect, tlsLabel, outcome).Inc()
}

func (m *nbdMetrics) RecordOption(option string, outcome string) {
	m.options.WithLabelValues(option, outcome).Inc()
}

func (m *nbdMetrics) RecordCommand(command string, duration time.Duration, wireError string) {
	m.commands.WithLabelValues(command, wireError).Inc()
	m.commandDuration.WithLabelValues(command).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *nbdMetrics) RecordBytesTransferred(command string, bytes uint64) {
	m.bytesMoved.WithLabelValues(command).Add(float64(bytes))
}
