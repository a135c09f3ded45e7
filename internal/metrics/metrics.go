package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the relay. All methods are safe
// to call on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	registry            *prometheus.Registry
	activeChannels      prometheus.Gauge
	activeSessions      prometheus.Gauge
	chunksReceived      prometheus.Counter
	bytesReceived       prometheus.Counter
	sendFailures        prometheus.Counter
	admissionsRejected  prometheus.Counter
	decoderStarts       prometheus.Counter
	decoderExits        prometheus.Counter
	decoderStartFailure prometheus.Counter
	panicsRecovered     *prometheus.CounterVec
}

// New creates and registers the relay metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_channels",
			Help: "Number of channels currently in the registry",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of registered client sessions",
		}),
		chunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_received_total",
			Help: "Total number of chunks read from decoder sockets",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_received_total",
			Help: "Total number of bytes read from decoder sockets",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Total number of chunk deliveries that failed for a session",
		}),
		admissionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_admissions_rejected_total",
			Help: "Total number of connections rejected by the per-channel limit",
		}),
		decoderStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_decoder_starts_total",
			Help: "Total number of decoder processes spawned",
		}),
		decoderExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_decoder_exits_total",
			Help: "Total number of decoder processes that exited on their own",
		}),
		decoderStartFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_decoder_start_failures_total",
			Help: "Total number of channel starts that failed",
		}),
		panicsRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_panics_recovered_total",
			Help: "Total number of panics recovered in connection event handlers",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.activeChannels,
		m.activeSessions,
		m.chunksReceived,
		m.bytesReceived,
		m.sendFailures,
		m.admissionsRejected,
		m.decoderStarts,
		m.decoderExits,
		m.decoderStartFailure,
		m.panicsRecovered,
	)

	return m
}

// SetActiveChannels sets the active channels gauge.
func (m *Metrics) SetActiveChannels(n int) {
	if m == nil {
		return
	}
	m.activeChannels.Set(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// ChunkReceived records one chunk of n bytes read from a decoder.
func (m *Metrics) ChunkReceived(n int) {
	if m == nil {
		return
	}
	m.chunksReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) IncSendFailures() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) IncAdmissionsRejected() {
	if m == nil {
		return
	}
	m.admissionsRejected.Inc()
}

func (m *Metrics) IncDecoderStarts() {
	if m == nil {
		return
	}
	m.decoderStarts.Inc()
}

func (m *Metrics) IncDecoderExits() {
	if m == nil {
		return
	}
	m.decoderExits.Inc()
}

func (m *Metrics) IncDecoderStartFailures() {
	if m == nil {
		return
	}
	m.decoderStartFailure.Inc()
}

// IncPanicsRecovered counts a panic recovered while handling event.
func (m *Metrics) IncPanicsRecovered(event string) {
	if m == nil {
		return
	}
	m.panicsRecovered.WithLabelValues(event).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
