// Package metrics exposes signaling and call lifecycle counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Signaling channel metrics
	SignalingConnected()
	SignalingDisconnected()
	MessageSent(messageType string, sizeBytes int)
	MessageReceived(messageType string, sizeBytes int)
	MessageDropped(messageType, reason string)

	// Call lifecycle metrics
	CallStarted(direction, callType string)
	CallFinished(direction, callType, status string, duration time.Duration)
	MediaError(kind string)
	NegotiationError(stage string)

	// Relay metrics
	RelayClientConnected()
	RelayClientDisconnected()
	RelaySessionOpened()
	RelaySessionClosed(status string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	registry *prometheus.Registry

	// Signaling metrics
	signalingUp      prometheus.Gauge
	signalingConnect prometheus.Counter
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	messageSize      *prometheus.HistogramVec

	// Call metrics
	activeCalls   prometheus.Gauge
	callsStarted  *prometheus.CounterVec
	callsFinished *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	mediaErrors   *prometheus.CounterVec
	negErrors     *prometheus.CounterVec

	// Relay metrics
	relayClients   prometheus.Gauge
	relaySessions  prometheus.Gauge
	relaySessClose *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector on its own registry, so several
// collectors can coexist in one process (tests, agent + relay).
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		signalingUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_signaling_connected",
			Help: "1 while the signaling channel is open",
		}),
		signalingConnect: f.NewCounter(prometheus.CounterOpts{
			Name: "callcore_signaling_connects_total",
			Help: "Total number of signaling channel connections established",
		}),
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_signaling_messages_sent_total",
				Help: "Total number of signaling frames sent",
			},
			[]string{"message_type"},
		),
		messagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_signaling_messages_received_total",
				Help: "Total number of signaling frames received",
			},
			[]string{"message_type"},
		),
		messagesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_signaling_messages_dropped_total",
				Help: "Total number of signaling frames dropped",
			},
			[]string{"message_type", "reason"},
		),
		messageSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callcore_signaling_message_size_bytes",
				Help:    "Size of signaling frames in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64B to 32KB
			},
			[]string{"direction"},
		),

		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_active_calls",
			Help: "Number of calls currently in progress",
		}),
		callsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_calls_started_total",
				Help: "Total number of calls started",
			},
			[]string{"direction", "call_type"},
		),
		callsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_calls_finished_total",
				Help: "Total number of calls that reached a terminal state",
			},
			[]string{"direction", "call_type", "status"},
		),
		callDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callcore_call_duration_seconds",
				Help:    "Call duration from creation to terminal state",
				Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
			},
			[]string{"call_type", "status"},
		),
		mediaErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_media_errors_total",
				Help: "Total number of local media acquisition failures",
			},
			[]string{"kind"},
		),
		negErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_negotiation_errors_total",
				Help: "Total number of SDP/ICE negotiation failures",
			},
			[]string{"stage"},
		),

		relayClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_relay_clients",
			Help: "Number of websocket clients connected to the relay",
		}),
		relaySessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_relay_sessions",
			Help: "Number of call sessions tracked by the relay",
		}),
		relaySessClose: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_relay_sessions_closed_total",
				Help: "Total number of relay call sessions closed",
			},
			[]string{"status"},
		),
	}
}

func (c *PrometheusCollector) SignalingConnected() {
	c.signalingConnect.Inc()
	c.signalingUp.Set(1)
}

func (c *PrometheusCollector) SignalingDisconnected() {
	c.signalingUp.Set(0)
}

func (c *PrometheusCollector) MessageSent(messageType string, sizeBytes int) {
	c.messagesSent.WithLabelValues(messageType).Inc()
	c.messageSize.WithLabelValues("sent").Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageReceived(messageType string, sizeBytes int) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
	c.messageSize.WithLabelValues("received").Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageDropped(messageType, reason string) {
	c.messagesDropped.WithLabelValues(messageType, reason).Inc()
}

func (c *PrometheusCollector) CallStarted(direction, callType string) {
	c.callsStarted.WithLabelValues(direction, callType).Inc()
	c.activeCalls.Inc()
}

func (c *PrometheusCollector) CallFinished(direction, callType, status string, duration time.Duration) {
	c.callsFinished.WithLabelValues(direction, callType, status).Inc()
	c.callDuration.WithLabelValues(callType, status).Observe(duration.Seconds())
	c.activeCalls.Dec()
}

func (c *PrometheusCollector) MediaError(kind string) {
	c.mediaErrors.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) NegotiationError(stage string) {
	c.negErrors.WithLabelValues(stage).Inc()
}

func (c *PrometheusCollector) RelayClientConnected() { c.relayClients.Inc() }
func (c *PrometheusCollector) RelayClientDisconnected() { c.relayClients.Dec() }
func (c *PrometheusCollector) RelaySessionOpened() { c.relaySessions.Inc() }

func (c *PrometheusCollector) RelaySessionClosed(status string) {
	c.relaySessions.Dec()
	c.relaySessClose.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Nop discards everything. Used when metrics are disabled.
type Nop struct{}

func (Nop) SignalingConnected() {}
func (Nop) SignalingDisconnected() {}
func (Nop) MessageSent(string, int) {}
func (Nop) MessageReceived(string, int) {}
func (Nop) MessageDropped(string, string) {}
func (Nop) CallStarted(string, string) {}
func (Nop) CallFinished(string, string, string, time.Duration) {}
func (Nop) MediaError(string) {}
func (Nop) NegotiationError(string) {}
func (Nop) RelayClientConnected() {}
func (Nop) RelayClientDisconnected() {}
func (Nop) RelaySessionOpened() {}
func (Nop) RelaySessionClosed(string) {}
func (Nop) Handler() http.Handler { return http.NotFoundHandler() }
