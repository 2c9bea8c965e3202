package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the endpoint meters. All
// recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	Registry           *prometheus.Registry
	MessagesReceived   *prometheus.CounterVec
	ResponsesPublished *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	FailuresTotal      *prometheus.CounterVec
	ReconnectsTotal    *prometheus.CounterVec
	ConnectionUp       *prometheus.GaugeVec
}

// NewMetrics creates a custom Prometheus registry with the endpoint metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_endpoint_messages_received_total",
		Help: "Total number of request messages received.",
	}, []string{"queue"})

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_endpoint_responses_published_total",
		Help: "Total number of responses published.",
	}, []string{"exchange", "routing_key"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amqp_endpoint_processing_duration_seconds",
		Help:    "Time spent decoding, handling and encoding a request.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_endpoint_failures_total",
		Help: "Total number of processing failures by stage.",
	}, []string{"stage"})

	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_endpoint_reconnects_total",
		Help: "Total number of reconnect attempts.",
	}, []string{"queue"})

	up := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amqp_endpoint_connection_up",
		Help: "1 while the endpoint is consuming, 0 otherwise.",
	}, []string{"queue"})

	reg.MustRegister(received, published, duration, failures, reconnects, up)

	return &Metrics{
		Registry:           reg,
		MessagesReceived:   received,
		ResponsesPublished: published,
		ProcessingDuration: duration,
		FailuresTotal:      failures,
		ReconnectsTotal:    reconnects,
		ConnectionUp:       up,
	}
}

// MessageReceived counts one delivery taken off queue.
func (m *Metrics) MessageReceived(queue string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(queue).Inc()
}

// ResponsePublished counts one response sent.
func (m *Metrics) ResponsePublished(exchange, routingKey string) {
	if m == nil {
		return
	}
	m.ResponsesPublished.WithLabelValues(exchange, routingKey).Inc()
}

// ObserveProcessing records how long one request took and how it ended.
func (m *Metrics) ObserveProcessing(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Failure counts a failure at the given stage (decode, handler, encode, error_handler).
func (m *Metrics) Failure(stage string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(stage).Inc()
}

// Reconnect counts a reconnect attempt.
func (m *Metrics) Reconnect(queue string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(queue).Inc()
}

// SetConnected flips the connection gauge.
func (m *Metrics) SetConnected(queue string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ConnectionUp.WithLabelValues(queue).Set(v)
}
