package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the SNet server
type Metrics struct {
	// Datagram metrics
	DatagramsReceived *prometheus.CounterVec
	DatagramsSent     *prometheus.CounterVec
	ParseErrors       prometheus.Counter
	OversizedSends    prometheus.Counter
	ReceiveErrors     prometheus.Counter

	// Connection metrics
	ConnectedClients    prometheus.Gauge
	PendingClients      prometheus.Gauge
	Connections         prometheus.Counter
	Disconnections      *prometheus.CounterVec
	ConnectionsRejected prometheus.Counter

	// Reliable delivery metrics
	ReliableInFlight   prometheus.Gauge
	ReliableSent       prometheus.Counter
	Retransmissions    prometheus.Counter
	Acknowledgments    prometheus.Counter
	DuplicateDelivered prometheus.Counter
	SweepDuration      prometheus.Histogram

	// Server queue metrics
	QueueSize       prometheus.Gauge
	QueueDrainSkips prometheus.Counter
	MessagesHandled *prometheus.CounterVec
	EnvelopeErrors  prometheus.Counter
	MessageLatency  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Datagram metrics
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snet_datagrams_received_total",
			Help: "Total number of datagrams received, by packet type",
		}, []string{"type"}),
		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snet_datagrams_sent_total",
			Help: "Total number of datagrams sent, by packet type",
		}, []string{"type"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_parse_errors_total",
			Help: "Total number of malformed datagrams dropped",
		}),
		OversizedSends: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_oversized_sends_total",
			Help: "Total number of sends rejected for exceeding the datagram ceiling",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_receive_errors_total",
			Help: "Total number of socket errors in the receive loop",
		}),

		// Connection metrics
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snet_connected_clients",
			Help: "Current number of connected clients",
		}),
		PendingClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snet_pending_clients",
			Help: "Current number of clients waiting for handshake confirmation",
		}),
		Connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_connections_total",
			Help: "Total number of completed handshakes",
		}),
		Disconnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snet_disconnections_total",
			Help: "Total number of disconnections, by reason",
		}, []string{"reason"}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_connections_rejected_total",
			Help: "Total number of connection attempts rejected because the server was full",
		}),

		// Reliable delivery metrics
		ReliableInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snet_reliable_in_flight",
			Help: "Current number of reliable packets awaiting acknowledgment",
		}),
		ReliableSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_reliable_sent_total",
			Help: "Total number of reliable packets created",
		}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_retransmissions_total",
			Help: "Total number of reliable datagrams resent by the sweep",
		}),
		Acknowledgments: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_acknowledgments_total",
			Help: "Total number of acknowledgments that completed a pending delivery",
		}),
		DuplicateDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_duplicate_reliable_total",
			Help: "Total number of inbound reliable datagrams suppressed as duplicates",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snet_sweep_duration_seconds",
			Help:    "Time spent in the timeout and retransmission sweep",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
		}),

		// Server queue metrics
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snet_receive_queue_size",
			Help: "Current number of datagrams waiting for the tick loop",
		}),
		QueueDrainSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_queue_drain_skips_total",
			Help: "Total number of ticks that skipped draining because the queue lock was busy",
		}),
		MessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snet_messages_handled_total",
			Help: "Total number of application messages dispatched, by result",
		}, []string{"result"}),
		EnvelopeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "snet_envelope_errors_total",
			Help: "Total number of application envelopes that failed to parse",
		}),
		MessageLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snet_message_latency_seconds",
			Help:    "One-way latency computed from the envelope send time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snet_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snet_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snet_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDatagramReceived increments the received counter for a packet type
func (m *Metrics) RecordDatagramReceived(packetType string) {
	m.DatagramsReceived.WithLabelValues(packetType).Inc()
}

// RecordDatagramSent increments the sent counter for a packet type
func (m *Metrics) RecordDatagramSent(packetType string) {
	m.DatagramsSent.WithLabelValues(packetType).Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordOversizedSend increments the oversized sends counter
func (m *Metrics) RecordOversizedSend() {
	m.OversizedSends.Inc()
}

// RecordReceiveError increments the receive errors counter
func (m *Metrics) RecordReceiveError() {
	m.ReceiveErrors.Inc()
}

// SetClients sets the connected and pending client gauges
func (m *Metrics) SetClients(connected, pending int) {
	m.ConnectedClients.Set(float64(connected))
	m.PendingClients.Set(float64(pending))
}

// RecordConnection increments the completed handshakes counter
func (m *Metrics) RecordConnection() {
	m.Connections.Inc()
}

// RecordDisconnection increments the disconnections counter for a reason
func (m *Metrics) RecordDisconnection(reason string) {
	m.Disconnections.WithLabelValues(reason).Inc()
}

// RecordConnectionRejected increments the rejected connections counter
func (m *Metrics) RecordConnectionRejected() {
	m.ConnectionsRejected.Inc()
}

// SetReliableInFlight sets the in-flight reliable packets gauge
func (m *Metrics) SetReliableInFlight(count int) {
	m.ReliableInFlight.Set(float64(count))
}

// RecordReliableSent increments the reliable packets counter
func (m *Metrics) RecordReliableSent() {
	m.ReliableSent.Inc()
}

// RecordRetransmission increments the retransmissions counter
func (m *Metrics) RecordRetransmission() {
	m.Retransmissions.Inc()
}

// RecordAcknowledgment increments the acknowledgments counter
func (m *Metrics) RecordAcknowledgment() {
	m.Acknowledgments.Inc()
}

// RecordDuplicateDelivery increments the suppressed duplicates counter
func (m *Metrics) RecordDuplicateDelivery() {
	m.DuplicateDelivered.Inc()
}

// RecordSweep records the duration of one sweep
func (m *Metrics) RecordSweep(durationSeconds float64) {
	m.SweepDuration.Observe(durationSeconds)
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// RecordQueueDrainSkip increments the skipped drains counter
func (m *Metrics) RecordQueueDrainSkip() {
	m.QueueDrainSkips.Inc()
}

// RecordMessageHandled records a dispatched message and its latency
func (m *Metrics) RecordMessageHandled(result string, latencySeconds float64) {
	m.MessagesHandled.WithLabelValues(result).Inc()
	m.MessageLatency.Observe(latencySeconds)
}

// RecordEnvelopeError increments the envelope errors counter
func (m *Metrics) RecordEnvelopeError() {
	m.EnvelopeErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
