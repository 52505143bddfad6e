// Package metrics holds the prometheus collectors for the gateway. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adt_gateway"

type Metrics struct {
	registry *prometheus.Registry

	// Connection manager
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected prometheus.Counter
	framingErrors       prometheus.Counter

	// Processing
	received   prometheus.Counter
	processed  *prometheus.CounterVec   // message_type, ack_code
	duration   *prometheus.HistogramVec // message_type
	unroutable prometheus.Counter
	duplicates prometheus.Counter
	warnings   *prometheus.CounterVec // code
	timeouts   prometheus.Counter

	// Outbound
	outbound *prometheus.CounterVec // result: delivered, nak, failed
}

// New creates the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mllp",
			Name:      "connections_active",
			Help:      "Open inbound MLLP connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mllp",
			Name:      "connections_total",
			Help:      "Accepted inbound MLLP connections",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mllp",
			Name:      "connections_rejected_total",
			Help:      "Connections refused at the connection ceiling",
		}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mllp",
			Name:      "framing_errors_total",
			Help:      "Malformed frames discarded",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_received_total",
			Help:      "Messages received for processing",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_processed_total",
			Help:      "Messages processed, by type and acknowledgment code",
		}, []string{"message_type", "ack_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "processing_duration_seconds",
			Help:      "End-to-end processing time per message",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"message_type"}),
		unroutable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "unroutable_total",
			Help:      "Messages without a handler",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "duplicates_total",
			Help:      "Messages recognised as retries of an already processed message",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "warnings_total",
			Help:      "Warnings attached to processed messages, by error code",
		}, []string{"code"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "timeouts_total",
			Help:      "Messages abandoned at the processing timeout",
		}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries, by result",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsActive, m.connectionsTotal, m.connectionsRejected, m.framingErrors,
		m.received, m.processed, m.duration, m.unroutable, m.duplicates, m.warnings, m.timeouts,
		m.outbound,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) FramingError() {
	if m == nil {
		return
	}
	m.framingErrors.Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

// MessageProcessed records one finished message. warningCodes holds the
// table 0357 code of every warning it carried.
func (m *Metrics) MessageProcessed(messageType, ackCode string, d time.Duration, unroutable, duplicate bool, warningCodes []string) {
	if m == nil {
		return
	}
	if messageType == "" {
		messageType = "unknown"
	}
	m.processed.WithLabelValues(messageType, ackCode).Inc()
	m.duration.WithLabelValues(messageType).Observe(d.Seconds())
	if unroutable {
		m.unroutable.Inc()
	}
	if duplicate {
		m.duplicates.Inc()
	}
	for _, code := range warningCodes {
		m.warnings.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) Timeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// Outbound records a delivery result: delivered, nak or failed.
func (m *Metrics) Outbound(result string) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(result).Inc()
}
