package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cotgate/errors"
)

const namespace = "cotgate"

// Metrics contains the gateway core metrics
type Metrics struct {
	NodesActive      prometheus.Gauge
	NodesEvicted     prometheus.Counter
	EnvelopesSent    *prometheus.CounterVec
	EnvelopesDropped *prometheus.CounterVec
	InboundRejected  *prometheus.CounterVec
	DeviceOpDuration *prometheus.HistogramVec
	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
	BrokerFramesRead prometheus.Counter
	BrokerOutboxWait prometheus.Counter
	AdapterContacts  *prometheus.CounterVec
}

// NewMetrics creates the gateway core metrics. They are registered by
// NewMetricsRegistry; a bare Metrics is usable in tests without registration.
func NewMetrics() *Metrics {
	return &Metrics{
		NodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_active",
			Help:      "Number of nodes currently in the registry",
		}),

		NodesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_evicted_total",
			Help:      "Total number of nodes removed by the dead-node reaper",
		}),

		EnvelopesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "envelopes",
				Name:      "sent_total",
				Help:      "Envelopes handed to the broker link by type",
			},
			[]string{"type"},
		),

		EnvelopesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "envelopes",
				Name:      "dropped_total",
				Help:      "Envelopes not delivered to the broker by reason",
			},
			[]string{"reason"},
		),

		InboundRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "inbound",
				Name:      "rejected_total",
				Help:      "Inbound broker or device messages dropped by reason",
			},
			[]string{"source", "reason"},
		),

		DeviceOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "operation_duration_seconds",
				Help:      "Device discovery and update duration",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation", "status"},
		),

		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Broker link state (0=disconnected, 1=connected)",
		}),

		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total number of broker connection attempts after a failure",
		}),

		BrokerFramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "frames_read_total",
			Help:      "Total number of frames read from the broker",
		}),

		BrokerOutboxWait: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "outbox_waits_total",
			Help:      "Sends that found the outbox full and waited for the writer",
		}),

		AdapterContacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "contacts_total",
				Help:      "Device check-ins by protocol and kind (new, alive, reset)",
			},
			[]string{"protocol", "kind"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.NodesActive,
		c.NodesEvicted,
		c.EnvelopesSent,
		c.EnvelopesDropped,
		c.InboundRejected,
		c.DeviceOpDuration,
		c.BrokerConnected,
		c.BrokerReconnects,
		c.BrokerFramesRead,
		c.BrokerOutboxWait,
		c.AdapterContacts,
	}
}

// RecordNodes sets the live node gauge
func (c *Metrics) RecordNodes(n int) {
	c.NodesActive.Set(float64(n))
}

// RecordEviction counts reaped nodes
func (c *Metrics) RecordEviction(n int) {
	c.NodesEvicted.Add(float64(n))
}

// RecordEnvelope counts an envelope handed to the broker link, or dropped
// because the link refused it.
func (c *Metrics) RecordEnvelope(envelopeType string, delivered bool) {
	if delivered {
		c.EnvelopesSent.WithLabelValues(envelopeType).Inc()
		return
	}
	c.EnvelopesDropped.WithLabelValues("link_down").Inc()
}

// RecordDrop counts an envelope dropped before reaching the link
func (c *Metrics) RecordDrop(reason string) {
	c.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// RecordRejected counts an inbound message dropped by validation
func (c *Metrics) RecordRejected(source, reason string) {
	c.InboundRejected.WithLabelValues(source, reason).Inc()
}

// RecordDeviceOp records a device discovery or update duration. Failures
// are labelled by error class.
func (c *Metrics) RecordDeviceOp(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = errors.Classify(err).String()
	}
	c.DeviceOpDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordBrokerStatus updates the broker connection gauge
func (c *Metrics) RecordBrokerStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.Set(value)
}

// RecordBrokerReconnect increments the reconnection counter
func (c *Metrics) RecordBrokerReconnect() {
	c.BrokerReconnects.Inc()
}

// RecordBrokerFrame counts a frame read from the broker
func (c *Metrics) RecordBrokerFrame() {
	c.BrokerFramesRead.Inc()
}

// RecordOutboxWait counts a send that had to wait for the link writer
func (c *Metrics) RecordOutboxWait() {
	c.BrokerOutboxWait.Inc()
}

// RecordContact counts a device check-in
func (c *Metrics) RecordContact(protocol, kind string) {
	c.AdapterContacts.WithLabelValues(protocol, kind).Inc()
}
