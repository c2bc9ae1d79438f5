// Package metrics exposes Prometheus instrumentation for the pipeline,
// connection manager and transport. This is ambient observability, carried
// the same way aistore and go-tcpinfo in the retrieval pack both reach for
// client_golang rather than hand-rolled counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles everything the driver records. A nil *Metrics is valid
// and all methods become no-ops, so callers that don't want Prometheus
// wired in (e.g. unit tests) can pass nil without branching.
type Metrics struct {
	ProducerQueueDepth prometheus.Gauge
	ConsumerQueueDepth prometheus.Gauge
	CommandLatency     prometheus.Histogram
	ActiveConnections  prometheus.Gauge
	RingBufferDropped  prometheus.Counter
	AllocatorBytesUsed prometheus.Gauge
}

// NewAndRegister creates the metric set and registers it with reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewAndRegister(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProducerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "espat", Subsystem: "pipeline", Name: "producer_queue_depth",
			Help: "Number of messages waiting to be sent to the modem.",
		}),
		ConsumerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "espat", Subsystem: "pipeline", Name: "consumer_queue_depth",
			Help: "Number of events waiting for callback dispatch.",
		}),
		CommandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "espat", Subsystem: "pipeline", Name: "command_latency_seconds",
			Help:    "Round-trip time from command enqueue to terminal response.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "espat", Subsystem: "conn", Name: "active",
			Help: "Number of active logical connections.",
		}),
		RingBufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "espat", Subsystem: "transport", Name: "ring_buffer_dropped_total",
			Help: "Bytes dropped due to ring buffer overflow.",
		}),
		AllocatorBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "espat", Subsystem: "mem", Name: "bytes_used",
			Help: "Bytes currently allocated out of the memory arena.",
		}),
	}
	reg.MustRegister(
		m.ProducerQueueDepth,
		m.ConsumerQueueDepth,
		m.CommandLatency,
		m.ActiveConnections,
		m.RingBufferDropped,
		m.AllocatorBytesUsed,
	)
	return m
}

func (m *Metrics) setProducerDepth(n int) {
	if m == nil {
		return
	}
	m.ProducerQueueDepth.Set(float64(n))
}

func (m *Metrics) setConsumerDepth(n int) {
	if m == nil {
		return
	}
	m.ConsumerQueueDepth.Set(float64(n))
}

// SetProducerQueueDepth records the current producer queue length.
func (m *Metrics) SetProducerQueueDepth(n int) { m.setProducerDepth(n) }

// SetConsumerQueueDepth records the current consumer queue length.
func (m *Metrics) SetConsumerQueueDepth(n int) { m.setConsumerDepth(n) }

// ObserveCommandLatencySeconds records one command's round trip time.
func (m *Metrics) ObserveCommandLatencySeconds(seconds float64) {
	if m == nil {
		return
	}
	m.CommandLatency.Observe(seconds)
}

// SetActiveConnections records the current open-connection count.
func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

// AddRingBufferDropped adds to the dropped-byte counter.
func (m *Metrics) AddRingBufferDropped(n int) {
	if m == nil {
		return
	}
	m.RingBufferDropped.Add(float64(n))
}

// SetAllocatorBytesUsed records allocator usage.
func (m *Metrics) SetAllocatorBytesUsed(n int) {
	if m == nil {
		return
	}
	m.AllocatorBytesUsed.Set(float64(n))
}
