package monitor

import (
	"sync"
	"time"

	"github.com/brocku/logistics/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "logistics"
	subsystem = "dispatch"
)

// Outcome labels for messages_total
const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRejected     = "rejected"
	OutcomeRequeued     = "requeued"
	OutcomeDuplicate    = "duplicate"
	OutcomeStale        = "stale"
)

// Metrics holds the dispatch Prometheus collectors. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	mu sync.Mutex

	messagesTotal     *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	publishTotal      *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	deadLettersTotal  *prometheus.CounterVec
	connectionState   prometheus.Gauge
	generation        prometheus.Gauge
	reconnectsTotal   prometheus.Counter
	reconnectAttempts prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the dispatch collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:        registerer,
		messagesTotal:     newCounterVec("messages_total", "Deliveries processed by queue, message type and outcome", []string{"queue", "type", "outcome"}),
		processingSeconds: newHistogramVec("processing_seconds", "Handler processing time by message type", prometheus.DefBuckets, []string{"type"}),
		publishTotal:      newCounterVec("publish_total", "Envelope publishes by exchange and result", []string{"exchange", "result"}),
		retriesTotal:      newCounterVec("retries_total", "Retries scheduled by message type", []string{"type"}),
		deadLettersTotal:  newCounterVec("dead_letters_total", "Envelopes dead-lettered by message type and failure kind", []string{"type", "kind"}),
		connectionState:   newGauge("connection_state", "Broker connection state (0 disconnected, 1 connecting, 2 connected, 3 closed)"),
		generation:        newGauge("connection_generation", "Number of broker connections established"),
		reconnectsTotal:   newCounter("reconnects_total", "Successful broker reconnects"),
		reconnectAttempts: newCounter("reconnect_attempts_total", "Broker reconnect attempts"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.processingSeconds,
		m.publishTotal,
		m.retriesTotal,
		m.deadLettersTotal,
		m.connectionState,
		m.generation,
		m.reconnectsTotal,
		m.reconnectAttempts,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordMessage counts a settled delivery
func (m *Metrics) RecordMessage(queue, messageType, outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(queue, messageType, outcome).Inc()
}

// ObserveProcessing records how long a handler ran
func (m *Metrics) ObserveProcessing(messageType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.processingSeconds.WithLabelValues(messageType).Observe(elapsed.Seconds())
}

// RecordPublish counts a publish attempt; a nil err is recorded as "ok"
func (m *Metrics) RecordPublish(exchange string, err error) {
	if m == nil {
		return
	}
	if exchange == "" {
		exchange = "(default)"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishTotal.WithLabelValues(exchange, result).Inc()
}

// RecordRetry counts a scheduled retry
func (m *Metrics) RecordRetry(messageType string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(messageType).Inc()
}

// RecordDeadLetter counts a dead-lettered envelope
func (m *Metrics) RecordDeadLetter(messageType, kind string) {
	if m == nil {
		return
	}
	m.deadLettersTotal.WithLabelValues(messageType, kind).Inc()
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnConnected(generation uint64) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(rabbitmq.StateConnected))
	m.generation.Set(float64(generation))
	if generation > 1 {
		m.reconnectsTotal.Inc()
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnDisconnected(err error) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(rabbitmq.StateDisconnected))
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnReconnecting(attempt int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(rabbitmq.StateConnecting))
	m.reconnectAttempts.Inc()
}

// SetConnectionState records a state change that no listener callback covers
func (m *Metrics) SetConnectionState(state rabbitmq.ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

var _ rabbitmq.ConnectionStateListener = (*Metrics)(nil)
