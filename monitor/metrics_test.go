package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/brocku/logistics/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NoError(t, metrics.Register())
	return metrics, registry
}

func TestMetrics_Register(t *testing.T) {
	metrics, _ := newTestMetrics(t)
	assert.NoError(t, metrics.Register(), "second Register is a no-op")

	t.Run("tolerates collectors registered elsewhere", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		require.NoError(t, NewMetrics(registry).Register())
		assert.NoError(t, NewMetrics(registry).Register())
	})
}

func TestMetrics_Record(t *testing.T) {
	metrics, _ := newTestMetrics(t)

	metrics.RecordMessage("logistic-request", "RouteRequested", OutcomeAcked)
	metrics.RecordMessage("logistic-request", "RouteRequested", OutcomeAcked)
	metrics.RecordMessage("logistic-request", "RouteRequested", OutcomeRetried)
	metrics.RecordRetry("RouteRequested")
	metrics.RecordDeadLetter("RouteRequested", "retries_exhausted")
	metrics.RecordPublish("", nil)
	metrics.RecordPublish("logistics.retry", errors.New("nack"))
	metrics.ObserveProcessing("RouteRequested", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.messagesTotal.WithLabelValues("logistic-request", "RouteRequested", OutcomeAcked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesTotal.WithLabelValues("logistic-request", "RouteRequested", OutcomeRetried)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retriesTotal.WithLabelValues("RouteRequested")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deadLettersTotal.WithLabelValues("RouteRequested", "retries_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.publishTotal.WithLabelValues("(default)", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.publishTotal.WithLabelValues("logistics.retry", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.processingSeconds))
}

func TestMetrics_ConnectionListener(t *testing.T) {
	metrics, _ := newTestMetrics(t)

	metrics.OnConnected(1)
	assert.Equal(t, float64(rabbitmq.StateConnected), testutil.ToFloat64(metrics.connectionState))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.reconnectsTotal))

	metrics.OnDisconnected(errors.New("broker restart"))
	assert.Equal(t, float64(rabbitmq.StateDisconnected), testutil.ToFloat64(metrics.connectionState))

	metrics.OnReconnecting(1)
	metrics.OnReconnecting(2)
	assert.Equal(t, float64(rabbitmq.StateConnecting), testutil.ToFloat64(metrics.connectionState))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.reconnectAttempts))

	metrics.OnConnected(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconnectsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.generation))

	metrics.SetConnectionState(rabbitmq.StateClosed)
	assert.Equal(t, float64(rabbitmq.StateClosed), testutil.ToFloat64(metrics.connectionState))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var metrics *Metrics

	assert.NotPanics(t, func() {
		metrics.RecordMessage("q", "t", OutcomeAcked)
		metrics.RecordPublish("ex", nil)
		metrics.RecordRetry("t")
		metrics.RecordDeadLetter("t", "fatal")
		metrics.ObserveProcessing("t", time.Second)
		metrics.OnConnected(1)
		metrics.OnDisconnected(nil)
		metrics.OnReconnecting(1)
		metrics.SetConnectionState(rabbitmq.StateClosed)
	})
}

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(amqp.Queue), args.Error(1)
}

func TestQueueDepthCollector(t *testing.T) {
	inspector := &mockInspector{}
	inspector.On("InspectQueue", mock.Anything, "logistic-request").
		Return(amqp.Queue{Name: "logistic-request", Messages: 7, Consumers: 2}, nil)
	inspector.On("InspectQueue", mock.Anything, "logistic-request.dlq").
		Return(amqp.Queue{}, errors.New("NOT_FOUND"))

	collector := NewQueueDepthCollector(inspector, []string{"logistic-request", "logistic-request.dlq"}, nil)

	expected := `
# HELP logistics_queue_consumers Consumers attached to the queue
# TYPE logistics_queue_consumers gauge
logistics_queue_consumers{queue="logistic-request"} 2
# HELP logistics_queue_messages Ready messages in the queue
# TYPE logistics_queue_messages gauge
logistics_queue_messages{queue="logistic-request"} 7
# HELP logistics_queue_up Whether the last inspection of the queue succeeded
# TYPE logistics_queue_up gauge
logistics_queue_up{queue="logistic-request"} 1
logistics_queue_up{queue="logistic-request.dlq"} 0
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected)))
	inspector.AssertNumberOfCalls(t, "InspectQueue", 2)
}
