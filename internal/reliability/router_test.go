package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, env *contracts.Envelope, dest contracts.Destination) error {
	args := m.Called(ctx, env, dest)
	return args.Error(0)
}

type mockSettler struct {
	mock.Mock
}

func (m *mockSettler) Ack() error {
	return m.Called().Error(0)
}

func (m *mockSettler) Nack(requeue bool) error {
	return m.Called(requeue).Error(0)
}

type mockDeclarer struct {
	mock.Mock
}

func (m *mockDeclarer) DeclareTopology(ctx context.Context, topology rabbitmq.Topology) error {
	return m.Called(ctx, topology).Error(0)
}

func testDestinations() Destinations {
	return Destinations{
		PrimaryExchange:    "logistics",
		PrimaryQueue:       "logistic-request",
		RetryExchange:      "logistics.retry",
		RetryQueue:         "logistic-request.retry",
		DeadLetterExchange: "logistics.dlx",
		DeadLetterQueue:    "logistic-request.dlq",
	}
}

func testPolicy() *ExponentialBackoff {
	policy := NewExponentialBackoff(time.Second, 10*time.Second, 2, 3)
	policy.Jitter = false
	return policy
}

func shipmentCreated(attempt int) *contracts.Envelope {
	env := contracts.NewEnvelope("ShipmentCreated", json.RawMessage(`{"shipmentId":"s-1"}`), contracts.WithEnvelopeID("m1"))
	for i := 0; i < attempt; i++ {
		env = env.NextAttempt()
	}
	return env
}

type routerFixture struct {
	publisher *mockPublisher
	declarer  *mockDeclarer
	settler   *mockSettler
	router    *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	f := &routerFixture{
		publisher: &mockPublisher{},
		declarer:  &mockDeclarer{},
		settler:   &mockSettler{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewDelayScheduler(f.declarer, testDestinations(), logger)

	router, err := NewRouter(f.publisher, scheduler, testPolicy(), testDestinations().DeadLetter(), WithRouterLogger(logger))
	require.NoError(t, err)
	f.router = router
	return f
}

func TestRouter_RetryBelowLimit(t *testing.T) {
	f := newRouterFixture(t)
	original := shipmentCreated(0)

	f.declarer.On("DeclareTopology", mock.Anything, mock.MatchedBy(func(top rabbitmq.Topology) bool {
		return len(top.Queues) == 1 && top.Queues[0].Name == "logistic-request.retry.1000ms" &&
			top.Queues[0].Arguments["x-message-ttl"] == int64(1000) &&
			top.Queues[0].Arguments["x-dead-letter-exchange"] == "logistics" &&
			top.Queues[0].Arguments["x-dead-letter-routing-key"] == "logistic-request"
	})).Return(nil).Once()

	f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(env *contracts.Envelope) bool {
		return env.ID == "m1" && env.AttemptCount == 1
	}), mock.MatchedBy(func(dest contracts.Destination) bool {
		return dest.Exchange == "logistics.retry" &&
			dest.RoutingKey == "logistic-request.retry.1000ms" &&
			dest.Headers[HeaderRetryReason] == "timeout"
	})).Return(nil).Once()

	f.settler.On("Ack").Return(nil).Once()

	routing, err := f.router.Retry(context.Background(), Failure{Envelope: original, Queue: "logistic-request", Reason: "timeout"}, f.settler)
	require.NoError(t, err)

	assert.Equal(t, DecisionRetried, routing.Decision)
	assert.Equal(t, time.Second, routing.Delay)
	assert.Equal(t, 1, routing.Attempt)
	assert.Equal(t, 0, original.AttemptCount)

	f.publisher.AssertNumberOfCalls(t, "Publish", 1)
	f.settler.AssertNumberOfCalls(t, "Ack", 1)
	f.settler.AssertNotCalled(t, "Nack", mock.Anything)
	f.declarer.AssertExpectations(t)
}

func TestRouter_RetryDeclaresDelayQueueOnce(t *testing.T) {
	f := newRouterFixture(t)

	f.declarer.On("DeclareTopology", mock.Anything, mock.Anything).Return(nil).Once()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.settler.On("Ack").Return(nil)

	for i := 0; i < 3; i++ {
		_, err := f.router.Retry(context.Background(), Failure{Envelope: shipmentCreated(0), Reason: "timeout"}, f.settler)
		require.NoError(t, err)
	}

	f.declarer.AssertNumberOfCalls(t, "DeclareTopology", 1)
}

func TestRouter_RetryAtLimitDeadLetters(t *testing.T) {
	f := newRouterFixture(t)
	original := shipmentCreated(3)

	f.publisher.On("Publish", mock.Anything, original, mock.MatchedBy(func(dest contracts.Destination) bool {
		return dest.Exchange == "logistics.dlx" &&
			dest.RoutingKey == "logistic-request.dlq" &&
			dest.Headers[HeaderFailureKind] == "retries_exhausted" &&
			dest.Headers[HeaderFailureReason] == "timeout" &&
			dest.Headers[HeaderOriginalQueue] == "logistic-request"
	})).Return(nil).Once()
	f.settler.On("Ack").Return(nil).Once()

	routing, err := f.router.Retry(context.Background(), Failure{Envelope: original, Queue: "logistic-request", Reason: "timeout"}, f.settler)
	require.NoError(t, err)

	assert.Equal(t, DecisionDeadLettered, routing.Decision)
	assert.Equal(t, KindRetriesExhausted, routing.Kind)
	assert.Equal(t, 3, original.AttemptCount)
	f.declarer.AssertNotCalled(t, "DeclareTopology", mock.Anything, mock.Anything)
	f.publisher.AssertExpectations(t)
	f.settler.AssertExpectations(t)
}

func TestRouter_DeadLetter(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		f := newRouterFixture(t)
		env := contracts.NewEnvelope("Unknown", json.RawMessage(`{}`))

		f.publisher.On("Publish", mock.Anything, env, mock.MatchedBy(func(dest contracts.Destination) bool {
			return dest.Headers[HeaderFailureKind] == "unknown_type"
		})).Return(nil).Once()
		f.settler.On("Ack").Return(nil).Once()

		routing, err := f.router.DeadLetter(context.Background(), Failure{Envelope: env, Kind: KindUnknownType, Reason: "no handler"}, f.settler)
		require.NoError(t, err)
		assert.Equal(t, DecisionDeadLettered, routing.Decision)
		assert.True(t, routing.Decision.Terminal())
	})

	t.Run("defaults to fatal", func(t *testing.T) {
		f := newRouterFixture(t)

		f.publisher.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(dest contracts.Destination) bool {
			return dest.Headers[HeaderFailureKind] == "fatal"
		})).Return(nil).Once()
		f.settler.On("Ack").Return(nil).Once()

		routing, err := f.router.DeadLetter(context.Background(), Failure{Envelope: shipmentCreated(1), Reason: "bad address"}, f.settler)
		require.NoError(t, err)
		assert.Equal(t, KindFatal, routing.Kind)
	})
}

func TestRouter_PublishFailureRequeues(t *testing.T) {
	publishErr := &contracts.TransientPublishError{EnvelopeID: "m1", Err: errors.New("channel closed")}

	t.Run("retry publish", func(t *testing.T) {
		f := newRouterFixture(t)
		f.declarer.On("DeclareTopology", mock.Anything, mock.Anything).Return(nil)
		f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(publishErr).Once()
		f.settler.On("Nack", true).Return(nil).Once()

		routing, err := f.router.Retry(context.Background(), Failure{Envelope: shipmentCreated(0), Reason: "timeout"}, f.settler)
		require.Error(t, err)

		var routingErr *RoutingError
		require.ErrorAs(t, err, &routingErr)
		assert.Equal(t, "publish retry", routingErr.Op)
		assert.True(t, contracts.IsTransient(err))
		assert.Equal(t, DecisionRequeued, routing.Decision)
		assert.False(t, routing.Decision.Terminal())
		f.settler.AssertNotCalled(t, "Ack")
		f.settler.AssertExpectations(t)
	})

	t.Run("delay queue declaration", func(t *testing.T) {
		f := newRouterFixture(t)
		f.declarer.On("DeclareTopology", mock.Anything, mock.Anything).Return(errors.New("access refused")).Once()
		f.settler.On("Nack", true).Return(nil).Once()

		routing, err := f.router.Retry(context.Background(), Failure{Envelope: shipmentCreated(0), Reason: "timeout"}, f.settler)
		require.Error(t, err)
		assert.Equal(t, DecisionRequeued, routing.Decision)
		f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("dead letter publish", func(t *testing.T) {
		f := newRouterFixture(t)
		f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(publishErr).Once()
		f.settler.On("Nack", true).Return(nil).Once()

		routing, err := f.router.DeadLetter(context.Background(), Failure{Envelope: shipmentCreated(0), Reason: "bad"}, f.settler)
		require.Error(t, err)
		assert.Equal(t, DecisionRequeued, routing.Decision)
		f.settler.AssertNotCalled(t, "Ack")
	})
}

func TestRouter_AckFailureAfterPublish(t *testing.T) {
	f := newRouterFixture(t)
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	f.settler.On("Ack").Return(errors.New("channel closed")).Once()

	routing, err := f.router.DeadLetter(context.Background(), Failure{Envelope: shipmentCreated(0), Reason: "bad"}, f.settler)
	require.Error(t, err)

	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, "ack", routingErr.Op)
	assert.Equal(t, DecisionDeadLettered, routing.Decision)
	f.settler.AssertNotCalled(t, "Nack", mock.Anything)
}

func TestNewRouter_Validation(t *testing.T) {
	scheduler := NewDelayScheduler(&mockDeclarer{}, testDestinations(), nil)

	_, err := NewRouter(nil, scheduler, testPolicy(), testDestinations().DeadLetter())
	assert.ErrorIs(t, err, ErrMissingPublisher)

	_, err = NewRouter(&mockPublisher{}, scheduler, nil, testDestinations().DeadLetter())
	assert.ErrorIs(t, err, ErrMissingPolicy)

	_, err = NewRouter(&mockPublisher{}, scheduler, testPolicy(), contracts.Destination{})
	assert.ErrorIs(t, err, ErrMissingDestination)

	router, err := NewRouter(&mockPublisher{}, scheduler, testPolicy(), testDestinations().DeadLetter())
	require.NoError(t, err)
	assert.Equal(t, 3, router.MaxAttempts())
}
