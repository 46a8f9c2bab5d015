package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// Publisher publishes messages on pooled confirm channels and returns only
// after the broker has acknowledged them
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker
	breakerConfig  gobreaker.Settings
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirmation when the
// caller's context has no deadline
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithCircuitBreaker trips the breaker after the given number of
// consecutive failures and probes again after openTimeout
func WithCircuitBreaker(consecutiveFailures uint32, openTimeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.breakerConfig.Timeout = openTimeout
		p.breakerConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
		breakerConfig: gobreaker.Settings{
			Name:        "rabbitmq-publisher",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}

	for _, opt := range options {
		opt(p)
	}

	settings := p.breakerConfig
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		p.logger.Warn("publisher circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String())
	}
	p.breaker = gobreaker.NewCircuitBreaker(settings)

	return p
}

// Publish publishes a message and waits for the broker confirmation
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publishWithConfirm(ctx, exchange, routingKey, msg)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// BreakerState returns the circuit breaker state
func (p *Publisher) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// publishWithConfirm publishes a single message with confirmation
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.pool.Execute(ctx, func(ch *PooledChannel) error {
		confirmation, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			msg,
		)
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
		if confirmation == nil {
			return fmt.Errorf("%w: channel is not in confirm mode", ErrPublishNotConfirmed)
		}

		acked, err := confirmation.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
		}
		if !acked {
			return ErrPublishNotConfirmed
		}
		return nil
	})
}
