package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyDeclarer declares broker topology
type TopologyDeclarer interface {
	DeclareTopology(ctx context.Context, topology rabbitmq.Topology) error
}

// RetryScheduler resolves where an envelope must be published to come back
// to the primary queue after delay
type RetryScheduler interface {
	Destination(ctx context.Context, delay time.Duration) (contracts.Destination, error)
}

// DelayScheduler implements RetryScheduler with one TTL queue per distinct
// delay. Messages expire from the delay queue and are dead-lettered back to
// the primary exchange, so redelivery is at-least-once.
type DelayScheduler struct {
	declarer     TopologyDeclarer
	destinations Destinations
	logger       *slog.Logger
	mu           sync.Mutex
	declared     map[string]bool
}

// NewDelayScheduler creates a delay queue scheduler
func NewDelayScheduler(declarer TopologyDeclarer, destinations Destinations, logger *slog.Logger) *DelayScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DelayScheduler{
		declarer:     declarer,
		destinations: destinations,
		logger:       logger,
		declared:     make(map[string]bool),
	}
}

// QueueName returns the delay queue used for delay
func (s *DelayScheduler) QueueName(delay time.Duration) string {
	return fmt.Sprintf("%s.%dms", s.destinations.RetryQueue, delay.Milliseconds())
}

// Destination implements RetryScheduler, declaring the delay queue on first use
func (s *DelayScheduler) Destination(ctx context.Context, delay time.Duration) (contracts.Destination, error) {
	if delay < 0 {
		delay = 0
	}

	name := s.QueueName(delay)
	if err := s.ensure(ctx, name, delay); err != nil {
		return contracts.Destination{}, err
	}

	return contracts.Destination{Exchange: s.destinations.RetryExchange, RoutingKey: name}, nil
}

// Prepare declares the delay queues for the given delays up front
func (s *DelayScheduler) Prepare(ctx context.Context, delays []time.Duration) error {
	for _, delay := range delays {
		if _, err := s.Destination(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

func (s *DelayScheduler) ensure(ctx context.Context, name string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.declared[name] {
		return nil
	}

	topology := rabbitmq.Topology{
		Queues: []rabbitmq.QueueDeclaration{{
			Name:    name,
			Durable: true,
			Arguments: amqp.Table{
				"x-message-ttl":             delay.Milliseconds(),
				"x-dead-letter-exchange":    s.destinations.PrimaryExchange,
				"x-dead-letter-routing-key": s.destinations.PrimaryQueue,
			},
		}},
	}
	if s.destinations.RetryExchange != "" {
		topology.Bindings = []rabbitmq.Binding{{
			Queue:      name,
			Exchange:   s.destinations.RetryExchange,
			RoutingKey: name,
		}}
	}

	if err := s.declarer.DeclareTopology(ctx, topology); err != nil {
		return fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}

	s.declared[name] = true
	s.logger.Debug("declared delay queue",
		"queue", name,
		"delay", delay,
		"targetQueue", s.destinations.PrimaryQueue)

	return nil
}
