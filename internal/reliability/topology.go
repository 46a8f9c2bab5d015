package reliability

import (
	"fmt"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Destinations names the exchanges and queues of one dispatch pipeline.
// An empty exchange name means the broker's default exchange.
type Destinations struct {
	PrimaryExchange    string
	PrimaryQueue       string
	RetryExchange      string
	RetryQueue         string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// Validate checks that every queue is named
func (d Destinations) Validate() error {
	switch {
	case d.PrimaryQueue == "":
		return fmt.Errorf("%w: primary queue", ErrMissingDestination)
	case d.RetryQueue == "":
		return fmt.Errorf("%w: retry queue", ErrMissingDestination)
	case d.DeadLetterQueue == "":
		return fmt.Errorf("%w: dead-letter queue", ErrMissingDestination)
	}
	return nil
}

// Primary is where producers publish work
func (d Destinations) Primary() contracts.Destination {
	return contracts.Destination{Exchange: d.PrimaryExchange, RoutingKey: d.PrimaryQueue}
}

// DeadLetter is the terminal destination for failed envelopes
func (d Destinations) DeadLetter() contracts.Destination {
	return contracts.Destination{Exchange: d.DeadLetterExchange, RoutingKey: d.DeadLetterQueue}
}

// Topology declares the primary and dead-letter sides of the pipeline.
// The primary queue dead-letters rejected deliveries to the dead-letter
// queue. Retry delay queues are declared on demand by the DelayScheduler.
func (d Destinations) Topology() rabbitmq.Topology {
	var t rabbitmq.Topology

	for _, exchange := range []string{d.PrimaryExchange, d.RetryExchange, d.DeadLetterExchange} {
		if exchange == "" || containsExchange(t.Exchanges, exchange) {
			continue
		}
		t.Exchanges = append(t.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:    exchange,
			Type:    amqp.ExchangeDirect,
			Durable: true,
		})
	}

	t.Queues = append(t.Queues,
		rabbitmq.QueueDeclaration{
			Name:    d.DeadLetterQueue,
			Durable: true,
		},
		rabbitmq.QueueDeclaration{
			Name:    d.PrimaryQueue,
			Durable: true,
			Arguments: amqp.Table{
				"x-dead-letter-exchange":    d.DeadLetterExchange,
				"x-dead-letter-routing-key": d.DeadLetterQueue,
			},
		},
	)

	if d.PrimaryExchange != "" {
		t.Bindings = append(t.Bindings, rabbitmq.Binding{
			Queue:      d.PrimaryQueue,
			Exchange:   d.PrimaryExchange,
			RoutingKey: d.PrimaryQueue,
		})
	}
	if d.DeadLetterExchange != "" {
		t.Bindings = append(t.Bindings, rabbitmq.Binding{
			Queue:      d.DeadLetterQueue,
			Exchange:   d.DeadLetterExchange,
			RoutingKey: d.DeadLetterQueue,
		})
	}

	return t
}

func containsExchange(exchanges []rabbitmq.ExchangeDeclaration, name string) bool {
	for _, e := range exchanges {
		if e.Name == name {
			return true
		}
	}
	return false
}
