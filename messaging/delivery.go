package messaging

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Settlement records how a delivery was resolved
type Settlement int

const (
	Unsettled Settlement = iota
	Acked
	Nacked
	Rejected
	// Abandoned means the channel went away before settlement; the broker
	// redelivers the message
	Abandoned
)

func (s Settlement) String() string {
	switch s {
	case Acked:
		return "acked"
	case Nacked:
		return "nacked"
	case Rejected:
		return "rejected"
	case Abandoned:
		return "abandoned"
	default:
		return "unsettled"
	}
}

// DeliveryContext owns the acknowledgement obligation of one delivery. The
// first Ack, Nack or Reject settles it; later calls return ErrAlreadySettled
// without reaching the broker.
type DeliveryContext struct {
	Delivery   amqp.Delivery
	Queue      string
	Generation uint64

	isCurrent  func(generation uint64) bool
	mu         sync.Mutex
	settlement Settlement
}

// NewDeliveryContext wraps a delivery received on a channel of the given
// generation. isCurrent may be nil when generations are not tracked.
func NewDeliveryContext(delivery amqp.Delivery, queue string, generation uint64, isCurrent func(uint64) bool) *DeliveryContext {
	return &DeliveryContext{
		Delivery:   delivery,
		Queue:      queue,
		Generation: generation,
		isCurrent:  isCurrent,
	}
}

// Ack acknowledges the delivery
func (dc *DeliveryContext) Ack() error {
	return dc.settle(Acked, func() error {
		return dc.Delivery.Ack(false)
	})
}

// Nack negatively acknowledges the delivery
func (dc *DeliveryContext) Nack(requeue bool) error {
	return dc.settle(Nacked, func() error {
		return dc.Delivery.Nack(false, requeue)
	})
}

// Reject rejects the delivery. With requeue false the queue's dead-letter
// exchange receives the raw message.
func (dc *DeliveryContext) Reject(requeue bool) error {
	return dc.settle(Rejected, func() error {
		return dc.Delivery.Reject(requeue)
	})
}

// Settlement returns how the delivery was resolved so far
func (dc *DeliveryContext) Settlement() Settlement {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.settlement
}

func (dc *DeliveryContext) settle(as Settlement, fn func() error) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.settlement != Unsettled {
		return ErrAlreadySettled
	}

	if dc.isCurrent != nil && !dc.isCurrent(dc.Generation) {
		dc.settlement = Abandoned
		return fmt.Errorf("%w: generation %d", ErrStaleDelivery, dc.Generation)
	}

	dc.settlement = as
	if err := fn(); err != nil {
		return fmt.Errorf("messaging: %s delivery %d: %w", as, dc.Delivery.DeliveryTag, err)
	}
	return nil
}
