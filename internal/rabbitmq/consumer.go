package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler receives one delivery together with the generation of the
// channel it arrived on. It may block to apply backpressure.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery, generation uint64)

// Consumer subscribes to queues on dedicated channels and resubscribes after
// the connection manager reconnects
type Consumer struct {
	manager          *ConnectionManager
	prefetchCount    int
	tagPrefix        string
	resubscribeDelay time.Duration
	logger           *slog.Logger

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]*subscription
	wg            sync.WaitGroup
}

type subscription struct {
	queue   string
	tag     string
	channel *Channel
	cancel  context.CancelFunc
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = tag
	}
}

// WithResubscribeDelay sets the pause between failed resubscription attempts
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:          manager,
		prefetchCount:    10,
		tagPrefix:        "logistics",
		resubscribeDelay: time.Second,
		logger:           slog.Default(),
		subscriptions:    make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from queue. The first subscription is made
// synchronously so configuration errors surface to the caller.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}
	if _, exists := c.subscriptions[queue]; exists {
		c.mu.Unlock()
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("%w: already subscribed", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}
	c.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:  queue,
		tag:    fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String()),
		cancel: cancel,
	}

	deliveries, err := c.open(subCtx, sub)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.subscriptions[queue] = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", sub.tag,
		"prefetchCount", c.prefetchCount)

	return nil
}

// open acquires a channel, sets QoS, and starts consuming
func (c *Consumer) open(ctx context.Context, sub *subscription) (<-chan amqp.Delivery, error) {
	ch, err := c.manager.AcquireChannel(ctx, WaitForConnection)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       sub.queue,
			ConsumerTag: sub.tag,
			Op:          "acquire channel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Channel.Close()
		return nil, &ConsumerError{
			Queue:       sub.queue,
			ConsumerTag: sub.tag,
			Op:          "set qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	deliveries, err := ch.Consume(
		sub.queue,
		sub.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Channel.Close()
		return nil, &ConsumerError{
			Queue:       sub.queue,
			ConsumerTag: sub.tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.mu.Lock()
	sub.channel = ch
	c.mu.Unlock()

	return deliveries, nil
}

// run forwards deliveries to the handler until ctx ends, reopening the
// subscription whenever the delivery stream closes underneath it
func (c *Consumer) run(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		generation := sub.channel.Generation
		c.mu.Unlock()

		c.forward(ctx, deliveries, generation, handler)

		if ctx.Err() != nil {
			c.stopConsuming(sub)
			c.logger.Info("consumer stopped", "queue", sub.queue)
			return
		}

		c.logger.Warn("delivery channel closed, resubscribing",
			"queue", sub.queue,
			"generation", generation)

		var err error
		deliveries, err = c.resubscribe(ctx, sub)
		if err != nil {
			c.logger.Error("giving up on queue subscription",
				"queue", sub.queue,
				"error", err)
			return
		}
	}
}

func (c *Consumer) forward(ctx context.Context, deliveries <-chan amqp.Delivery, generation uint64, handler DeliveryHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			handler(ctx, delivery, generation)
		}
	}
}

func (c *Consumer) resubscribe(ctx context.Context, sub *subscription) (<-chan amqp.Delivery, error) {
	for {
		deliveries, err := c.open(ctx, sub)
		if err == nil {
			c.logger.Info("resubscribed to queue",
				"queue", sub.queue,
				"consumerTag", sub.tag)
			return deliveries, nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		c.logger.Warn("resubscribe failed",
			"queue", sub.queue,
			"error", err,
			"retryIn", c.resubscribeDelay)

		timer := time.NewTimer(c.resubscribeDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// stopConsuming cancels the broker-side consumer but keeps the channel open
// so in-flight deliveries can still be acknowledged on it
func (c *Consumer) stopConsuming(sub *subscription) {
	c.mu.Lock()
	ch := sub.channel
	c.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return
	}
	if err := ch.Cancel(sub.tag, false); err != nil {
		c.logger.Warn("failed to cancel consumer",
			"queue", sub.queue,
			"consumerTag", sub.tag,
			"error", err)
	}
}

// Stop stops receiving new deliveries on every queue and waits for the
// forwarding goroutines to exit. Channels stay open until Close.
func (c *Consumer) Stop() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	c.wg.Wait()
}

// Close stops the consumer and closes its channels
func (c *Consumer) Close() error {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for queue, sub := range c.subscriptions {
		if sub.channel != nil && !sub.channel.IsClosed() {
			sub.channel.Channel.Close()
		}
		delete(c.subscriptions, queue)
	}
	return nil
}

// Queues returns the queues with an active subscription
func (c *Consumer) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subscriptions))
	for queue := range c.subscriptions {
		queues = append(queues, queue)
	}
	return queues
}
