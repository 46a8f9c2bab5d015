package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/monitor"
	"github.com/brocku/logistics/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmPublisher publishes a raw AMQP message and waits for the broker ack
type ConfirmPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// EnvelopePublisher encodes envelopes and publishes them with confirms
type EnvelopePublisher struct {
	publisher ConfirmPublisher
	codec     serialization.Codec
	metrics   *monitor.Metrics
	logger    *slog.Logger
}

// PublisherOption configures the EnvelopePublisher
type PublisherOption func(*EnvelopePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *EnvelopePublisher) {
		p.logger = logger
	}
}

// WithPublisherCodec overrides the envelope codec
func WithPublisherCodec(codec serialization.Codec) PublisherOption {
	return func(p *EnvelopePublisher) {
		p.codec = codec
	}
}

// WithPublisherMetrics records publish results
func WithPublisherMetrics(metrics *monitor.Metrics) PublisherOption {
	return func(p *EnvelopePublisher) {
		p.metrics = metrics
	}
}

// NewEnvelopePublisher creates an envelope publisher
func NewEnvelopePublisher(publisher ConfirmPublisher, options ...PublisherOption) *EnvelopePublisher {
	p := &EnvelopePublisher{
		publisher: publisher,
		codec:     serialization.Default(),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish encodes env and publishes it to dest. It returns once the broker
// confirmed the message. An encoding failure is returned as is; every broker
// side failure is a *contracts.TransientPublishError.
func (p *EnvelopePublisher) Publish(ctx context.Context, env *contracts.Envelope, dest contracts.Destination) error {
	body, err := p.codec.Encode(env)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   serialization.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		Type:          env.Type,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Timestamp:     env.Timestamp,
		Body:          body,
	}
	if len(dest.Headers) > 0 {
		msg.Headers = make(amqp.Table, len(dest.Headers))
		for k, v := range dest.Headers {
			msg.Headers[k] = v
		}
	}

	err = p.publisher.Publish(ctx, dest.Exchange, dest.RoutingKey, msg)
	p.metrics.RecordPublish(dest.Exchange, err)
	if err != nil {
		p.logger.Warn("publish failed",
			"messageId", env.ID,
			"type", env.Type,
			"destination", dest.String(),
			"error", err)
		return &contracts.TransientPublishError{
			EnvelopeID:  env.ID,
			Destination: dest,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	p.logger.Debug("message published",
		"messageId", env.ID,
		"type", env.Type,
		"attemptCount", env.AttemptCount,
		"destination", dest.String())

	return nil
}

// PublishReply sends env straight to the replyTo queue through the default exchange
func (p *EnvelopePublisher) PublishReply(ctx context.Context, env *contracts.Envelope, replyTo string) error {
	return p.Publish(ctx, env, contracts.Destination{RoutingKey: replyTo})
}
