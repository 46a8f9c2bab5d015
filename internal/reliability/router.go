package reliability

import (
	"context"
	"log/slog"
	"time"

	"github.com/brocku/logistics/contracts"
)

// Headers added to envelopes routed by the Router
const (
	HeaderFailureReason = "x-failure-reason"
	HeaderFailureKind   = "x-failure-kind"
	HeaderOriginalQueue = "x-original-queue"
	HeaderRetryReason   = "x-retry-reason"
	HeaderRetryDelay    = "x-retry-delay-ms"
)

// FailureKind classifies why an envelope left the primary queue
type FailureKind string

const (
	KindRetriesExhausted FailureKind = "retries_exhausted"
	KindFatal            FailureKind = "fatal"
	KindUnknownType      FailureKind = "unknown_type"
)

// Decision is what the Router did with a failed delivery
type Decision int

const (
	// DecisionRequeued means neither retry nor dead-letter happened and the
	// delivery was returned to the broker
	DecisionRequeued Decision = iota
	DecisionRetried
	DecisionDeadLettered
)

func (d Decision) String() string {
	switch d {
	case DecisionRetried:
		return "retried"
	case DecisionDeadLettered:
		return "dead_lettered"
	default:
		return "requeued"
	}
}

// Terminal reports whether the delivery left the primary queue for good
func (d Decision) Terminal() bool {
	return d == DecisionRetried || d == DecisionDeadLettered
}

// EnvelopePublisher publishes an envelope and waits for broker confirmation
type EnvelopePublisher interface {
	Publish(ctx context.Context, env *contracts.Envelope, dest contracts.Destination) error
}

// Settler resolves the acknowledgement obligation of a delivery
type Settler interface {
	Ack() error
	Nack(requeue bool) error
}

// Failure describes a delivery that could not be processed
type Failure struct {
	Envelope *contracts.Envelope
	Queue    string
	Kind     FailureKind
	Reason   string
}

// Routing is the result of routing one failure
type Routing struct {
	Decision Decision
	Kind     FailureKind
	Delay    time.Duration
	Attempt  int
}

// Router moves failed deliveries to a retry delay queue or the dead-letter
// destination. For every failure exactly one of ack-and-retry,
// ack-and-dead-letter or requeue happens.
type Router struct {
	publisher  EnvelopePublisher
	scheduler  RetryScheduler
	policy     RetryPolicy
	deadLetter contracts.Destination
	logger     *slog.Logger
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the router logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a router
func NewRouter(publisher EnvelopePublisher, scheduler RetryScheduler, policy RetryPolicy, deadLetter contracts.Destination, options ...RouterOption) (*Router, error) {
	if publisher == nil {
		return nil, ErrMissingPublisher
	}
	if policy == nil || scheduler == nil {
		return nil, ErrMissingPolicy
	}
	if deadLetter.RoutingKey == "" {
		return nil, ErrMissingDestination
	}

	r := &Router{
		publisher:  publisher,
		scheduler:  scheduler,
		policy:     policy,
		deadLetter: deadLetter,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r, nil
}

// MaxAttempts returns the number of retries allowed before dead-lettering
func (r *Router) MaxAttempts() int {
	return r.policy.MaxRetries()
}

// Retry handles a retryable failure. Below the attempt limit the next
// attempt is published to a delay queue; at the limit the envelope is
// dead-lettered unchanged.
func (r *Router) Retry(ctx context.Context, f Failure, settler Settler) (Routing, error) {
	env := f.Envelope
	if env.AttemptCount >= r.policy.MaxRetries() {
		f.Kind = KindRetriesExhausted
		return r.DeadLetter(ctx, f, settler)
	}

	delay := r.policy.NextDelay(env.AttemptCount)
	dest, err := r.scheduler.Destination(ctx, delay)
	if err != nil {
		return r.requeue(f, settler, "schedule retry", dest, err)
	}

	dest.Headers = map[string]interface{}{
		HeaderRetryReason:   f.Reason,
		HeaderRetryDelay:    delay.Milliseconds(),
		HeaderOriginalQueue: f.Queue,
	}

	next := env.NextAttempt()
	if err := r.publisher.Publish(ctx, next, dest); err != nil {
		return r.requeue(f, settler, "publish retry", dest, err)
	}

	routing := Routing{Decision: DecisionRetried, Delay: delay, Attempt: next.AttemptCount}
	r.logger.Info("message scheduled for retry",
		"messageId", env.ID,
		"type", env.Type,
		"attemptCount", next.AttemptCount,
		"maxAttempts", r.policy.MaxRetries(),
		"delay", delay,
		"reason", f.Reason)

	return routing, r.ack(f, settler, dest)
}

// DeadLetter publishes the envelope unchanged to the dead-letter destination
// and acknowledges the original delivery
func (r *Router) DeadLetter(ctx context.Context, f Failure, settler Settler) (Routing, error) {
	if f.Kind == "" {
		f.Kind = KindFatal
	}

	dest := r.deadLetter
	dest.Headers = map[string]interface{}{
		HeaderFailureReason: f.Reason,
		HeaderFailureKind:   string(f.Kind),
		HeaderOriginalQueue: f.Queue,
	}

	if err := r.publisher.Publish(ctx, f.Envelope, dest); err != nil {
		return r.requeue(f, settler, "publish dead letter", dest, err)
	}

	routing := Routing{Decision: DecisionDeadLettered, Kind: f.Kind, Attempt: f.Envelope.AttemptCount}
	r.logger.Warn("message dead-lettered",
		"messageId", f.Envelope.ID,
		"type", f.Envelope.Type,
		"attemptCount", f.Envelope.AttemptCount,
		"kind", string(f.Kind),
		"reason", f.Reason)

	return routing, r.ack(f, settler, dest)
}

func (r *Router) ack(f Failure, settler Settler, dest contracts.Destination) error {
	if err := settler.Ack(); err != nil {
		// The copy is already published; the original will be redelivered.
		r.logger.Error("failed to ack routed message",
			"messageId", f.Envelope.ID,
			"destination", dest.String(),
			"error", err)
		return &RoutingError{
			MessageID:   f.Envelope.ID,
			Destination: dest.String(),
			Op:          "ack",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

func (r *Router) requeue(f Failure, settler Settler, op string, dest contracts.Destination, err error) (Routing, error) {
	r.logger.Error("failed to route message, requeueing",
		"messageId", f.Envelope.ID,
		"type", f.Envelope.Type,
		"op", op,
		"destination", dest.String(),
		"error", err)

	if nackErr := settler.Nack(true); nackErr != nil {
		r.logger.Error("failed to nack message",
			"messageId", f.Envelope.ID,
			"error", nackErr)
	}

	return Routing{Decision: DecisionRequeued, Kind: f.Kind, Attempt: f.Envelope.AttemptCount}, &RoutingError{
		MessageID:   f.Envelope.ID,
		Destination: dest.String(),
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
