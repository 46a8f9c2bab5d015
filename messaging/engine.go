package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/internal/idempotency"
	"github.com/brocku/logistics/internal/rabbitmq"
	"github.com/brocku/logistics/internal/reliability"
	"github.com/brocku/logistics/monitor"
	"github.com/brocku/logistics/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// DeliverySource feeds raw deliveries into the engine. *rabbitmq.Consumer
// implements it.
type DeliverySource interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
	Stop()
	Close() error
}

// FailureRouter moves failed deliveries to their retry or dead-letter
// destination. *reliability.Router implements it.
type FailureRouter interface {
	Retry(ctx context.Context, f reliability.Failure, settler reliability.Settler) (reliability.Routing, error)
	DeadLetter(ctx context.Context, f reliability.Failure, settler reliability.Settler) (reliability.Routing, error)
}

type job struct {
	delivery *DeliveryContext
}

// Engine consumes envelopes from its queues and dispatches them to the
// registered handlers on a bounded worker pool
type Engine struct {
	source   DeliverySource
	registry *Registry
	router   FailureRouter
	codec    serialization.Codec
	store    idempotency.Store
	metrics  *monitor.Metrics
	logger   *slog.Logger

	workers        int
	handlerTimeout time.Duration
	abandonGrace   time.Duration
	isCurrent      func(generation uint64) bool

	mu       sync.Mutex
	queues   []string
	started  bool
	jobs     chan job
	group    *errgroup.Group
	consume  context.CancelFunc
	abandon  context.CancelFunc
	stopOnce sync.Once
	inFlight atomic.Int64
}

// EngineOption configures the Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithWorkers sets the worker pool size. One worker processes deliveries in order.
func WithWorkers(workers int) EngineOption {
	return func(e *Engine) {
		e.workers = workers
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		e.handlerTimeout = timeout
	}
}

// WithIdempotencyStore skips envelopes whose attempt was already settled
func WithIdempotencyStore(store idempotency.Store) EngineOption {
	return func(e *Engine) {
		e.store = store
	}
}

// WithEngineMetrics records delivery outcomes
func WithEngineMetrics(metrics *monitor.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithEngineCodec overrides the envelope codec
func WithEngineCodec(codec serialization.Codec) EngineOption {
	return func(e *Engine) {
		e.codec = codec
	}
}

// WithGenerationCheck reports whether deliveries of a channel generation can
// still be acknowledged, usually ConnectionManager.IsCurrent
func WithGenerationCheck(isCurrent func(generation uint64) bool) EngineOption {
	return func(e *Engine) {
		e.isCurrent = isCurrent
	}
}

// NewEngine creates a consumer engine
func NewEngine(source DeliverySource, registry *Registry, router FailureRouter, options ...EngineOption) (*Engine, error) {
	if source == nil || registry == nil {
		return nil, fmt.Errorf("%w: delivery source and registry are required", rabbitmq.ErrInvalidConfiguration)
	}
	if router == nil {
		return nil, ErrMissingRouter
	}

	e := &Engine{
		source:         source,
		registry:       registry,
		router:         router,
		codec:          serialization.Default(),
		logger:         slog.Default(),
		workers:        4,
		handlerTimeout: 30 * time.Second,
		abandonGrace:   2 * time.Second,
	}

	for _, opt := range options {
		opt(e)
	}

	if e.workers < 1 {
		return nil, fmt.Errorf("%w: worker pool size must be at least 1", rabbitmq.ErrInvalidConfiguration)
	}
	if e.handlerTimeout <= 0 {
		return nil, fmt.Errorf("%w: handler timeout must be positive", rabbitmq.ErrInvalidConfiguration)
	}

	return e, nil
}

// Subscribe adds queues to consume once the engine starts
func (e *Engine) Subscribe(queues ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrEngineStarted
	}
	e.queues = append(e.queues, queues...)
	return nil
}

// Start freezes the registry, starts the worker pool and begins consuming.
// Consumption continues until Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrEngineStarted
	}
	if len(e.queues) == 0 {
		e.mu.Unlock()
		return ErrNoQueues
	}
	e.started = true
	queues := append([]string(nil), e.queues...)

	e.registry.Freeze()

	consumeCtx, consume := context.WithCancel(context.Background())
	workCtx, abandon := context.WithCancel(context.Background())
	e.consume = consume
	e.abandon = abandon
	e.jobs = make(chan job, e.workers)
	e.group = new(errgroup.Group)

	for i := 0; i < e.workers; i++ {
		e.group.Go(func() error {
			e.work(workCtx)
			return nil
		})
	}
	e.mu.Unlock()

	for _, queue := range queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.source.Subscribe(consumeCtx, queue, e.enqueue(queue)); err != nil {
			return fmt.Errorf("messaging: subscribe %s: %w", queue, err)
		}
	}

	e.logger.Info("consumer engine started",
		"queues", queues,
		"workers", e.workers,
		"types", e.registry.Types())

	return nil
}

// enqueue hands deliveries of one queue to the worker pool. It blocks while
// all workers are busy; prefetch bounds what the broker pushes meanwhile.
func (e *Engine) enqueue(queue string) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery, generation uint64) {
		dc := NewDeliveryContext(delivery, queue, generation, e.isCurrent)
		select {
		case e.jobs <- job{delivery: dc}:
		case <-ctx.Done():
			// left unacknowledged; redelivered when the channel closes
		}
	}
}

func (e *Engine) work(ctx context.Context) {
	for j := range e.jobs {
		if ctx.Err() != nil {
			if err := j.delivery.Nack(true); err != nil {
				e.logger.Debug("failed to requeue abandoned message", "queue", j.delivery.Queue, "error", err)
			}
			continue
		}
		e.inFlight.Add(1)
		e.process(ctx, j.delivery)
		e.inFlight.Add(-1)
	}
}

// process runs one delivery through decode, idempotency check, resolve,
// invoke and settle
func (e *Engine) process(ctx context.Context, dc *DeliveryContext) {
	queue := dc.Queue

	env, err := e.codec.Decode(dc.Delivery.Body)
	if err != nil {
		e.logger.Warn("rejecting undecodable message",
			"queue", queue,
			"deliveryTag", dc.Delivery.DeliveryTag,
			"error", err)
		if err := dc.Reject(false); err != nil {
			e.logger.Error("failed to reject message", "queue", queue, "error", err)
		}
		e.metrics.RecordMessage(queue, "", monitor.OutcomeRejected)
		return
	}
	// AMQP properties fill in reply details the body leaves out
	if env.ReplyTo == "" {
		env.ReplyTo = dc.Delivery.ReplyTo
	}
	if env.CorrelationID == "" {
		env.CorrelationID = dc.Delivery.CorrelationId
	}

	logger := e.logger.With(
		"messageId", env.ID,
		"type", env.Type,
		"attemptCount", env.AttemptCount,
		"queue", queue)

	key := env.IdempotencyKey()
	if e.seen(ctx, key, logger) {
		logger.Info("skipping already processed message")
		if err := dc.Ack(); err != nil {
			logger.Warn("failed to ack duplicate message", "error", err)
		}
		e.metrics.RecordMessage(queue, env.Type, monitor.OutcomeDuplicate)
		return
	}

	handler, err := e.registry.Resolve(env.Type)
	if err != nil {
		routing, err := e.router.DeadLetter(ctx, reliability.Failure{
			Envelope: env,
			Queue:    queue,
			Kind:     reliability.KindUnknownType,
			Reason:   err.Error(),
		}, dc)
		e.finish(ctx, dc, env, routing, err, logger)
		return
	}

	start := time.Now()
	result := e.invoke(ctx, handler, env, logger)
	e.metrics.ObserveProcessing(env.Type, time.Since(start))

	if ctx.Err() != nil {
		// shutdown gave up on this delivery; the broker hands it out again
		logger.Warn("abandoning message during shutdown", "result", result.String())
		if err := dc.Nack(true); err != nil {
			logger.Warn("failed to requeue message", "error", err)
		}
		e.metrics.RecordMessage(queue, env.Type, monitor.OutcomeRequeued)
		return
	}

	switch result.Outcome {
	case contracts.OutcomeSuccess:
		err := dc.Ack()
		if err != nil {
			logger.Warn("failed to ack processed message", "error", err)
		} else {
			logger.Info("message processed")
		}
		e.mark(ctx, key, logger)
		e.metrics.RecordMessage(queue, env.Type, e.outcome(dc, monitor.OutcomeAcked))

	case contracts.OutcomeRetryable:
		routing, err := e.router.Retry(ctx, reliability.Failure{
			Envelope: env,
			Queue:    queue,
			Reason:   result.Reason,
		}, dc)
		e.finish(ctx, dc, env, routing, err, logger)

	default:
		routing, err := e.router.DeadLetter(ctx, reliability.Failure{
			Envelope: env,
			Queue:    queue,
			Kind:     reliability.KindFatal,
			Reason:   result.Reason,
		}, dc)
		e.finish(ctx, dc, env, routing, err, logger)
	}
}

// finish records a routing decision made by the router
func (e *Engine) finish(ctx context.Context, dc *DeliveryContext, env *contracts.Envelope, routing reliability.Routing, err error, logger *slog.Logger) {
	if err != nil {
		logger.Warn("routing did not complete cleanly",
			"decision", routing.Decision.String(),
			"error", err)
	}

	if routing.Decision.Terminal() {
		e.mark(ctx, env.IdempotencyKey(), logger)
	}

	switch routing.Decision {
	case reliability.DecisionRetried:
		e.metrics.RecordRetry(env.Type)
		e.metrics.RecordMessage(dc.Queue, env.Type, e.outcome(dc, monitor.OutcomeRetried))
	case reliability.DecisionDeadLettered:
		e.metrics.RecordDeadLetter(env.Type, string(routing.Kind))
		e.metrics.RecordMessage(dc.Queue, env.Type, e.outcome(dc, monitor.OutcomeDeadLettered))
	default:
		e.metrics.RecordMessage(dc.Queue, env.Type, e.outcome(dc, monitor.OutcomeRequeued))
	}
}

func (e *Engine) outcome(dc *DeliveryContext, settled string) string {
	if dc.Settlement() == Abandoned {
		return monitor.OutcomeStale
	}
	return settled
}

// invoke runs the handler under the per-message timeout. A panic or a
// timeout becomes a failure result instead of crashing the worker. After a
// timeout the worker stays busy until the handler returns, so handlers that
// ignore ctx never run beyond the pool size.
func (e *Engine) invoke(ctx context.Context, handler Handler, env *contracts.Envelope, logger *slog.Logger) contracts.Result {
	handlerCtx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	done := make(chan contracts.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked",
					"panic", r,
					"stack", string(debug.Stack()))
				done <- contracts.FatalFailure(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		done <- handler.Process(handlerCtx, env)
	}()

	select {
	case result := <-done:
		return result
	case <-handlerCtx.Done():
	}

	timedOut := contracts.RetryableFailure(fmt.Sprintf("handler timed out after %s", e.handlerTimeout))
	if ctx.Err() != nil {
		return timedOut
	}

	logger.Warn("handler did not finish in time", "timeout", e.handlerTimeout)
	select {
	case late := <-done:
		logger.Warn("handler returned after its timeout", "result", late.String())
	case <-ctx.Done():
		logger.Warn("shutdown abandoned a handler that overran its timeout")
	}
	return timedOut
}

func (e *Engine) seen(ctx context.Context, key string, logger *slog.Logger) bool {
	if e.store == nil {
		return false
	}
	seen, err := e.store.Seen(ctx, key)
	if err != nil {
		logger.Warn("idempotency lookup failed, processing anyway", "error", err)
		return false
	}
	return seen
}

func (e *Engine) mark(ctx context.Context, key string, logger *slog.Logger) {
	if e.store == nil {
		return
	}
	if err := e.store.Mark(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn("failed to record processed message", "error", err)
	}
}

// InFlight returns the number of deliveries being processed
func (e *Engine) InFlight() int {
	return int(e.inFlight.Load())
}

// Shutdown stops consuming and waits for in-flight deliveries until ctx
// ends. Deliveries still running at the deadline are abandoned and
// ErrShutdownDeadline is returned. Channels are released either way.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	if !started {
		return e.source.Close()
	}

	var err error
	e.stopOnce.Do(func() {
		e.consume()
		e.source.Stop()
		close(e.jobs)

		drained := make(chan struct{})
		go func() {
			_ = e.group.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			e.logger.Info("consumer engine drained")
		case <-ctx.Done():
			abandoned := e.InFlight() + len(e.jobs)
			e.abandon()
			e.logger.Warn("shutdown deadline exceeded", "abandoned", abandoned)
			err = fmt.Errorf("%w: %d deliveries abandoned", ErrShutdownDeadline, abandoned)

			// abandoned workers requeue on the channels that are about to close
			timer := time.NewTimer(e.abandonGrace)
			select {
			case <-drained:
			case <-timer.C:
				e.logger.Warn("workers still busy after abandon, closing channels", "inFlight", e.InFlight())
			}
			timer.Stop()
		}

		e.abandon()
		if closeErr := e.source.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	})
	return err
}
