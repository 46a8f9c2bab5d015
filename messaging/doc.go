// Package messaging dispatches consumed envelopes to their handlers.
//
// The Registry maps a message type to exactly one Handler and is frozen
// when the Engine starts. The Engine decodes each delivery, skips
// envelopes whose attempt was already settled, resolves the handler and
// runs it on a bounded worker pool with a per-message timeout. The
// handler's Result decides the settlement:
//
//   - Success acknowledges the delivery.
//   - RetryableFailure schedules the next attempt through the FailureRouter.
//   - FatalFailure, undecodable and unknown-type envelopes are dead-lettered.
//
// Deliveries received on a connection that has since been replaced are
// never acknowledged; the broker redelivers them on the new connection.
//
// Example usage:
//
//	registry := messaging.NewRegistry()
//	registry.Register("RouteRequested", messaging.Typed(func(ctx context.Context, env *contracts.Envelope, req RouteRequest) contracts.Result {
//		return contracts.Success()
//	}))
//
//	engine, err := messaging.NewEngine(consumer, registry, router,
//		messaging.WithWorkers(4),
//		messaging.WithHandlerTimeout(30*time.Second))
//	engine.Subscribe("logistic-request")
//	err = engine.Start(ctx)
//	defer engine.Shutdown(shutdownCtx)
//
// EnvelopePublisher encodes envelopes onto AMQP publishings with persistent
// delivery and publisher confirms.
package messaging
