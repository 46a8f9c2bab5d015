// Package rabbitmq is the AMQP 0-9-1 layer of the dispatch service.
//
// This package includes:
//   - ConnectionManager: owns the broker connection, reconnects with backoff
//     and tags every channel with the connection generation that opened it
//   - ChannelPool: confirm-mode channels shared by publishers
//   - Publisher: publishes with broker confirms behind a circuit breaker
//   - Consumer: per-queue subscriptions that survive reconnects
//   - TopologyManager: idempotent topology declaration
package rabbitmq
