package messaging

import "errors"

var (
	// ErrRegistryFrozen is returned when a handler is registered after consumption started
	ErrRegistryFrozen = errors.New("messaging: registry is frozen")
	// ErrInvalidHandler is returned for an empty message type or a nil handler
	ErrInvalidHandler = errors.New("messaging: message type and handler are required")
	// ErrAlreadySettled is returned when a delivery is acknowledged a second time
	ErrAlreadySettled = errors.New("messaging: delivery already settled")
	// ErrStaleDelivery is returned when a delivery belongs to a connection that is gone
	ErrStaleDelivery = errors.New("messaging: delivery belongs to a stale channel")
	// ErrShutdownDeadline is returned when in-flight deliveries outlive the shutdown grace period
	ErrShutdownDeadline = errors.New("messaging: shutdown deadline exceeded")
	// ErrNoQueues is returned when the engine is started without subscriptions
	ErrNoQueues = errors.New("messaging: no queues to consume")
	// ErrEngineStarted is returned when Start or Subscribe is called on a running engine
	ErrEngineStarted = errors.New("messaging: engine already started")
	// ErrMissingRouter is returned when the engine is built without a failure router
	ErrMissingRouter = errors.New("messaging: failure router is required")
)
