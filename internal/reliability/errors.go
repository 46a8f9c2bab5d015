package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingPublisher is returned when a router is built without a publisher
	ErrMissingPublisher = errors.New("reliability: publisher is required")
	// ErrMissingPolicy is returned when a router is built without a retry policy
	ErrMissingPolicy = errors.New("reliability: retry policy is required")
	// ErrMissingDestination is returned when the dead-letter destination is not configured
	ErrMissingDestination = errors.New("reliability: dead-letter destination is required")
)

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts (max retries %d): %v",
		e.Op, e.Attempts, e.MaxAttempts, e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// RoutingError is returned when a failed delivery could not be moved to its
// retry or dead-letter destination. The delivery has been requeued.
type RoutingError struct {
	MessageID   string
	Destination string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error: %s failed for message %s to %s: %v",
		e.Op, e.MessageID, e.Destination, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}
