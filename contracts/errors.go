package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidEnvelope is wrapped by envelope validation failures
	ErrInvalidEnvelope = errors.New("contracts: invalid envelope")
)

// DecodeError means a payload could not be turned into an envelope. A
// malformed message can never succeed, so it is rejected without retry.
type DecodeError struct {
	Size int   // Size of the offending body in bytes
	Err  error // Underlying error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %d byte body: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError means an envelope could not be serialized. It is fatal to the
// publish attempt; the caller must fix the data.
type EncodeError struct {
	EnvelopeID string
	Type       string
	Err        error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode error: envelope %s (%s): %v", e.EnvelopeID, e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// UnknownTypeError means no handler is registered for a message type
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("no handler registered for message type %q", e.Type)
}

// DuplicateTypeError means a handler is already registered for a message type
type DuplicateTypeError struct {
	Type string
}

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("handler already registered for message type %q", e.Type)
}

// TransientPublishError means the broker did not confirm a publish. The
// caller decides whether to publish again.
type TransientPublishError struct {
	EnvelopeID  string
	Destination Destination
	Err         error
	Timestamp   time.Time
}

func (e *TransientPublishError) Error() string {
	return fmt.Sprintf("transient publish error: envelope %s to %s: %v", e.EnvelopeID, e.Destination, e.Err)
}

func (e *TransientPublishError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a TransientPublishError
func IsTransient(err error) bool {
	var transient *TransientPublishError
	return errors.As(err, &transient)
}
