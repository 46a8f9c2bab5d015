package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of work exchanged over the broker
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	AttemptCount  int             `json:"attemptCount"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
}

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*Envelope)

// WithEnvelopeID sets a caller-chosen envelope ID. Deterministic IDs let the
// broker or the idempotency store discard republished duplicates.
func WithEnvelopeID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.ID = id
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(correlationID string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = correlationID
	}
}

// WithReplyTo sets the reply-to queue
func WithReplyTo(replyTo string) EnvelopeOption {
	return func(e *Envelope) {
		e.ReplyTo = replyTo
	}
}

// WithTimestamp overrides the creation timestamp
func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.Timestamp = ts.UTC()
	}
}

// NewEnvelope creates an envelope with a generated ID, attempt count zero and
// the current UTC timestamp. A valid JSON payload is stored compacted, which
// is the form it has after a decode.
func NewEnvelope(messageType string, payload json.RawMessage, opts ...EnvelopeOption) *Envelope {
	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      messageType,
		Payload:   CompactPayload(payload),
		Timestamp: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(env)
	}

	return env
}

// CompactPayload strips insignificant whitespace from payload. Invalid JSON
// is returned unchanged for the codec to reject.
func CompactPayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return json.RawMessage(buf.Bytes())
}

// NextAttempt returns a copy of the envelope with the attempt count
// incremented. The receiver is left untouched.
func (e *Envelope) NextAttempt() *Envelope {
	next := *e
	next.Payload = append(json.RawMessage(nil), e.Payload...)
	next.AttemptCount = e.AttemptCount + 1
	return &next
}

// IdempotencyKey identifies one processing attempt of the envelope
func (e *Envelope) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.ID, e.AttemptCount)
}

// Validate checks the structural invariants of a decoded envelope
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case e.AttemptCount < 0:
		return fmt.Errorf("%w: negative attempt count %d", ErrInvalidEnvelope, e.AttemptCount)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	}
	return nil
}

// Destination identifies where an envelope is published
type Destination struct {
	Exchange   string
	RoutingKey string
	// Headers are added to the AMQP message, never to the envelope body
	Headers map[string]interface{}
}

func (d Destination) String() string {
	if d.Exchange == "" {
		return d.RoutingKey
	}
	return d.Exchange + "/" + d.RoutingKey
}
