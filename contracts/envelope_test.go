package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("generates id and timestamp", func(t *testing.T) {
		env := NewEnvelope("ShipmentCreated", json.RawMessage(`{"shipmentId":"s-1"}`))

		_, err := uuid.Parse(env.ID)
		assert.NoError(t, err)
		assert.Equal(t, "ShipmentCreated", env.Type)
		assert.Equal(t, 0, env.AttemptCount)
		assert.False(t, env.Timestamp.IsZero())
		assert.Equal(t, time.UTC, env.Timestamp.Location())
		assert.NoError(t, env.Validate())
	})

	t.Run("applies options", func(t *testing.T) {
		ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		env := NewEnvelope("RouteRequested", json.RawMessage(`{}`),
			WithEnvelopeID("m1"),
			WithCorrelationID("corr-1"),
			WithReplyTo("amq.rabbitmq.reply-to"),
			WithTimestamp(ts),
		)

		assert.Equal(t, "m1", env.ID)
		assert.Equal(t, "corr-1", env.CorrelationID)
		assert.Equal(t, "amq.rabbitmq.reply-to", env.ReplyTo)
		assert.Equal(t, ts, env.Timestamp)
	})

	t.Run("compacts payload", func(t *testing.T) {
		env := NewEnvelope("Ping", json.RawMessage("{ \"a\": 1,\n \"s\": \"<b>& x\" }"))
		assert.Equal(t, json.RawMessage(`{"a":1,"s":"<b>& x"}`), env.Payload)
	})

	t.Run("keeps invalid payload for the codec", func(t *testing.T) {
		env := NewEnvelope("Ping", json.RawMessage(`{oops`))
		assert.Equal(t, json.RawMessage(`{oops`), env.Payload)
	})

	t.Run("normalises option timestamp to UTC", func(t *testing.T) {
		ts := time.Date(2024, 3, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
		env := NewEnvelope("Ping", json.RawMessage(`{}`), WithTimestamp(ts))
		assert.Equal(t, time.UTC, env.Timestamp.Location())
		assert.True(t, ts.Equal(env.Timestamp))
	})
}

func TestEnvelope_NextAttempt(t *testing.T) {
	env := NewEnvelope("ShipmentCreated", json.RawMessage(`{"a":1}`), WithEnvelopeID("m1"))

	next := env.NextAttempt()

	assert.Equal(t, 1, next.AttemptCount)
	assert.Equal(t, 0, env.AttemptCount, "original must not change")
	assert.Equal(t, env.ID, next.ID)
	assert.Equal(t, env.Timestamp, next.Timestamp)

	next.Payload[0] = '['
	assert.Equal(t, json.RawMessage(`{"a":1}`), env.Payload, "payload must be copied")

	assert.Equal(t, 2, next.NextAttempt().AttemptCount)
}

func TestEnvelope_IdempotencyKey(t *testing.T) {
	env := NewEnvelope("ShipmentCreated", json.RawMessage(`{}`), WithEnvelopeID("m1"))
	assert.Equal(t, "m1:0", env.IdempotencyKey())
	assert.Equal(t, "m1:1", env.NextAttempt().IdempotencyKey())
}

func TestEnvelope_Validate(t *testing.T) {
	valid := func() *Envelope {
		return NewEnvelope("ShipmentCreated", json.RawMessage(`{}`), WithEnvelopeID("m1"))
	}

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"missing type", func(e *Envelope) { e.Type = "" }},
		{"negative attempt", func(e *Envelope) { e.AttemptCount = -1 }},
		{"missing payload", func(e *Envelope) { e.Payload = nil }},
		{"missing timestamp", func(e *Envelope) { e.Timestamp = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid()
			tt.mutate(env)
			err := env.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}

	assert.NoError(t, valid().Validate())
}

func TestResult(t *testing.T) {
	assert.True(t, Success().IsSuccess())
	assert.Equal(t, "success", Success().String())

	retry := RetryableFailure("timeout")
	assert.False(t, retry.IsSuccess())
	assert.Equal(t, OutcomeRetryable, retry.Outcome)
	assert.Equal(t, "retryable: timeout", retry.String())

	fatal := FatalFailure("bad data")
	assert.Equal(t, OutcomeFatal, fatal.Outcome)
	assert.Equal(t, "fatal: bad data", fatal.String())

	assert.Equal(t, "unknown", Outcome(42).String())
}

func TestErrors(t *testing.T) {
	cause := errors.New("channel closed")

	t.Run("TransientPublishError unwraps", func(t *testing.T) {
		err := &TransientPublishError{
			EnvelopeID:  "m1",
			Destination: Destination{Exchange: "logistics.retry", RoutingKey: "logistic-request.retry"},
			Err:         cause,
		}
		assert.ErrorIs(t, err, cause)
		assert.True(t, IsTransient(err))
		assert.Contains(t, err.Error(), "logistics.retry/logistic-request.retry")
	})

	t.Run("IsTransient rejects other errors", func(t *testing.T) {
		assert.False(t, IsTransient(cause))
		assert.False(t, IsTransient(&EncodeError{EnvelopeID: "m1", Err: cause}))
	})

	t.Run("DecodeError and EncodeError unwrap", func(t *testing.T) {
		assert.ErrorIs(t, &DecodeError{Size: 3, Err: cause}, cause)
		assert.ErrorIs(t, &EncodeError{EnvelopeID: "m1", Err: cause}, cause)
	})

	t.Run("type errors name the type", func(t *testing.T) {
		assert.Contains(t, (&UnknownTypeError{Type: "Unknown"}).Error(), `"Unknown"`)
		assert.Contains(t, (&DuplicateTypeError{Type: "ShipmentCreated"}).Error(), `"ShipmentCreated"`)
	})

	t.Run("destination string", func(t *testing.T) {
		assert.Equal(t, "reply-queue", Destination{RoutingKey: "reply-queue"}.String())
	})
}
