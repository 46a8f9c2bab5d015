// Package serialization encodes envelopes to and from their JSON wire form.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brocku/logistics/contracts"
	"github.com/bytedance/sonic"
)

// ContentType is the AMQP content type of encoded envelopes
const ContentType = "application/json"

var (
	// ErrInvalidPayload is returned when a payload is not valid JSON
	ErrInvalidPayload = errors.New("serialization: payload is not valid JSON")
)

// Codec turns envelopes into bytes and back
type Codec interface {
	Encode(env *contracts.Envelope) ([]byte, error)
	Decode(data []byte) (*contracts.Envelope, error)
}

// JSONCodec is the default Codec. Encoded output uses the standard
// library's field semantics so any JSON consumer can read it. Payload bytes
// are written without HTML escaping, so a compacted payload decodes to the
// same bytes it was encoded from.
type JSONCodec struct {
	api sonic.API
}

// wireConfig is sonic.ConfigStd without HTML escaping
var wireConfig = sonic.Config{
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
}.Froze()

// NewJSONCodec creates a codec backed by sonic's std-compatible config
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{api: wireConfig}
}

// Encode implements Codec. Failures are always *contracts.EncodeError.
// Timestamps are written in UTC.
func (c *JSONCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, &contracts.EncodeError{Err: contracts.ErrInvalidEnvelope}
	}
	if err := env.Validate(); err != nil {
		return nil, &contracts.EncodeError{EnvelopeID: env.ID, Type: env.Type, Err: err}
	}
	if !c.api.Valid(env.Payload) {
		return nil, &contracts.EncodeError{EnvelopeID: env.ID, Type: env.Type, Err: ErrInvalidPayload}
	}

	wire := *env
	wire.Timestamp = env.Timestamp.UTC()
	data, err := c.api.Marshal(&wire)
	if err != nil {
		return nil, &contracts.EncodeError{EnvelopeID: env.ID, Type: env.Type, Err: err}
	}
	return data, nil
}

// Decode implements Codec. Failures are always *contracts.DecodeError.
func (c *JSONCodec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, &contracts.DecodeError{Err: fmt.Errorf("%w: empty body", contracts.ErrInvalidEnvelope)}
	}

	var env contracts.Envelope
	if err := c.api.Unmarshal(data, &env); err != nil {
		return nil, &contracts.DecodeError{Size: len(data), Err: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &contracts.DecodeError{Size: len(data), Err: err}
	}
	env.Timestamp = env.Timestamp.UTC()
	return &env, nil
}

// MarshalPayload encodes an application value into an envelope payload
func (c *JSONCodec) MarshalPayload(v interface{}) (json.RawMessage, error) {
	data, err := c.api.Marshal(v)
	if err != nil {
		return nil, err
	}
	return contracts.CompactPayload(data), nil
}

// UnmarshalPayload decodes an envelope payload into v
func (c *JSONCodec) UnmarshalPayload(env *contracts.Envelope, v interface{}) error {
	if env == nil || len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", contracts.ErrInvalidEnvelope)
	}
	return c.api.Unmarshal(env.Payload, v)
}

// NewEnvelope marshals v and wraps it in a fresh envelope
func (c *JSONCodec) NewEnvelope(messageType string, v interface{}, opts ...contracts.EnvelopeOption) (*contracts.Envelope, error) {
	payload, err := c.MarshalPayload(v)
	if err != nil {
		return nil, &contracts.EncodeError{Type: messageType, Err: err}
	}
	return contracts.NewEnvelope(messageType, payload, opts...), nil
}

var defaultCodec = NewJSONCodec()

// Default returns the shared JSON codec
func Default() *JSONCodec {
	return defaultCodec
}
