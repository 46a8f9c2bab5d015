package messaging

import (
	"context"
	"fmt"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/serialization"
)

// Handler processes one envelope and reports what should happen to it
type Handler interface {
	Process(ctx context.Context, env *contracts.Envelope) contracts.Result
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) contracts.Result

// Process implements Handler
func (f HandlerFunc) Process(ctx context.Context, env *contracts.Envelope) contracts.Result {
	return f(ctx, env)
}

// TypedHandlerFunc receives the envelope payload already decoded into T
type TypedHandlerFunc[T any] func(ctx context.Context, env *contracts.Envelope, payload T) contracts.Result

// Typed adapts a TypedHandlerFunc to Handler. A payload that does not
// decode into T is a fatal failure.
func Typed[T any](fn TypedHandlerFunc[T]) Handler {
	return HandlerFunc(func(ctx context.Context, env *contracts.Envelope) contracts.Result {
		var payload T
		if err := serialization.Default().UnmarshalPayload(env, &payload); err != nil {
			return contracts.FatalFailure(fmt.Sprintf("could not decode %s payload: %v", env.Type, err))
		}
		return fn(ctx, env, payload)
	})
}
