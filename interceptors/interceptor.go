package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/messaging"
)

// Interceptor processes an envelope before it reaches the final handler
type Interceptor interface {
	// Intercept processes an envelope and calls the next handler in the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next messaging.Handler) contracts.Result

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) contracts.Result
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) contracts.Result) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.Handler) contracts.Result {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates an empty chain
func NewChain() *Chain {
	return &Chain{}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then returns final wrapped by every interceptor of the chain. Later
// changes to the chain do not affect handlers already returned.
func (c *Chain) Then(final messaging.Handler) messaging.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) contracts.Result {
			return interceptor.Intercept(ctx, env, next)
		})
	}
	return handler
}

// LoggingInterceptor logs every handler invocation with its duration and result
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.Handler) contracts.Result {
	start := time.Now()

	i.logger.DebugContext(ctx, "processing message",
		"messageId", env.ID,
		"messageType", env.Type,
		"attemptCount", env.AttemptCount,
		"correlationId", env.CorrelationID,
	)

	result := next.Process(ctx, env)
	duration := time.Since(start)

	if result.IsSuccess() {
		i.logger.DebugContext(ctx, "message processed successfully",
			"messageId", env.ID,
			"messageType", env.Type,
			"duration", duration,
		)
	} else {
		i.logger.WarnContext(ctx, "message processing failed",
			"messageId", env.ID,
			"messageType", env.Type,
			"duration", duration,
			"outcome", result.Outcome.String(),
			"reason", result.Reason,
		)
	}

	return result
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
