package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/messaging"
)

// MessageFilter decides whether an envelope reaches the handler
type MessageFilter interface {
	// ShouldProcess returns true if the envelope should be processed
	ShouldProcess(ctx context.Context, env *contracts.Envelope) bool
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, env *contracts.Envelope) bool

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) bool {
	return f(ctx, env)
}

// SkipBehavior defines what happens when an envelope is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges and drops the envelope
	SkipSilently SkipBehavior = iota
	// SkipWithLog acknowledges and drops the envelope with a log entry
	SkipWithLog
	// SkipWithError fails the envelope so it is dead-lettered
	SkipWithError
)

// FilteringInterceptor stops envelopes the filter rejects
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.Handler) contracts.Result {
	if i.filter.ShouldProcess(ctx, env) {
		return next.Process(ctx, env)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return contracts.FatalFailure(fmt.Sprintf("message filtered: type=%s, id=%s", env.Type, env.ID))
	case SkipWithLog:
		i.logger.InfoContext(ctx, "message skipped by filter",
			"messageId", env.ID,
			"messageType", env.Type)
	}
	return contracts.Success()
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) bool {
	for _, filter := range f.filters {
		if !filter.ShouldProcess(ctx, env) {
			return false
		}
	}
	return true
}

// MessageTypeFilter filters envelopes by type
type MessageTypeFilter struct {
	allowedTypes map[string]bool
}

// NewMessageTypeFilter creates a filter that only allows specific message types
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	typeMap := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		typeMap[t] = true
	}
	return &MessageTypeFilter{allowedTypes: typeMap}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(_ context.Context, env *contracts.Envelope) bool {
	return f.allowedTypes[env.Type]
}

// MaxAgeFilter rejects envelopes created longer than maxAge ago. The age is
// measured from the envelope timestamp, which survives retries.
type MaxAgeFilter struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewMaxAgeFilter creates a filter for envelopes younger than maxAge
func NewMaxAgeFilter(maxAge time.Duration) *MaxAgeFilter {
	return &MaxAgeFilter{maxAge: maxAge, now: time.Now}
}

// ShouldProcess implements MessageFilter
func (f *MaxAgeFilter) ShouldProcess(_ context.Context, env *contracts.Envelope) bool {
	if env.Timestamp.IsZero() {
		return true
	}
	return f.now().Sub(env.Timestamp) <= f.maxAge
}
