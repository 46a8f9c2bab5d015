package messaging

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/brocku/logistics/contracts"
)

// Registry maps message types to handlers. It is written during startup and
// frozen before the first delivery is consumed; after that it is read-only.
type Registry struct {
	handlers map[string]Handler
	frozen   bool
	mu       sync.RWMutex
	logger   *slog.Logger
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register binds a handler to a message type
func (r *Registry) Register(messageType string, handler Handler) error {
	if messageType == "" || handler == nil {
		return ErrInvalidHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.handlers[messageType]; exists {
		return &contracts.DuplicateTypeError{Type: messageType}
	}

	r.handlers[messageType] = handler
	r.logger.Info("registered message handler", "type", messageType)
	return nil
}

// RegisterFunc registers a function as a handler
func (r *Registry) RegisterFunc(messageType string, fn HandlerFunc) error {
	if fn == nil {
		return ErrInvalidHandler
	}
	return r.Register(messageType, fn)
}

// Resolve returns the handler for a message type
func (r *Registry) Resolve(messageType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[messageType]
	if !exists {
		return nil, &contracts.UnknownTypeError{Type: messageType}
	}
	return handler, nil
}

// Freeze rejects all further registrations
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Types returns the registered message types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for messageType := range r.handlers {
		types = append(types, messageType)
	}
	sort.Strings(types)
	return types
}
