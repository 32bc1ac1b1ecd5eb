// Package command routes command-target runs to registered handlers.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// ErrNotFound is returned when no handler is registered under the
// requested name.
var ErrNotFound = errors.New("command not found")

// ExecutionContext carries the identity a handler runs under. Scheduled
// runs are system-initiated: UserID is nil and Scope comes from the
// schedule row, so handlers can tell a timer fired them rather than a
// person.
type ExecutionContext struct {
	Scope  domain.Scope
	UserID *uuid.UUID
	Input  map[string]any
}

// SystemContext returns the execution context for a scheduled run in
// the given scope. No user is attached.
func SystemContext(scope domain.Scope, input map[string]any) ExecutionContext {
	return ExecutionContext{Scope: scope, Input: input}
}

// Handler executes a named command.
type Handler interface {
	Execute(ctx context.Context, ec ExecutionContext) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, ec ExecutionContext) error

func (f HandlerFunc) Execute(ctx context.Context, ec ExecutionContext) error {
	return f(ctx, ec)
}

// Registry holds the process-local command table. Registration happens
// during startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to name, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Has reports whether a handler is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered command names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Execute runs the named handler, returning ErrNotFound when nothing is
// registered under name.
func (r *Registry) Execute(ctx context.Context, name string, ec ExecutionContext) error {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return h.Execute(ctx, ec)
}
