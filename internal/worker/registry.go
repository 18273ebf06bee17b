package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ShayCichocki/hive/pkg/models"
)

// Handler executes tasks for one capability tag. It should call
// Execution.Checkpoint at safe points and return promptly once it reports
// an interrupt.
type Handler interface {
	Execute(ctx context.Context, exec *Execution) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, exec *Execution) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, exec *Execution) (Result, error) {
	return f(ctx, exec)
}

// Registry maps capability tags to handlers. It is filled once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a tag. Registering a tag twice is an error.
func (r *Registry) Register(tag string, h Handler) error {
	if tag == "" || h == nil {
		return fmt.Errorf("register handler: tag and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[tag]; ok {
		return fmt.Errorf("register handler: tag %q already registered", tag)
	}
	r.handlers[tag] = h
	r.order = append(r.order, tag)
	return nil
}

// Tags returns the registered tags in registration order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Match returns the handler for a task. Tasks tagged auto go to the auto
// handler when there is one, otherwise to the first registered handler.
func (r *Registry) Match(t *models.Task) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[t.CapabilityTag]; ok {
		return h, true
	}
	if t.CapabilityTag == models.CapabilityAuto && len(r.order) > 0 {
		return r.handlers[r.order[0]], true
	}
	return nil, false
}
