// Package tasks holds the typed handler registry. Handlers are looked up by
// task name; the set is fixed at startup.
package tasks

import (
	"context"

	"github.com/trx-labs/taskrunnerx/internal/domain"
)

// Handler executes one task attempt. The payload map is shared with the
// pipeline and must not be mutated.
type Handler func(ctx context.Context, payload map[string]any) error

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task name, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Resolve returns the handler for name, or a typed UnknownTaskError that the
// pipeline treats as an execution failure.
func (r *Registry) Resolve(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, &domain.UnknownTaskError{Name: name}
	}
	return h, nil
}

// Names lists the registered task names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
