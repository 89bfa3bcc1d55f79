// Package handler holds the tool handler registry. The registry is populated
// once at startup and immutable afterwards; the runner picks the first
// handler whose predicate matches a step's tool selector.
package handler

import (
	"context"

	"go.stepflow.dev/internal/store"
)

// Handler executes one tool. Matches decides whether the handler serves a
// tool selector; Execute performs the step's work and may write outputs
// through the store.
type Handler interface {
	Matches(tool string) bool
	Execute(ctx context.Context, runID string, step *store.Step) error
}

// Registry is the immutable process-wide handler list
type Registry struct {
	handlers []Handler
}

// NewRegistry creates a registry from the given handlers, in match order
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// Find returns the first handler matching the tool, or nil
func (r *Registry) Find(tool string) Handler {
	for _, h := range r.handlers {
		if h.Matches(tool) {
			return h
		}
	}
	return nil
}

// Len returns the number of registered handlers
func (r *Registry) Len() int {
	return len(r.handlers)
}

// Func adapts a predicate and a function into a Handler
type Func struct {
	Match func(tool string) bool
	Run   func(ctx context.Context, runID string, step *store.Step) error
}

func (f Func) Matches(tool string) bool {
	return f.Match(tool)
}

func (f Func) Execute(ctx context.Context, runID string, step *store.Step) error {
	return f.Run(ctx, runID, step)
}
