package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// Handler processes one claimed job. A returned error fails the attempt.
type Handler func(ctx context.Context, job *domain.Job) error

// FatalError wraps a handler error that must not be retried.
// Return this to fail a job immediately, whatever its attempts.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return e.Cause.Error() }
func (e *FatalError) Unwrap() error { return e.Cause }

// Registry maps job types to handlers.
type Registry struct {
	handlers map[domain.JobType]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler)}
}

func (r *Registry) Register(t domain.JobType, h Handler) {
	r.handlers[t] = h
}

func (r *Registry) Lookup(t domain.JobType) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", t)
	}
	return h, nil
}

// Types lists registered job types in sorted order. Workers claim only
// these.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return types
}
