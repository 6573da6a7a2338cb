package task

import (
	"context"
	"fmt"
	"sync"
)

// Result is what a finished work reports back onto its entry.
type Result struct {
	Filename string
	Frame    Rect
}

// Work performs the device sequence of one entry.  Run must return promptly
// once ctx is cancelled; returning ctx.Err() marks the entry cancelled, any
// other error marks it failed.
type Work interface {
	Run(ctx context.Context, e Entry) (Result, error)
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context, e Entry) (Result, error)

// Run implements Work.
func (f WorkFunc) Run(ctx context.Context, e Entry) (Result, error) {
	return f(ctx, e)
}

// Registry maps task kinds to the work performing them.
type Registry struct {
	mu    sync.RWMutex
	works map[Kind]Work
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{works: map[Kind]Work{}}
}

// Register binds w to kind, replacing any earlier binding.
func (r *Registry) Register(kind Kind, w Work) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.works[kind] = w
}

// Get returns the work registered for kind.
func (r *Registry) Get(kind Kind) (Work, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.works[kind]
	return w, ok
}

func (r *Registry) lookup(kind Kind) (Work, error) {
	w, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: no work registered for kind %q", ErrInvalid, kind)
	}
	return w, nil
}
