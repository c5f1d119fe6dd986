// Package cancel keeps one cancellation handle per stream kind so a new
// stream of a kind always supersedes the previous one.
package cancel

import (
	"context"
	"sync"

	"github.com/zsprackett/prd-relay/internal/events"
)

// Handle is the cancellation token held by one running stream. Once
// cancelled it stays cancelled; handles are never reused.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newHandle() *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{ctx: ctx, cancel: cancel}
}

// Cancelled reports whether the handle has been cancelled. It never blocks.
func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// Context is done once the handle is cancelled.
func (h *Handle) Context() context.Context { return h.ctx }

func (h *Handle) Cancel() { h.cancel() }

// Registry maps each stream kind to its current handle.
type Registry struct {
	mu    sync.Mutex
	slots map[events.Kind]*Handle
}

func NewRegistry() *Registry {
	return &Registry{slots: make(map[events.Kind]*Handle)}
}

// New cancels the current handle for kind, if any, and installs a fresh one.
func (r *Registry) New(kind events.Kind) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.slots[kind]; ok {
		old.Cancel()
	}
	h := newHandle()
	r.slots[kind] = h
	return h
}

// Cancel cancels the current handle for kind. Unknown kinds are a no-op.
func (r *Registry) Cancel(kind events.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.slots[kind]; ok {
		h.Cancel()
	}
}

// CancelAll cancels every kind's handle. Called on shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.slots {
		h.Cancel()
	}
}
