package cage

import "github.com/faradaycage/cage/internal/engine"

// Scope is a stack-discipline bag of guest Handles. Handles registered
// with a Scope are disposed in LIFO order when the Scope is closed,
// mirroring the teacher's defer-v.Free() convention but generalized to
// an arbitrary number of values instead of one per call site.
//
// Close is idempotent: calling it more than once, or disposing a
// Handle that was already disposed independently, is a no-op.
type Scope struct {
	parent  *Scope
	handles []engine.Handle
	closed  bool
}

// NewScope creates a root scope with no parent.
func NewScope() *Scope {
	return &Scope{}
}

// Child creates a nested scope. Closing the child does not close the
// parent; closing the parent after the child is still closed is safe.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s}
}

// Track registers h with the scope and returns it unchanged, so callers
// can write `h := scope.Track(ctx.Global())`-style one-liners.
func (s *Scope) Track(h engine.Handle) engine.Handle {
	if s.closed {
		h.Dispose()
		return h
	}
	s.handles = append(s.handles, h)
	return h
}

// Close disposes every tracked handle in LIFO order. Safe to call
// multiple times.
func (s *Scope) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for i := len(s.handles) - 1; i >= 0; i-- {
		s.handles[i].Dispose()
	}
	s.handles = nil
}

// Len reports the number of live (undisposed) tracked handles. Used by
// tests asserting scope completeness after a run.
func (s *Scope) Len() int {
	return len(s.handles)
}
