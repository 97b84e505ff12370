package session

import (
	"context"

	"github.com/google/uuid"
)

// Scope is a scheduling context: the lifetime that transports are bound to.
// A caller that creates and tears down its own execution context should wrap
// each one in a Scope and pass it down with WithScope; transports created
// under one Scope are never used under another.
type Scope struct {
	id  string
	ctx context.Context
}

// NewScope creates a scope that ends when parent ends or cancel is called.
func NewScope(parent context.Context) (*Scope, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{id: uuid.NewString(), ctx: ctx}, cancel
}

// ID returns the scope's identity.
func (s *Scope) ID() string { return s.id }

// Context returns the context transports bound to this scope must use.
func (s *Scope) Context() context.Context { return s.ctx }

// Ended reports whether the scope has been torn down.
func (s *Scope) Ended() bool { return s.ctx.Err() != nil }

type scopeKey struct{}

// WithScope returns a copy of ctx carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the scope carried by ctx, or nil.
func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
