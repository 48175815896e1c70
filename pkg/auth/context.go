package auth

import (
	"context"
)

type contextKey string

// ContextKeySession is the context key for the request's Session
const ContextKeySession contextKey = "session"

// WithSession adds the session to the context. Used only at the HTTP edge;
// components receive the session as an explicit argument.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ContextKeySession, s)
}

// SessionFromContext retrieves the session from the context
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ContextKeySession).(*Session)
	return s, ok && s != nil
}
