package auth

import "context"

type ctxKey struct{}

// Identity is the authenticated principal attached to a request context
// after token verification.
type Identity struct {
	UserID int64
	Email  string
	Role   string
}

// WithUser returns a new context carrying the authenticated identity.
func WithUser(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// UserFromContext extracts the authenticated identity from the context.
// The bool is false if the request was not authenticated.
func UserFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
