// ABOUTME: Authenticated identity type and context plumbing for request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the caller through context

package auth

import (
	"context"
)

// Identity is the resolved caller of a lifecycle operation. It is attached
// to the request context by the auth middleware before any handler runs,
// so the dispatch layer never sees raw tokens.
type Identity struct {
	Subject string // stable caller identifier from the token's "sub" claim
}

// Anonymous is the identity attached to every request when authentication
// is disabled.
var Anonymous = Identity{Subject: "anonymous"}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context. The second return
// is false if no identity was attached.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
// Handlers behind the auth middleware can rely on it.
func MustFromContext(ctx context.Context) Identity {
	id, ok := FromContext(ctx)
	if !ok {
		panic("auth: Identity not found in context")
	}
	return id
}
