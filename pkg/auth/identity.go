package auth

import (
	"context"

	"github.com/patrolwire/patrolwire/pkg/user"
)

// Identity is the authenticated caller attached to a request's context by
// Middleware.
type Identity struct {
	UserID   string
	TenantID string
	Role     user.Role
}

type contextKey string

const identityKey contextKey = "auth_identity"

// NewContext stores id in ctx.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the Identity attached by Middleware, or nil if the
// request reached this point unauthenticated (e.g. a public route).
func FromContext(ctx context.Context) *Identity {
	v, ok := ctx.Value(identityKey).(Identity)
	if !ok {
		return nil
	}
	return &v
}
