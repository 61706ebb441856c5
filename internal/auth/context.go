// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the verified user via context

package auth

import (
	"context"

	"github.com/2389/ragchat-gateway/internal/identity"
)

// AuthContext holds the authenticated user extracted from a request.
type AuthContext struct {
	UserID string
	Email  string
}

// Identity returns the registered identity of the authenticated user.
func (a *AuthContext) Identity() identity.Identity {
	return identity.Registered(a.UserID)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
