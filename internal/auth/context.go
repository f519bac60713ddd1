// ABOUTME: Request context carrying the operator verified by the HTTP middleware
// ABOUTME: Handlers read it back to attribute admin actions in their logs

package auth

import (
	"context"
	"time"
)

// AuthContext describes the operator behind a request.
type AuthContext struct {
	Subject   string
	TokenID   string
	ExpiresAt time.Time
}

type authContextKey struct{}

// WithAuth attaches ac to ctx.
func WithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext returns the operator attached to ctx, or nil.
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return ac
}

// Operator returns the subject of the operator attached to ctx, or "" when
// the request was not authenticated.
func Operator(ctx context.Context) string {
	if ac := FromContext(ctx); ac != nil {
		return ac.Subject
	}
	return ""
}
