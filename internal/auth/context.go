package auth

import "context"

type contextKey struct{}

var identityKey contextKey

func WithIdentity(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, identityKey, email)
}

// IdentityFrom returns the authenticated account email established by the
// session middleware, if any.
func IdentityFrom(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(identityKey).(string)
	return email, ok && email != ""
}
