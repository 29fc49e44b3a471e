package access

import "context"

type contextKey int

const identityContextKey contextKey = iota

// ContextWithIdentity attaches an Identity to ctx. Called by the HTTP
// middleware after successfully validating a JWT. Runner-facing routes do
// not use it: their middleware stores the runner token in the context
// instead.
func ContextWithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, ident)
}

// IdentityFromContext retrieves the Identity stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityContextKey).(Identity)
	return ident, ok
}
