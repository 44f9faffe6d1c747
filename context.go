package fleet

import "context"

type principalKey struct{}

// WithPrincipal attaches the calling principal to the context. The
// coordinator passes it to the authorizer on launch, teardown, reservation,
// and gone-marking decisions.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom extracts the calling principal from the context.
// Returns an empty string if none is present.
func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
