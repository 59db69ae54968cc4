package auth

import "context"

type contextKey string

const principalKey contextKey = "principal"

// Principal is the identity an operation runs as. Admin API requests run as
// the token subject; inbound messages run as the user configured on the
// connector that received them.
type Principal struct {
	ID       string
	Username string
	Roles    []string
}

// WithPrincipal returns a copy of ctx in which work is performed as p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal ctx runs as.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// UserIDFromContext returns the id of the principal, or "" if there is none.
func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.ID
}

// RolesFromContext returns the roles of the principal.
func RolesFromContext(ctx context.Context) []string {
	p, _ := PrincipalFromContext(ctx)
	return p.Roles
}
