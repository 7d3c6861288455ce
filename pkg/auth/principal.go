package auth

import (
	"context"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the identity extracted from a verified token. It lives for one request.
type Principal struct {
	Subject  string
	Username string
	Roles    []string
	Claims   jwt.MapClaims
}

// HasRole reports whether role is among the realm roles.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

func principalFromClaims(claims jwt.MapClaims) *Principal {
	p := &Principal{Claims: claims, Roles: realmRoles(claims)}
	if sub, ok := claims["sub"].(string); ok {
		p.Subject = sub
	}
	if name, ok := claims["preferred_username"].(string); ok {
		p.Username = name
	}
	return p
}

// realmRoles reads realm_access.roles, ignoring anything that is not a string.
func realmRoles(claims jwt.MapClaims) []string {
	ra, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := ra["roles"].([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

type ctxKey string

const principalCtxKey ctxKey = "principal"

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// PrincipalFromContext extracts the principal set by the authentication middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalCtxKey).(*Principal)
	return p, ok && p != nil
}
