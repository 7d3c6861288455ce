package auth

import (
	"context"
	"net/http"

	"nodesense/pkg/apierr"
	"nodesense/pkg/policy"
	"nodesense/pkg/structlog"
)

// RoleAdmin is the realm role required by administrative routes.
const RoleAdmin = "admin"

// Authorizer turns a principal plus a required role into allow/deny.
type Authorizer struct {
	engine policy.Engine
	log    *structlog.Logger
}

// NewAuthorizer uses engine for decisions; nil means plain role membership.
func NewAuthorizer(engine policy.Engine, log *structlog.Logger) *Authorizer {
	if engine == nil {
		engine = policy.RoleEngine{}
	}
	if log == nil {
		log = structlog.Nop()
	}
	return &Authorizer{engine: engine, log: log}
}

// RequireRole returns p unchanged when allowed. A failed policy evaluation denies.
func (a *Authorizer) RequireRole(ctx context.Context, p *Principal, role string) (*Principal, error) {
	if p == nil {
		return nil, apierr.Authentication("Not authenticated", ErrMissingToken)
	}
	allowed, err := a.engine.Allow(ctx, policy.Input{
		Subject:      p.Subject,
		Roles:        p.Roles,
		RequiredRole: role,
		Claims:       p.Claims,
	})
	if err != nil {
		a.log.Error("policy evaluation failed", structlog.Fields{"subject": p.Subject, "role": role, "error": err})
		allowed = false
	}
	if !allowed {
		return nil, apierr.Authorization(deniedDetail(role))
	}
	return p, nil
}

func deniedDetail(role string) string {
	if role == RoleAdmin {
		return "Admin privileges required"
	}
	return "Role '" + role + "' required"
}

// Authenticate is middleware that verifies the bearer token and stores the principal in
// the request context.
func Authenticate(v *Verifier, log *structlog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = structlog.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				apierr.Write(w, apierr.Authentication("Not authenticated", err))
				return
			}
			p, err := v.Verify(r.Context(), token)
			if err != nil {
				if apierr.Status(err) == http.StatusUnauthorized {
					log.WithContext(r.Context()).SecurityEvent("invalid_token", structlog.Fields{"path": r.URL.Path, "error": err})
				} else {
					log.WithContext(r.Context()).Error("token verification unavailable", structlog.Fields{"error": err})
				}
				apierr.Write(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Middleware enforces role on the principal placed by Authenticate.
func (a *Authorizer) Middleware(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := PrincipalFromContext(r.Context())
			if _, err := a.RequireRole(r.Context(), p, role); err != nil {
				if p != nil {
					a.log.WithContext(r.Context()).SecurityEvent("role_denied", structlog.Fields{
						"subject": p.Subject, "role": role, "path": r.URL.Path,
					})
				}
				apierr.Write(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
