package auth

import (
	"context"
	"net/http"
)

// ContextKey is the key type for context values this package stores.
type ContextKey string

// ClaimsContextKey is the context key the HTTP middleware stores validated
// Claims under.
const ClaimsContextKey ContextKey = "auth_claims"

// Middleware guards HTTP handlers with a bearer JWT.
type Middleware struct {
	manager  *Manager
	skipAuth bool // local/dev only: every request is treated as RoleOperator
}

// NewMiddleware constructs a Middleware. skipAuth should only be set from
// a local-development configuration flag, never in a deployed instance.
func NewMiddleware(manager *Manager, skipAuth bool) *Middleware {
	return &Middleware{manager: manager, skipAuth: skipAuth}
}

// RequireRole wraps next, rejecting requests that lack a valid bearer token
// or whose role isn't in allowed.
func (m *Middleware) RequireRole(allowed ...string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]bool, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.skipAuth {
				ctx := context.WithValue(r.Context(), ClaimsContextKey, &Claims{Role: RoleOperator})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			token, err := ExtractBearerToken(authHeader)
			if err != nil {
				http.Error(w, `{"error":"missing or malformed bearer token"}`, http.StatusUnauthorized)
				return
			}
			claims, err := m.manager.ValidateToken(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if len(allowedSet) > 0 && !allowedSet[claims.Role] {
				http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts the Claims a RequireRole middleware stored.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return claims, ok
}
