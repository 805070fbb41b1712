// Package auth guards the admin HTTP surface (internal/adminapi) with a
// bearer JWT. There is no multi-tenant user store behind it: the admin API
// is a single-operator break-glass surface (start/advance/rollback a
// canary, reset to idle), so a token carries only a subject and a role,
// not a tenant or API-key identity.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognized by the admin API. RoleOperator can call every admin
// endpoint; RoleViewer can call pick_policy, on_run_completed, the audit
// tail and the trace lookups, but none of the rollout-mutating endpoints.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Claims is the JWT payload issued and validated by Manager.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Manager issues and validates admin API tokens.
type Manager struct {
	signingKey []byte
	expiry     time.Duration
	issuer     string
}

// NewManager constructs a Manager. signingKey must be non-empty.
func NewManager(signingKey string, expiry time.Duration) *Manager {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Manager{signingKey: []byte(signingKey), expiry: expiry, issuer: "policyloopd"}
}

// IssueToken mints a signed token for subject with the given role.
func (m *Manager) IssueToken(subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// ValidateToken parses and verifies tokenString, returning its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.Issuer != m.issuer {
		return nil, fmt.Errorf("auth: invalid token issuer")
	}
	return claims, nil
}

// ExtractBearerToken extracts the token from an Authorization header value.
func ExtractBearerToken(authHeader string) (string, error) {
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		return "", fmt.Errorf("auth: invalid authorization header format")
	}
	return authHeader[len(prefix):], nil
}
