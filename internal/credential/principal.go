package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role that sees every tenant's rows
const RoleAdmin = "admin"

// Principal is the identity carried by an access token
type Principal struct {
	Subject   string
	TenantID  string
	Role      string
	ExpiresAt time.Time
}

// IsAdmin reports whether the principal bypasses tenant scoping
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Expired reports whether the token's exp claim is in the past
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// DecodePrincipal reads claims without verifying the signature. The token is
// verified by the remote service on every request; locally the claims only
// drive scoping decisions. An undecodable token yields an empty Principal.
func DecodePrincipal(token string) Principal {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Principal{}
	}
	return PrincipalFromClaims(claims)
}

// PrincipalFromClaims maps token claims to a Principal. The tenant falls back
// from tenant_id to app_metadata.tenant_id to the subject.
func PrincipalFromClaims(claims jwt.MapClaims) Principal {
	p := Principal{}
	if sub, err := claims.GetSubject(); err == nil {
		p.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}

	meta, _ := claims["app_metadata"].(map[string]any)

	p.Role = firstString(meta["role"], claims["role"])
	p.TenantID = firstString(claims["tenant_id"], meta["tenant_id"], p.Subject)
	return p
}

func firstString(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
