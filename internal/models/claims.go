package models

import "github.com/golang-jwt/jwt/v5"

// Token type discriminators carried in the Type claim.
const (
	TokenTypeAccess     = "access"
	TokenTypePending2FA = "pending_2fa"
)

// AccessClaims is the typed claim set for signed tokens. Claims are an explicit
// struct rather than an open map so unexpected fields cannot be injected.
type AccessClaims struct {
	Type        string   `json:"typ"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	Pending     bool     `json:"pending,omitempty"`
	jwt.RegisteredClaims
}
