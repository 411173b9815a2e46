package models

import (
	"time"
)

// TwoFactorStatus tracks the enrollment lifecycle of a principal's second factor.
// A secret may exist while status is Pending; it must never be trusted until the
// principal has confirmed possession of the paired code generator.
type TwoFactorStatus string

const (
	TwoFactorDisabled TwoFactorStatus = "disabled"
	TwoFactorPending  TwoFactorStatus = "pending"
	TwoFactorEnabled  TwoFactorStatus = "enabled"
)

// Principal represents a registered account
type Principal struct {
	ID                    string
	Email                 string // unique, stored lowercase
	PasswordHash          string
	Role                  string // e.g., "user", "admin"
	Permissions           []string
	IsActive              bool
	TwoFactorStatus       TwoFactorStatus
	TwoFactorSecret       string // base32 TOTP secret; empty unless pending/enabled
	BackupCodes           []BackupCodeEntry
	FailedLoginAttempts   int
	LockedUntil           *time.Time // temporary account lock expiration
	RefreshTokenHash      string
	RefreshTokenExpiresAt *time.Time
	APIKeyHash            string
	APIKeyCreatedAt       *time.Time
	APIKeyLastUsed        *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TwoFactorEnabled reports whether the principal has a confirmed second factor.
func (p *Principal) TwoFactorEnabled() bool {
	return p.TwoFactorStatus == TwoFactorEnabled
}

// IsLocked reports whether the account-level lock is still in effect.
// A LockedUntil in the past is equivalent to unlocked.
func (p *Principal) IsLocked(now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}

// BackupCodeEntry is a single-use recovery code, hashed at rest.
type BackupCodeEntry struct {
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// SanitizedPrincipal is the caller-facing view of a principal with password
// hash and secrets stripped.
type SanitizedPrincipal struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	IsActive    bool     `json:"is_active"`
	TwoFactor   bool     `json:"two_factor_enabled"`
}

// Sanitize strips credential material for inclusion in responses.
func (p *Principal) Sanitize() *SanitizedPrincipal {
	perms := make([]string, len(p.Permissions))
	copy(perms, p.Permissions)
	return &SanitizedPrincipal{
		ID:          p.ID,
		Email:       p.Email,
		Role:        p.Role,
		Permissions: perms,
		IsActive:    p.IsActive,
		TwoFactor:   p.TwoFactorEnabled(),
	}
}
