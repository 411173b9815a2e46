// Package store defines the CredentialStore contract the authentication
// engine requires of its persistence collaborator, plus an in-memory
// reference implementation and a Postgres implementation.
package store

import (
	"context"
	"time"

	"github.com/tgrange/bastion/internal/models"
)

// CredentialStore persists principal records, login history, and device
// sightings. Implementations return models.ErrNotFound for absent rows.
//
// FindByRefreshTokenHash and FindByAPIKeyHash exist because refresh tokens
// and API keys are opaque random values: verification has to reverse-map the
// presented hash to its owner.
type CredentialStore interface {
	Create(ctx context.Context, p *models.Principal) (*models.Principal, error)
	FindByEmail(ctx context.Context, email string) (*models.Principal, error)
	FindByID(ctx context.Context, id string) (*models.Principal, error)
	FindByRefreshTokenHash(ctx context.Context, hash string) (*models.Principal, error)
	FindByAPIKeyHash(ctx context.Context, hash string) (*models.Principal, error)
	Update(ctx context.Context, id string, patch PrincipalPatch) error
	AppendLoginHistory(ctx context.Context, entry *models.LoginHistoryEntry) error
	UpsertDevice(ctx context.Context, principalID, fingerprint, userAgent string, seenAt time.Time) error
	GetRecentSuccessfulLogins(ctx context.Context, principalID string, since time.Time, limit int) ([]*models.LoginHistoryEntry, error)
}

// PrincipalPatch is a partial update. Pointer fields are applied when
// non-nil; Clear* flags null out the corresponding optional columns.
type PrincipalPatch struct {
	IsActive *bool

	FailedLoginAttempts *int
	LockedUntil         *time.Time
	ClearLockedUntil    bool

	TwoFactorStatus      *models.TwoFactorStatus
	TwoFactorSecret      *string
	ClearTwoFactorSecret bool
	BackupCodes          *[]models.BackupCodeEntry

	RefreshTokenHash      *string
	RefreshTokenExpiresAt *time.Time
	ClearRefreshToken     bool

	APIKeyHash      *string
	APIKeyCreatedAt *time.Time
	APIKeyLastUsed  *time.Time
	ClearAPIKey     bool
}
