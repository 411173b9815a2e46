package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgrange/bastion/internal/models"
)

func newPrincipal(email string) *models.Principal {
	return &models.Principal{
		Email:           email,
		PasswordHash:    "$2a$04$fakefakefakefakefakefake",
		Role:            "user",
		Permissions:     []string{"tasks:read"},
		IsActive:        true,
		TwoFactorStatus: models.TwoFactorDisabled,
	}
}

func TestMemoryStore_CreateAndFind(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newPrincipal("Alice@Example.com"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice@example.com", created.Email)
	assert.False(t, created.CreatedAt.IsZero())

	byEmail, err := s.FindByEmail(ctx, "ALICE@example.COM")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	byID, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Email, byID.Email)
}

func TestMemoryStore_CreateDuplicateEmail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Create(ctx, newPrincipal("alice@example.com"))
	require.NoError(t, err)

	_, err = s.Create(ctx, newPrincipal("ALICE@example.com"))
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestMemoryStore_FindMissing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.FindByID(ctx, "no-such-id")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.FindByRefreshTokenHash(ctx, "deadbeef")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.FindByAPIKeyHash(ctx, "deadbeef")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_ReadsReturnCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newPrincipal("alice@example.com"))
	require.NoError(t, err)

	// Mutating a returned principal must not leak into the store.
	created.FailedLoginAttempts = 99
	created.Permissions[0] = "tampered"

	stored, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedLoginAttempts)
	assert.Equal(t, []string{"tasks:read"}, stored.Permissions)
}

func TestMemoryStore_UpdatePatchSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newPrincipal("alice@example.com"))
	require.NoError(t, err)

	failures := 3
	lockedUntil := time.Now().Add(30 * time.Minute)
	hash := "refresh-hash"
	expires := time.Now().Add(720 * time.Hour)
	require.NoError(t, s.Update(ctx, created.ID, PrincipalPatch{
		FailedLoginAttempts:   &failures,
		LockedUntil:           &lockedUntil,
		RefreshTokenHash:      &hash,
		RefreshTokenExpiresAt: &expires,
	}))

	stored, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.FailedLoginAttempts)
	require.NotNil(t, stored.LockedUntil)
	assert.WithinDuration(t, lockedUntil, *stored.LockedUntil, time.Second)
	assert.Equal(t, "refresh-hash", stored.RefreshTokenHash)

	// An empty patch touches nothing but updated_at.
	require.NoError(t, s.Update(ctx, created.ID, PrincipalPatch{}))
	stored, err = s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.FailedLoginAttempts)
	assert.NotNil(t, stored.LockedUntil)

	// Clear flags null the optional fields.
	require.NoError(t, s.Update(ctx, created.ID, PrincipalPatch{
		ClearLockedUntil:  true,
		ClearRefreshToken: true,
	}))
	stored, err = s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LockedUntil)
	assert.Empty(t, stored.RefreshTokenHash)
	assert.Nil(t, stored.RefreshTokenExpiresAt)
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	s := NewMemoryStore()

	err := s.Update(context.Background(), "no-such-id", PrincipalPatch{ClearLockedUntil: true})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_FindByRefreshTokenHash(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newPrincipal("alice@example.com"))
	require.NoError(t, err)

	hash := "refresh-hash"
	expires := time.Now().Add(time.Hour)
	require.NoError(t, s.Update(ctx, created.ID, PrincipalPatch{
		RefreshTokenHash:      &hash,
		RefreshTokenExpiresAt: &expires,
	}))

	found, err := s.FindByRefreshTokenHash(ctx, "refresh-hash")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}

func TestMemoryStore_FindByAPIKeyHash(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newPrincipal("alice@example.com"))
	require.NoError(t, err)

	hash := "api-key-hash"
	now := time.Now()
	require.NoError(t, s.Update(ctx, created.ID, PrincipalPatch{
		APIKeyHash:      &hash,
		APIKeyCreatedAt: &now,
	}))

	found, err := s.FindByAPIKeyHash(ctx, "api-key-hash")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	require.NoError(t, s.Update(ctx, created.ID, PrincipalPatch{ClearAPIKey: true}))
	_, err = s.FindByAPIKeyHash(ctx, "api-key-hash")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_LoginHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newPrincipal("alice@example.com"))
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendLoginHistory(ctx, &models.LoginHistoryEntry{
			PrincipalID:   created.ID,
			OriginAddress: "10.0.0.1",
			Success:       true,
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// Most recent first, limit honored.
	entries, err := s.GetRecentSuccessfulLogins(ctx, created.ID, base.Add(-time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Timestamp.After(entries[1].Timestamp))
	assert.True(t, entries[1].Timestamp.After(entries[2].Timestamp))

	// The since cutoff excludes older entries.
	entries, err = s.GetRecentSuccessfulLogins(ctx, created.ID, base.Add(3*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Failed attempts are recorded but never returned.
	assert.Len(t, s.History(created.ID), 5)
	require.NoError(t, s.AppendLoginHistory(ctx, &models.LoginHistoryEntry{
		PrincipalID:   created.ID,
		OriginAddress: "10.0.0.1",
		Success:       false,
		Timestamp:     base.Add(10 * time.Minute),
	}))
	entries, err = s.GetRecentSuccessfulLogins(ctx, created.ID, base.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.Len(t, s.History(created.ID), 6)
}

func TestMemoryStore_FailuresDoNotDisplaceSuccesses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newPrincipal("alice@example.com"))
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	require.NoError(t, s.AppendLoginHistory(ctx, &models.LoginHistoryEntry{
		PrincipalID:   created.ID,
		OriginAddress: "10.0.0.1",
		Success:       true,
		Timestamp:     base,
	}))
	for i := 0; i < 20; i++ {
		require.NoError(t, s.AppendLoginHistory(ctx, &models.LoginHistoryEntry{
			PrincipalID:   created.ID,
			OriginAddress: "10.0.0.1",
			Success:       false,
			Timestamp:     base.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	// The lone success stays visible behind 20 newer failures.
	entries, err := s.GetRecentSuccessfulLogins(ctx, created.ID, base.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
}

func TestMemoryStore_UpsertDevice(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newPrincipal("alice@example.com"))
	require.NoError(t, err)

	first := time.Now().Add(-time.Hour)
	require.NoError(t, s.UpsertDevice(ctx, created.ID, "fp-1", "agent/1.0", first))

	rec, ok := s.Device(created.ID, "fp-1")
	require.True(t, ok)
	assert.Equal(t, first, rec.FirstSeen)
	assert.Equal(t, first, rec.LastSeen)

	second := time.Now()
	require.NoError(t, s.UpsertDevice(ctx, created.ID, "fp-1", "agent/2.0", second))

	rec, ok = s.Device(created.ID, "fp-1")
	require.True(t, ok)
	assert.Equal(t, first, rec.FirstSeen)
	assert.Equal(t, second, rec.LastSeen)
	assert.Equal(t, "agent/2.0", rec.UserAgent)
}
