package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgrange/bastion/internal/models"
)

func TestBeginTwoFactorEnrollment(t *testing.T) {
	fx := newTestEngine(t)
	p := seedPrincipal(t, fx.store, "alice@example.com")
	ctx := context.Background()

	enrollment, err := fx.engine.BeginTwoFactorEnrollment(ctx, p.ID)
	require.NoError(t, err)

	assert.NotEmpty(t, enrollment.Secret)
	assert.NotEmpty(t, enrollment.ProvisioningURI)
	assert.NotEmpty(t, enrollment.QRCodeDataURL)
	assert.Len(t, enrollment.BackupCodes, 10)

	stored, err := fx.store.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TwoFactorPending, stored.TwoFactorStatus)
	assert.Equal(t, enrollment.Secret, stored.TwoFactorSecret)
	assert.Len(t, stored.BackupCodes, 10)

	// Pending is not enabled: logins do not hit the two-factor gate yet.
	result, err := fx.engine.Login(ctx, loginRequest("alice@example.com", testPassword))
	require.NoError(t, err)
	assert.False(t, result.RequiresTwoFactor)
}

func TestBeginTwoFactorEnrollment_AlreadyEnabled(t *testing.T) {
	fx := newTestEngine(t)
	p := seedPrincipal(t, fx.store, "alice@example.com", withTwoFactor(newTOTPSecret(t)))

	_, err := fx.engine.BeginTwoFactorEnrollment(context.Background(), p.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestBeginTwoFactorEnrollment_RestartReplacesSecret(t *testing.T) {
	fx := newTestEngine(t)
	p := seedPrincipal(t, fx.store, "alice@example.com")
	ctx := context.Background()

	first, err := fx.engine.BeginTwoFactorEnrollment(ctx, p.ID)
	require.NoError(t, err)
	second, err := fx.engine.BeginTwoFactorEnrollment(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.Secret, second.Secret)

	// Only the latest secret confirms.
	err = fx.engine.ConfirmTwoFactorEnrollment(ctx, p.ID, totpCode(t, first.Secret))
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
	err = fx.engine.ConfirmTwoFactorEnrollment(ctx, p.ID, totpCode(t, second.Secret))
	assert.NoError(t, err)
}

func TestBeginTwoFactorEnrollment_UnknownPrincipal(t *testing.T) {
	fx := newTestEngine(t)

	_, err := fx.engine.BeginTwoFactorEnrollment(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConfirmTwoFactorEnrollment(t *testing.T) {
	fx := newTestEngine(t)
	p := seedPrincipal(t, fx.store, "alice@example.com")
	ctx := context.Background()

	enrollment, err := fx.engine.BeginTwoFactorEnrollment(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, fx.engine.ConfirmTwoFactorEnrollment(ctx, p.ID, totpCode(t, enrollment.Secret)))

	stored, err := fx.store.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TwoFactorEnabled, stored.TwoFactorStatus)

	// Subsequent logins now require the second factor.
	result, err := fx.engine.Login(ctx, loginRequest("alice@example.com", testPassword))
	require.NoError(t, err)
	assert.True(t, result.RequiresTwoFactor)
}

func TestConfirmTwoFactorEnrollment_WrongCode(t *testing.T) {
	fx := newTestEngine(t)
	p := seedPrincipal(t, fx.store, "alice@example.com")
	ctx := context.Background()

	_, err := fx.engine.BeginTwoFactorEnrollment(ctx, p.ID)
	require.NoError(t, err)

	err = fx.engine.ConfirmTwoFactorEnrollment(ctx, p.ID, "000000")
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)

	// A failed confirmation leaves the enrollment pending, never enabled.
	stored, err := fx.store.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TwoFactorPending, stored.TwoFactorStatus)
}

func TestConfirmTwoFactorEnrollment_WithoutEnrollment(t *testing.T) {
	fx := newTestEngine(t)
	p := seedPrincipal(t, fx.store, "alice@example.com")

	err := fx.engine.ConfirmTwoFactorEnrollment(context.Background(), p.ID, "123456")
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestConfirmTwoFactorEnrollment_BackupCodeRejected(t *testing.T) {
	fx := newTestEngine(t)
	p := seedPrincipal(t, fx.store, "alice@example.com")
	ctx := context.Background()

	enrollment, err := fx.engine.BeginTwoFactorEnrollment(ctx, p.ID)
	require.NoError(t, err)

	// Confirmation must prove possession of the code generator; a backup
	// code is not evidence of that.
	err = fx.engine.ConfirmTwoFactorEnrollment(ctx, p.ID, enrollment.BackupCodes[0])
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}
