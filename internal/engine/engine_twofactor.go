package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/tgrange/bastion/internal/auth"
	"github.com/tgrange/bastion/internal/models"
	"github.com/tgrange/bastion/internal/store"
)

// BeginTwoFactorEnrollment generates a fresh secret, provisioning QR, and
// backup codes for the principal. The secret is stored immediately but the
// principal stays in the pending state until ConfirmTwoFactorEnrollment
// proves possession of the paired code generator.
func (e *Engine) BeginTwoFactorEnrollment(ctx context.Context, principalID string) (*auth.Enrollment, error) {
	principal, err := e.store.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		e.logger.Error("failed to look up principal", slog.Any("error", err))
		return nil, models.ErrInternal
	}

	if principal.TwoFactorEnabled() {
		return nil, models.ErrConflict
	}

	enrollment, err := e.twoFactor.BeginEnrollment(principal.Email)
	if err != nil {
		e.logger.Error("failed to begin enrollment", slog.String("principal_id", principalID), slog.Any("error", err))
		return nil, models.ErrInternal
	}

	now := e.now()
	backupEntries := make([]models.BackupCodeEntry, len(enrollment.BackupCodes))
	for i, code := range enrollment.BackupCodes {
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			e.logger.Error("failed to hash backup code", slog.Any("error", err))
			return nil, models.ErrInternal
		}
		backupEntries[i] = models.BackupCodeEntry{CodeHash: string(hash), CreatedAt: now}
	}

	pending := models.TwoFactorPending
	if err := e.store.Update(ctx, principalID, store.PrincipalPatch{
		TwoFactorStatus: &pending,
		TwoFactorSecret: &enrollment.Secret,
		BackupCodes:     &backupEntries,
	}); err != nil {
		e.logger.Error("failed to store enrollment secret", slog.String("principal_id", principalID), slog.Any("error", err))
		return nil, models.ErrInternal
	}

	e.audit.LogAccountAction("two_factor_enrollment_started", principalID, "", nil)
	return enrollment, nil
}

// ConfirmTwoFactorEnrollment verifies the submitted code against the pending
// secret and, on success, flips the principal to the enabled state.
func (e *Engine) ConfirmTwoFactorEnrollment(ctx context.Context, principalID, code string) error {
	principal, err := e.store.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		e.logger.Error("failed to look up principal", slog.Any("error", err))
		return models.ErrInternal
	}

	if principal.TwoFactorStatus != models.TwoFactorPending || principal.TwoFactorSecret == "" {
		return models.ErrTwoFactorInvalid
	}
	if !e.twoFactor.VerifyCode(principal.TwoFactorSecret, code) {
		return models.ErrTwoFactorInvalid
	}

	enabled := models.TwoFactorEnabled
	if err := e.store.Update(ctx, principalID, store.PrincipalPatch{TwoFactorStatus: &enabled}); err != nil {
		e.logger.Error("failed to enable two-factor", slog.String("principal_id", principalID), slog.Any("error", err))
		return models.ErrInternal
	}

	e.audit.LogAccountAction("two_factor_enabled", principalID, "", nil)
	return nil
}

// verifySecondFactor accepts either a current TOTP code or an unused backup
// code. A consumed backup code is marked used immediately.
func (e *Engine) verifySecondFactor(ctx context.Context, principal *models.Principal, code string) error {
	if e.twoFactor.VerifyCode(principal.TwoFactorSecret, code) {
		return nil
	}
	if e.consumeBackupCode(ctx, principal, code) {
		return nil
	}
	return models.ErrTwoFactorInvalid
}

func (e *Engine) consumeBackupCode(ctx context.Context, principal *models.Principal, code string) bool {
	normalized := auth.NormalizeBackupCode(code)
	if normalized == "" {
		return false
	}

	for i := range principal.BackupCodes {
		entry := &principal.BackupCodes[i]
		if entry.UsedAt != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(entry.CodeHash), []byte(normalized)) != nil {
			continue
		}

		usedAt := e.now()
		entry.UsedAt = &usedAt
		codes := append([]models.BackupCodeEntry(nil), principal.BackupCodes...)
		if err := e.store.Update(ctx, principal.ID, store.PrincipalPatch{BackupCodes: &codes}); err != nil {
			e.logger.Error("failed to mark backup code used", slog.String("principal_id", principal.ID), slog.Any("error", err))
			return false
		}

		e.audit.LogAccountAction("backup_code_used", principal.ID, "", map[string]string{
			"remaining": strconv.Itoa(remainingCodes(codes)),
		})
		return true
	}
	return false
}

func remainingCodes(codes []models.BackupCodeEntry) int {
	remaining := 0
	for _, c := range codes {
		if c.UsedAt == nil {
			remaining++
		}
	}
	return remaining
}
