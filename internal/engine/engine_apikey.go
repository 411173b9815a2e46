package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tgrange/bastion/internal/models"
	"github.com/tgrange/bastion/internal/store"
)

// IssueAPIKey generates a new API key for the principal, returning the
// plaintext exactly once. Any prior key is overwritten: at most one key is
// active per principal.
func (e *Engine) IssueAPIKey(ctx context.Context, principalID string) (string, error) {
	principal, err := e.store.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", models.ErrNotFound
		}
		e.logger.Error("failed to look up principal", slog.Any("error", err))
		return "", models.ErrInternal
	}

	plainKey, hash, err := e.tokens.IssueAPIKey()
	if err != nil {
		e.logger.Error("failed to generate api key", slog.String("principal_id", principal.ID), slog.Any("error", err))
		return "", models.ErrInternal
	}

	createdAt := e.now()
	if err := e.store.Update(ctx, principal.ID, store.PrincipalPatch{
		APIKeyHash:      &hash,
		APIKeyCreatedAt: &createdAt,
	}); err != nil {
		e.logger.Error("failed to store api key", slog.String("principal_id", principal.ID), slog.Any("error", err))
		return "", models.ErrInternal
	}

	e.audit.LogAccountAction("api_key_issued", principal.ID, "", nil)
	return plainKey, nil
}

// VerifyAPIKey resolves a presented key to its principal. Keys failing the
// format short-circuit are rejected before any hashing or lookup.
func (e *Engine) VerifyAPIKey(ctx context.Context, plainKey string) (*models.SanitizedPrincipal, error) {
	hash, err := e.tokens.HashAPIKey(plainKey)
	if err != nil {
		return nil, models.ErrAPIKeyInvalid
	}

	principal, err := e.store.FindByAPIKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrAPIKeyInvalid
		}
		e.logger.Error("failed to look up api key", slog.Any("error", err))
		return nil, models.ErrInternal
	}

	if !principal.IsActive {
		return nil, models.ErrAPIKeyInvalid
	}

	lastUsed := e.now()
	if err := e.store.Update(ctx, principal.ID, store.PrincipalPatch{APIKeyLastUsed: &lastUsed}); err != nil {
		// Usage timestamps are best-effort; the key already verified.
		e.logger.Error("failed to update api key usage", slog.String("principal_id", principal.ID), slog.Any("error", err))
	}

	return principal.Sanitize(), nil
}

// RevokeAPIKey clears the stored API key hash and timestamps.
func (e *Engine) RevokeAPIKey(ctx context.Context, principalID string) error {
	if err := e.store.Update(ctx, principalID, store.PrincipalPatch{ClearAPIKey: true}); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		e.logger.Error("failed to revoke api key", slog.String("principal_id", principalID), slog.Any("error", err))
		return models.ErrInternal
	}

	e.audit.LogAccountAction("api_key_revoked", principalID, "", nil)
	return nil
}
