// Package engine orchestrates credential verification, token issuance and
// rotation, brute-force tracking, anomaly detection, and two-factor
// lifecycles. It is the only component other subsystems call directly.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tgrange/bastion/internal/auth"
	"github.com/tgrange/bastion/internal/models"
	"github.com/tgrange/bastion/internal/store"
	pkgauth "github.com/tgrange/bastion/pkg/auth"
	pkglogger "github.com/tgrange/bastion/pkg/logger"
)

// AnomalyNotifier is told about new-device and new-location logins. It never
// blocks a login; failures are logged and dropped.
type AnomalyNotifier interface {
	NotifyAnomalousLogin(ctx context.Context, principal *models.Principal, result models.AnomalyResult, originAddress string) error
}

// Config holds the engine's security tuning.
type Config struct {
	LockoutThreshold int           // failed password attempts before an account lock
	LockoutDuration  time.Duration // how long the account lock lasts
}

// Engine is the authentication engine. Construct with New; all fields are
// read-only after construction.
type Engine struct {
	store     store.CredentialStore
	tokens    *auth.TokenIssuer
	twoFactor *auth.TwoFactorManager
	tracker   auth.AttemptTracker
	anomaly   *auth.AnomalyDetector
	notifier  AnomalyNotifier
	logger    *slog.Logger
	audit     *pkglogger.AuditLogger
	config    Config
	now       func() time.Time
}

// New creates an Engine. notifier may be nil.
func New(
	credStore store.CredentialStore,
	tokens *auth.TokenIssuer,
	twoFactor *auth.TwoFactorManager,
	tracker auth.AttemptTracker,
	anomaly *auth.AnomalyDetector,
	notifier AnomalyNotifier,
	logger *slog.Logger,
	audit *pkglogger.AuditLogger,
	config Config,
) *Engine {
	return &Engine{
		store:     credStore,
		tokens:    tokens,
		twoFactor: twoFactor,
		tracker:   tracker,
		anomaly:   anomaly,
		notifier:  notifier,
		logger:    logger,
		audit:     audit,
		config:    config,
		now:       time.Now,
	}
}

// LoginRequest carries the credentials and request context for a login.
type LoginRequest struct {
	Email             string
	Password          string
	OriginAddress     string
	UserAgent         string
	DeviceFingerprint string // optional
	TwoFactorCode     string // optional; TOTP or backup code
}

// LoginResult is the outcome of a successful or two-factor-pending login.
// RequiresTwoFactor is a flow branch, not a failure: the caller must complete
// the login with CompleteTwoFactorLogin using PendingToken.
type LoginResult struct {
	RequiresTwoFactor bool
	PendingToken      string
	AccessToken       string
	RefreshToken      string
	RefreshExpiresAt  time.Time
	Principal         *models.SanitizedPrincipal
	Anomaly           models.AnomalyResult
}

// Login runs the full login gate sequence. Every gate either proceeds or
// returns a typed failure; nothing is retried inside the engine.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, models.ErrAuthenticationFailed
	}

	// BLOCK_CHECK: origin+identifier rate limit.
	if e.tracker.IsBlocked(req.OriginAddress, email) {
		e.audit.LogSuspiciousActivity("login_rate_limited", "", req.OriginAddress, map[string]string{
			"identifier": email,
		})
		return nil, models.ErrAccountLocked
	}

	// LOOKUP: never reveal whether the email exists.
	principal, err := e.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			e.tracker.RecordFailure(req.OriginAddress, email)
			e.audit.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "login_failed",
				OriginAddress: req.OriginAddress,
				FailureReason: "unknown_identity",
				Success:       false,
			})
			return nil, models.ErrAuthenticationFailed
		}
		e.logger.Error("failed to look up principal", slog.Any("error", err))
		return nil, models.ErrInternal
	}

	// LOCK_CHECK: an active account lock fails without consuming an attempt.
	if principal.IsLocked(e.now()) {
		e.audit.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_locked",
			PrincipalID:   principal.ID,
			OriginAddress: req.OriginAddress,
			FailureReason: "account_locked",
			Success:       false,
		})
		return nil, models.ErrAccountLocked
	}

	// PASSWORD_CHECK
	if err := pkgauth.ComparePassword(principal.PasswordHash, req.Password); err != nil {
		return nil, e.recordPasswordFailure(ctx, principal, req)
	}

	// ACTIVE_CHECK
	if !principal.IsActive {
		e.audit.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			PrincipalID:   principal.ID,
			OriginAddress: req.OriginAddress,
			FailureReason: "account_inactive",
			Success:       false,
		})
		return nil, models.ErrAccountInactive
	}

	// TWO_FACTOR_GATE
	if principal.TwoFactorEnabled() {
		if req.TwoFactorCode == "" {
			pendingToken, err := e.tokens.IssuePendingTwoFactorToken(principal.ID)
			if err != nil {
				e.logger.Error("failed to issue pending token", slog.String("principal_id", principal.ID), slog.Any("error", err))
				return nil, models.ErrInternal
			}
			return &LoginResult{
				RequiresTwoFactor: true,
				PendingToken:      pendingToken,
			}, nil
		}
		if err := e.verifySecondFactor(ctx, principal, req.TwoFactorCode); err != nil {
			// A wrong second factor does not touch the password failure counter.
			e.audit.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "login_failed",
				PrincipalID:   principal.ID,
				OriginAddress: req.OriginAddress,
				FailureReason: "two_factor_invalid",
				Success:       false,
			})
			return nil, err
		}
	}

	return e.finishLogin(ctx, principal, req)
}

// CompleteTwoFactorLogin finishes a login that returned RequiresTwoFactor,
// exchanging the pending token plus a second-factor code for real tokens.
func (e *Engine) CompleteTwoFactorLogin(ctx context.Context, pendingToken, code string, req LoginRequest) (*LoginResult, error) {
	principalID, err := e.tokens.VerifyPendingTwoFactorToken(pendingToken)
	if err != nil {
		return nil, err
	}

	principal, err := e.store.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrAuthenticationFailed
		}
		e.logger.Error("failed to look up principal", slog.Any("error", err))
		return nil, models.ErrInternal
	}

	if principal.IsLocked(e.now()) {
		return nil, models.ErrAccountLocked
	}
	if !principal.IsActive {
		return nil, models.ErrAccountInactive
	}
	if !principal.TwoFactorEnabled() {
		return nil, models.ErrTokenInvalid
	}

	if err := e.verifySecondFactor(ctx, principal, code); err != nil {
		e.audit.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			PrincipalID:   principal.ID,
			OriginAddress: req.OriginAddress,
			FailureReason: "two_factor_invalid",
			Success:       false,
		})
		return nil, err
	}

	req.Email = principal.Email
	return e.finishLogin(ctx, principal, req)
}

// recordPasswordFailure commits the failure side effects: the tracker
// increment, the principal counter, and the account lock at threshold. The
// attempt that reaches the threshold is itself answered with the lock.
func (e *Engine) recordPasswordFailure(ctx context.Context, principal *models.Principal, req LoginRequest) error {
	e.tracker.RecordFailure(req.OriginAddress, principal.Email)

	failures := principal.FailedLoginAttempts + 1
	patch := store.PrincipalPatch{FailedLoginAttempts: &failures}

	reason := "invalid_credentials"
	outcome := models.ErrAuthenticationFailed
	if failures >= e.config.LockoutThreshold {
		lockedUntil := e.now().Add(e.config.LockoutDuration)
		patch.LockedUntil = &lockedUntil
		reason = "account_locked"
		outcome = models.ErrAccountLocked
		e.audit.LogSuspiciousActivity("account_lockout", principal.ID, req.OriginAddress, map[string]string{
			"failed_attempts": "threshold_reached",
		})
	}

	if err := e.store.Update(ctx, principal.ID, patch); err != nil {
		e.logger.Error("failed to record login failure", slog.String("principal_id", principal.ID), slog.Any("error", err))
	}

	if err := e.store.AppendLoginHistory(ctx, &models.LoginHistoryEntry{
		PrincipalID:       principal.ID,
		OriginAddress:     req.OriginAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		Success:           false,
		Timestamp:         e.now(),
	}); err != nil {
		e.logger.Error("failed to append login history", slog.String("principal_id", principal.ID), slog.Any("error", err))
	}

	e.audit.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     "login_failed",
		PrincipalID:   principal.ID,
		OriginAddress: req.OriginAddress,
		UserAgent:     req.UserAgent,
		FailureReason: reason,
		Success:       false,
	})
	return outcome
}

// finishLogin runs the ANOMALY_CHECK and ISSUE_TOKENS stages.
func (e *Engine) finishLogin(ctx context.Context, principal *models.Principal, req LoginRequest) (*LoginResult, error) {
	now := e.now()

	// ANOMALY_CHECK: observational only, evaluated before this login lands
	// in the history.
	anomalyResult, err := e.anomaly.Evaluate(ctx, principal.ID, req.OriginAddress, req.DeviceFingerprint)
	if err != nil {
		e.logger.Error("anomaly evaluation failed", slog.String("principal_id", principal.ID), slog.Any("error", err))
		anomalyResult = models.AnomalyResult{}
	}
	if anomalyResult.IsNewLocation || anomalyResult.IsNewDevice {
		e.audit.LogSuspiciousActivity("anomalous_login", principal.ID, req.OriginAddress, map[string]string{
			"new_location": boolString(anomalyResult.IsNewLocation),
			"new_device":   boolString(anomalyResult.IsNewDevice),
		})
		if e.notifier != nil {
			if err := e.notifier.NotifyAnomalousLogin(ctx, principal, anomalyResult, req.OriginAddress); err != nil {
				e.logger.Error("anomaly notification failed", slog.String("principal_id", principal.ID), slog.Any("error", err))
			}
		}
	}

	// ISSUE_TOKENS
	e.tracker.Clear(req.OriginAddress, principal.Email)

	accessToken, err := e.tokens.IssueAccessToken(principal)
	if err != nil {
		e.logger.Error("failed to issue access token", slog.String("principal_id", principal.ID), slog.Any("error", err))
		return nil, models.ErrInternal
	}
	refreshToken, err := e.tokens.IssueRefreshToken()
	if err != nil {
		e.logger.Error("failed to issue refresh token", slog.String("principal_id", principal.ID), slog.Any("error", err))
		return nil, models.ErrInternal
	}

	zero := 0
	if err := e.store.Update(ctx, principal.ID, store.PrincipalPatch{
		FailedLoginAttempts:   &zero,
		ClearLockedUntil:      true,
		RefreshTokenHash:      &refreshToken.Hash,
		RefreshTokenExpiresAt: &refreshToken.ExpiresAt,
	}); err != nil {
		e.logger.Error("failed to persist login state", slog.String("principal_id", principal.ID), slog.Any("error", err))
		return nil, models.ErrInternal
	}

	if err := e.store.AppendLoginHistory(ctx, &models.LoginHistoryEntry{
		PrincipalID:       principal.ID,
		OriginAddress:     req.OriginAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		Success:           true,
		Timestamp:         now,
	}); err != nil {
		e.logger.Error("failed to append login history", slog.String("principal_id", principal.ID), slog.Any("error", err))
	}
	if req.DeviceFingerprint != "" {
		if err := e.store.UpsertDevice(ctx, principal.ID, req.DeviceFingerprint, req.UserAgent, now); err != nil {
			e.logger.Error("failed to upsert device", slog.String("principal_id", principal.ID), slog.Any("error", err))
		}
	}

	e.audit.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     "login_success",
		PrincipalID:   principal.ID,
		OriginAddress: req.OriginAddress,
		UserAgent:     req.UserAgent,
		Success:       true,
	})

	return &LoginResult{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken.Plaintext,
		RefreshExpiresAt: refreshToken.ExpiresAt,
		Principal:        principal.Sanitize(),
		Anomaly:          anomalyResult,
	}, nil
}

// RefreshAccessToken verifies a refresh token and rotates it. Refresh tokens
// are single-use: the stored hash is replaced on every successful call.
func (e *Engine) RefreshAccessToken(ctx context.Context, plaintext string) (*LoginResult, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return nil, models.ErrRefreshTokenInvalid
	}

	hash := e.tokens.HashRefreshToken(plaintext)
	principal, err := e.store.FindByRefreshTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrRefreshTokenInvalid
		}
		e.logger.Error("failed to look up refresh token", slog.Any("error", err))
		return nil, models.ErrInternal
	}

	if principal.RefreshTokenExpiresAt == nil || e.now().After(*principal.RefreshTokenExpiresAt) {
		return nil, models.ErrRefreshTokenInvalid
	}
	if !principal.IsActive {
		return nil, models.ErrRefreshTokenInvalid
	}

	accessToken, err := e.tokens.IssueAccessToken(principal)
	if err != nil {
		e.logger.Error("failed to issue access token", slog.String("principal_id", principal.ID), slog.Any("error", err))
		return nil, models.ErrInternal
	}
	rotated, err := e.tokens.IssueRefreshToken()
	if err != nil {
		e.logger.Error("failed to rotate refresh token", slog.String("principal_id", principal.ID), slog.Any("error", err))
		return nil, models.ErrInternal
	}

	if err := e.store.Update(ctx, principal.ID, store.PrincipalPatch{
		RefreshTokenHash:      &rotated.Hash,
		RefreshTokenExpiresAt: &rotated.ExpiresAt,
	}); err != nil {
		e.logger.Error("failed to persist rotated refresh token", slog.String("principal_id", principal.ID), slog.Any("error", err))
		return nil, models.ErrInternal
	}

	e.logger.Info("refresh token rotated", slog.String("principal_id", principal.ID))

	return &LoginResult{
		AccessToken:      accessToken,
		RefreshToken:     rotated.Plaintext,
		RefreshExpiresAt: rotated.ExpiresAt,
		Principal:        principal.Sanitize(),
	}, nil
}

// Logout clears the stored refresh token so it can never be reused. Already
// issued access tokens stay valid until natural expiry; they are stateless
// by design.
func (e *Engine) Logout(ctx context.Context, principalID string) error {
	if err := e.store.Update(ctx, principalID, store.PrincipalPatch{ClearRefreshToken: true}); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		e.logger.Error("failed to clear refresh token", slog.String("principal_id", principalID), slog.Any("error", err))
		return models.ErrInternal
	}

	e.audit.LogAccountAction("logout", principalID, "", nil)
	return nil
}

// VerifyAccessToken checks a signed access token and returns its claims.
func (e *Engine) VerifyAccessToken(token string) (*models.AccessClaims, error) {
	return e.tokens.VerifyAccessToken(token)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
