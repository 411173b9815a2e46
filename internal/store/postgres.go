package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tgrange/bastion/internal/database"
	"github.com/tgrange/bastion/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const principalColumns = `id, email, password_hash, role, permissions, is_active,
	two_factor_status, two_factor_secret, backup_codes, failed_login_attempts,
	locked_until, refresh_token_hash, refresh_token_expires_at,
	api_key_hash, api_key_created_at, api_key_last_used, created_at, updated_at`

// PostgresStore is the pgx-backed CredentialStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on the given connection.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{pool: db.Pool}
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Create inserts a principal.
func (s *PostgresStore) Create(ctx context.Context, p *models.Principal) (*models.Principal, error) {
	backupCodes, err := json.Marshal(p.BackupCodes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup codes: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO principals (email, password_hash, role, permissions, is_active,
			two_factor_status, two_factor_secret, backup_codes)
		VALUES (lower($1), $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING `+principalColumns,
		p.Email, p.PasswordHash, p.Role, p.Permissions, p.IsActive,
		string(p.TwoFactorStatus), p.TwoFactorSecret, backupCodes,
	)

	created, err := scanPrincipal(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, models.ErrConflict
		}
		return nil, err
	}
	return created, nil
}

// FindByEmail looks up a principal by case-normalized email.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*models.Principal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE email = lower($1)`, email)
	return scanPrincipal(row)
}

// FindByID looks up a principal by id.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Principal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE id = $1`, id)
	return scanPrincipal(row)
}

// FindByRefreshTokenHash reverse-maps a refresh token hash to its owner.
func (s *PostgresStore) FindByRefreshTokenHash(ctx context.Context, hash string) (*models.Principal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE refresh_token_hash = $1`, hash)
	return scanPrincipal(row)
}

// FindByAPIKeyHash reverse-maps an API key hash to its owner.
func (s *PostgresStore) FindByAPIKeyHash(ctx context.Context, hash string) (*models.Principal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE api_key_hash = $1`, hash)
	return scanPrincipal(row)
}

// Update applies a partial update to a principal.
func (s *PostgresStore) Update(ctx context.Context, id string, patch PrincipalPatch) error {
	sets := []string{"updated_at = now()"}
	args := []interface{}{id}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.IsActive != nil {
		add("is_active", *patch.IsActive)
	}
	if patch.FailedLoginAttempts != nil {
		add("failed_login_attempts", *patch.FailedLoginAttempts)
	}
	if patch.LockedUntil != nil {
		add("locked_until", *patch.LockedUntil)
	}
	if patch.ClearLockedUntil {
		sets = append(sets, "locked_until = NULL")
	}
	if patch.TwoFactorStatus != nil {
		add("two_factor_status", string(*patch.TwoFactorStatus))
	}
	if patch.TwoFactorSecret != nil {
		add("two_factor_secret", *patch.TwoFactorSecret)
	}
	if patch.ClearTwoFactorSecret {
		sets = append(sets, "two_factor_secret = NULL")
	}
	if patch.BackupCodes != nil {
		encoded, err := json.Marshal(*patch.BackupCodes)
		if err != nil {
			return fmt.Errorf("failed to encode backup codes: %w", err)
		}
		add("backup_codes", encoded)
	}
	if patch.RefreshTokenHash != nil {
		add("refresh_token_hash", *patch.RefreshTokenHash)
	}
	if patch.RefreshTokenExpiresAt != nil {
		add("refresh_token_expires_at", *patch.RefreshTokenExpiresAt)
	}
	if patch.ClearRefreshToken {
		sets = append(sets, "refresh_token_hash = NULL", "refresh_token_expires_at = NULL")
	}
	if patch.APIKeyHash != nil {
		add("api_key_hash", *patch.APIKeyHash)
	}
	if patch.APIKeyCreatedAt != nil {
		add("api_key_created_at", *patch.APIKeyCreatedAt)
	}
	if patch.APIKeyLastUsed != nil {
		add("api_key_last_used", *patch.APIKeyLastUsed)
	}
	if patch.ClearAPIKey {
		sets = append(sets, "api_key_hash = NULL", "api_key_created_at = NULL", "api_key_last_used = NULL")
	}

	query := fmt.Sprintf("UPDATE principals SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update principal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AppendLoginHistory records a completed login attempt.
func (s *PostgresStore) AppendLoginHistory(ctx context.Context, entry *models.LoginHistoryEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO login_history (principal_id, origin_address, user_agent, device_fingerprint, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.PrincipalID, entry.OriginAddress, entry.UserAgent, entry.DeviceFingerprint, entry.Success, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to append login history: %w", err)
	}
	return nil
}

// UpsertDevice creates a device record on first sighting and bumps last_seen
// on repeats.
func (s *PostgresStore) UpsertDevice(ctx context.Context, principalID, fingerprint, userAgent string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (principal_id, fingerprint, user_agent, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (principal_id, fingerprint)
		DO UPDATE SET last_seen = EXCLUDED.last_seen, user_agent = EXCLUDED.user_agent`,
		principalID, fingerprint, userAgent, seenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// GetRecentSuccessfulLogins returns up to limit successful entries since the
// given time, most recent first. Failed attempts are excluded before the
// limit applies so they cannot displace successes out of the window.
func (s *PostgresStore) GetRecentSuccessfulLogins(ctx context.Context, principalID string, since time.Time, limit int) ([]*models.LoginHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, principal_id, origin_address, user_agent, device_fingerprint, success, created_at
		FROM login_history
		WHERE principal_id = $1 AND success = TRUE AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`,
		principalID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query login history: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.LoginHistoryEntry, 0, limit)
	for rows.Next() {
		var e models.LoginHistoryEntry
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.OriginAddress, &e.UserAgent,
			&e.DeviceFingerprint, &e.Success, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan login history: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrincipal(scanner rowScanner) (*models.Principal, error) {
	var p models.Principal
	var twoFactorStatus string
	var twoFactorSecret, refreshTokenHash, apiKeyHash *string
	var backupCodes []byte

	err := scanner.Scan(
		&p.ID, &p.Email, &p.PasswordHash, &p.Role, &p.Permissions, &p.IsActive,
		&twoFactorStatus, &twoFactorSecret, &backupCodes, &p.FailedLoginAttempts,
		&p.LockedUntil, &refreshTokenHash, &p.RefreshTokenExpiresAt,
		&apiKeyHash, &p.APIKeyCreatedAt, &p.APIKeyLastUsed, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan principal: %w", err)
	}

	p.TwoFactorStatus = models.TwoFactorStatus(twoFactorStatus)
	if twoFactorSecret != nil {
		p.TwoFactorSecret = *twoFactorSecret
	}
	if refreshTokenHash != nil {
		p.RefreshTokenHash = *refreshTokenHash
	}
	if len(backupCodes) > 0 {
		if err := json.Unmarshal(backupCodes, &p.BackupCodes); err != nil {
			return nil, fmt.Errorf("failed to decode backup codes: %w", err)
		}
	}
	return &p, nil
}
