package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tgrange/bastion/internal/auth"
	"github.com/tgrange/bastion/internal/models"
	"github.com/tgrange/bastion/internal/store"
	pkglogger "github.com/tgrange/bastion/pkg/logger"
)

const (
	testPassword   = "Str0ng!Pass"
	testOrigin     = "203.0.113.10"
	testUserAgent  = "bastion-test/1.0"
	testSigningKey = "test-signing-key-32-characters!!"
)

// recordingNotifier captures anomaly notifications for assertions.
type recordingNotifier struct {
	calls []models.AnomalyResult
}

func (n *recordingNotifier) NotifyAnomalousLogin(ctx context.Context, principal *models.Principal, result models.AnomalyResult, originAddress string) error {
	n.calls = append(n.calls, result)
	return nil
}

type testFixture struct {
	engine   *Engine
	store    *store.MemoryStore
	tracker  *auth.MemoryAttemptTracker
	tokens   *auth.TokenIssuer
	notifier *recordingNotifier
}

func newTestEngine(t *testing.T) *testFixture {
	t.Helper()

	memStore := store.NewMemoryStore()
	tokens := auth.NewTokenIssuer(testSigningKey, time.Hour, 30*24*time.Hour, 5*time.Minute, "bsk_")
	twoFactor := auth.NewTwoFactorManager("bastion-test", 10)
	tracker := auth.NewMemoryAttemptTracker(5, time.Hour)
	notifier := &recordingNotifier{}

	logger := slog.Default()
	e := New(
		memStore,
		tokens,
		twoFactor,
		tracker,
		auth.NewAnomalyDetector(memStore),
		notifier,
		logger,
		pkglogger.NewAuditLogger(logger),
		Config{LockoutThreshold: 5, LockoutDuration: 30 * time.Minute},
	)

	return &testFixture{
		engine:   e,
		store:    memStore,
		tracker:  tracker,
		tokens:   tokens,
		notifier: notifier,
	}
}

type principalOption func(*models.Principal)

func withTwoFactor(secret string) principalOption {
	return func(p *models.Principal) {
		p.TwoFactorStatus = models.TwoFactorEnabled
		p.TwoFactorSecret = secret
	}
}

func withBackupCodes(t *testing.T, codes ...string) principalOption {
	return func(p *models.Principal) {
		for _, code := range codes {
			hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.MinCost)
			require.NoError(t, err)
			p.BackupCodes = append(p.BackupCodes, models.BackupCodeEntry{
				CodeHash:  string(hash),
				CreatedAt: time.Now(),
			})
		}
	}
}

func inactive() principalOption {
	return func(p *models.Principal) { p.IsActive = false }
}

func withFailures(count int, lockedUntil *time.Time) principalOption {
	return func(p *models.Principal) {
		p.FailedLoginAttempts = count
		p.LockedUntil = lockedUntil
	}
}

// seedPrincipal creates an active principal with the test password. Hashing
// uses bcrypt.MinCost to keep the suite fast; the engine only ever compares.
func seedPrincipal(t *testing.T, memStore *store.MemoryStore, email string, opts ...principalOption) *models.Principal {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	p := &models.Principal{
		Email:           email,
		PasswordHash:    string(hash),
		Role:            "user",
		Permissions:     []string{"tasks:read"},
		IsActive:        true,
		TwoFactorStatus: models.TwoFactorDisabled,
	}
	for _, opt := range opts {
		opt(p)
	}

	created, err := memStore.Create(context.Background(), p)
	require.NoError(t, err)
	return created
}

func loginRequest(email, password string) LoginRequest {
	return LoginRequest{
		Email:             email,
		Password:          password,
		OriginAddress:     testOrigin,
		UserAgent:         testUserAgent,
		DeviceFingerprint: "fp-test-device",
	}
}

// newTOTPSecret generates a shared secret the way enrollment does.
func newTOTPSecret(t *testing.T) string {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "bastion-test",
		AccountName: "test",
		SecretSize:  32,
		Period:      30,
		Algorithm:   otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return key.Secret()
}

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}
