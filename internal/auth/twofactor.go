package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	totpPeriod = 30
	totpSkew   = 1 // ±1 time step for clock drift

	backupCodeLength = 8
	// A-Z 2-9 minus ambiguous 0/O, 1/I/L
	backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// TwoFactorManager generates and verifies time-based one-time codes and
// manages enrollment secrets and backup codes.
type TwoFactorManager struct {
	issuer          string
	backupCodeCount int
}

// Enrollment is the material handed to a principal starting 2FA setup.
// The secret is stored on the principal but must not be trusted until the
// principal confirms with a matching code.
type Enrollment struct {
	Secret          string   // base32 shared secret
	ProvisioningURI string   // otpauth:// URI for authenticator apps
	QRCodeDataURL   string   // PNG data URL of the provisioning URI
	BackupCodes     []string // plaintext, shown once
}

// NewTwoFactorManager creates a TwoFactorManager.
func NewTwoFactorManager(issuer string, backupCodeCount int) *TwoFactorManager {
	return &TwoFactorManager{
		issuer:          issuer,
		backupCodeCount: backupCodeCount,
	}
}

// BeginEnrollment generates a fresh shared secret, provisioning URI with QR
// code, and a set of one-time backup codes.
func (tm *TwoFactorManager) BeginEnrollment(accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  32,
		Period:      totpPeriod,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	qrPNG, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	backupCodes, err := tm.GenerateBackupCodes(tm.backupCodeCount)
	if err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCodeDataURL:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrPNG),
		BackupCodes:     backupCodes,
	}, nil
}

// VerifyCode checks a submitted time-based code against the shared secret,
// tolerating ±1 time step of clock drift.
func (tm *TwoFactorManager) VerifyCode(secret, submittedCode string) bool {
	valid, err := totp.ValidateCustom(strings.TrimSpace(submittedCode), secret, time.Now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}

// GenerateBackupCodes generates n high-entropy single-use codes from an
// unambiguous charset.
func (tm *TwoFactorManager) GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	for i := 0; i < n; i++ {
		code := make([]byte, backupCodeLength)
		random := make([]byte, backupCodeLength)
		if _, err := rand.Read(random); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		for j := range code {
			code[j] = backupCodeCharset[int(random[j])%len(backupCodeCharset)]
		}
		codes[i] = string(code)
	}
	return codes, nil
}

// NormalizeBackupCode case-normalizes a submitted backup code.
func NormalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
