package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestBeginEnrollment(t *testing.T) {
	tm := NewTwoFactorManager("bastion-test", 10)

	enrollment, err := tm.BeginEnrollment("alice@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.ProvisioningURI, "otpauth://totp/")
	assert.Contains(t, enrollment.ProvisioningURI, "bastion-test")
	assert.True(t, strings.HasPrefix(enrollment.QRCodeDataURL, "data:image/png;base64,"))
	assert.Len(t, enrollment.BackupCodes, 10)
}

func TestVerifyCode_CurrentStep(t *testing.T) {
	tm := NewTwoFactorManager("bastion-test", 10)
	enrollment, err := tm.BeginEnrollment("alice@example.com")
	require.NoError(t, err)

	code := codeAt(t, enrollment.Secret, time.Now())
	assert.True(t, tm.VerifyCode(enrollment.Secret, code))
}

func TestVerifyCode_DriftWindow(t *testing.T) {
	tm := NewTwoFactorManager("bastion-test", 10)
	enrollment, err := tm.BeginEnrollment("alice@example.com")
	require.NoError(t, err)

	// Codes from the adjacent time steps verify; two steps out is already
	// past the skew and fails. A single reference instant keeps the offsets
	// aligned even when the test straddles a step boundary.
	ref := time.Now()
	assert.True(t, tm.VerifyCode(enrollment.Secret, codeAt(t, enrollment.Secret, ref.Add(-totpPeriod*time.Second))))
	assert.True(t, tm.VerifyCode(enrollment.Secret, codeAt(t, enrollment.Secret, ref.Add(totpPeriod*time.Second))))
	assert.False(t, tm.VerifyCode(enrollment.Secret, codeAt(t, enrollment.Secret, ref.Add(-2*totpPeriod*time.Second))))
	assert.False(t, tm.VerifyCode(enrollment.Secret, codeAt(t, enrollment.Secret, ref.Add(2*totpPeriod*time.Second))))
}

func TestVerifyCode_WrongSecret(t *testing.T) {
	tm := NewTwoFactorManager("bastion-test", 10)
	first, err := tm.BeginEnrollment("alice@example.com")
	require.NoError(t, err)
	second, err := tm.BeginEnrollment("alice@example.com")
	require.NoError(t, err)

	code := codeAt(t, second.Secret, time.Now())
	assert.False(t, tm.VerifyCode(first.Secret, code))
}

func TestVerifyCode_Malformed(t *testing.T) {
	tm := NewTwoFactorManager("bastion-test", 10)
	enrollment, err := tm.BeginEnrollment("alice@example.com")
	require.NoError(t, err)

	assert.False(t, tm.VerifyCode(enrollment.Secret, ""))
	assert.False(t, tm.VerifyCode(enrollment.Secret, "12345"))
	assert.False(t, tm.VerifyCode(enrollment.Secret, "abcdef"))
}

func TestGenerateBackupCodes(t *testing.T) {
	tm := NewTwoFactorManager("bastion-test", 10)

	codes, err := tm.GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.Len(t, code, backupCodeLength)
		for _, r := range code {
			assert.Contains(t, backupCodeCharset, string(r))
		}
		assert.False(t, seen[code], "duplicate backup code %s", code)
		seen[code] = true
	}
}

func TestNormalizeBackupCode(t *testing.T) {
	assert.Equal(t, "ABCD2345", NormalizeBackupCode("  abcd2345 "))
}
