package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgrange/bastion/internal/models"
)

const testSigningKey = "test-signing-key-32-characters!!"

func newTestIssuer(accessTTL time.Duration) *TokenIssuer {
	return NewTokenIssuer(testSigningKey, accessTTL, 30*24*time.Hour, 5*time.Minute, "bsk_")
}

func testPrincipal() *models.Principal {
	return &models.Principal{
		ID:          "principal-1",
		Email:       "alice@example.com",
		Role:        "user",
		Permissions: []string{"tasks:read"},
		IsActive:    true,
	}
}

func TestAccessToken_RoundTrip(t *testing.T) {
	issuer := newTestIssuer(time.Hour)

	token, err := issuer.IssueAccessToken(testPrincipal())
	require.NoError(t, err)

	claims, err := issuer.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "principal-1", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, []string{"tasks:read"}, claims.Permissions)
	assert.Equal(t, models.TokenTypeAccess, claims.Type)
	assert.NotEmpty(t, claims.ID)
}

func TestAccessToken_ZeroTTLExpires(t *testing.T) {
	issuer := newTestIssuer(0)

	token, err := issuer.IssueAccessToken(testPrincipal())
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = issuer.VerifyAccessToken(token)
	assert.ErrorIs(t, err, models.ErrTokenExpired)
}

func TestAccessToken_TamperedPayload(t *testing.T) {
	issuer := newTestIssuer(time.Hour)

	token, err := issuer.IssueAccessToken(testPrincipal())
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	_, err = issuer.VerifyAccessToken(tampered)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
}

func TestAccessToken_WrongKey(t *testing.T) {
	issuer := newTestIssuer(time.Hour)
	other := NewTokenIssuer("a-completely-different-key-32ch!", time.Hour, time.Hour, time.Minute, "bsk_")

	token, err := other.IssueAccessToken(testPrincipal())
	require.NoError(t, err)

	_, err = issuer.VerifyAccessToken(token)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
}

func TestAccessToken_Garbage(t *testing.T) {
	issuer := newTestIssuer(time.Hour)

	for _, input := range []string{"", "not-a-token", "a.b.c"} {
		_, err := issuer.VerifyAccessToken(input)
		assert.ErrorIs(t, err, models.ErrTokenInvalid, "input %q", input)
	}
}

func TestPendingToken_RoundTrip(t *testing.T) {
	issuer := newTestIssuer(time.Hour)

	token, err := issuer.IssuePendingTwoFactorToken("principal-1")
	require.NoError(t, err)

	principalID, err := issuer.VerifyPendingTwoFactorToken(token)
	require.NoError(t, err)
	assert.Equal(t, "principal-1", principalID)
}

func TestPendingToken_NotAcceptedAsAccess(t *testing.T) {
	issuer := newTestIssuer(time.Hour)

	pending, err := issuer.IssuePendingTwoFactorToken("principal-1")
	require.NoError(t, err)
	_, err = issuer.VerifyAccessToken(pending)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)

	access, err := issuer.IssueAccessToken(testPrincipal())
	require.NoError(t, err)
	_, err = issuer.VerifyPendingTwoFactorToken(access)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
}

func TestRefreshToken_Issue(t *testing.T) {
	issuer := newTestIssuer(time.Hour)

	token, err := issuer.IssueRefreshToken()
	require.NoError(t, err)

	// 256 bits of entropy, hex encoded
	assert.Len(t, token.Plaintext, 64)
	assert.Equal(t, issuer.HashRefreshToken(token.Plaintext), token.Hash)
	assert.NotEqual(t, token.Plaintext, token.Hash)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), token.ExpiresAt, time.Minute)

	second, err := issuer.IssueRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token.Plaintext, second.Plaintext)
}

func TestAPIKey_IssueAndHash(t *testing.T) {
	issuer := newTestIssuer(time.Hour)

	plainKey, hash, err := issuer.IssueAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plainKey, "bsk_"))
	assert.Len(t, plainKey, 4+64)

	rehash, err := issuer.HashAPIKey(plainKey)
	require.NoError(t, err)
	assert.Equal(t, hash, rehash)
}

func TestAPIKey_FormatShortCircuit(t *testing.T) {
	issuer := newTestIssuer(time.Hour)

	cases := []string{
		"",
		"bsk_tooshort",
		"wrong_" + strings.Repeat("a", 64),
		strings.Repeat("a", 68),
	}
	for _, input := range cases {
		_, err := issuer.HashAPIKey(input)
		assert.ErrorIs(t, err, models.ErrAPIKeyInvalid, "input %q", input)
	}
}

func TestConstantTimeHashCompare(t *testing.T) {
	assert.True(t, ConstantTimeHashCompare("abc123", "abc123"))
	assert.False(t, ConstantTimeHashCompare("abc123", "abc124"))
	assert.False(t, ConstantTimeHashCompare("abc123", "abc12"))
}
