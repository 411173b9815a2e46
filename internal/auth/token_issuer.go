package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tgrange/bastion/internal/models"
)

// TokenIssuer creates and verifies signed access tokens, opaque refresh
// tokens, opaque API keys, and short-lived pending-2FA tokens. The signing
// key is read-only after construction, so issuance is safe to run in
// parallel across requests.
type TokenIssuer struct {
	signingKey   []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
	pendingTTL   time.Duration
	apiKeyPrefix string // e.g. "bsk_"
}

// RefreshToken is the result of minting a refresh token. Plaintext is
// returned exactly once to the caller; only Hash persists.
type RefreshToken struct {
	Plaintext string
	Hash      string
	ExpiresAt time.Time
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(signingKey string, accessTTL, refreshTTL, pendingTTL time.Duration, apiKeyPrefix string) *TokenIssuer {
	return &TokenIssuer{
		signingKey:   []byte(signingKey),
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
		pendingTTL:   pendingTTL,
		apiKeyPrefix: apiKeyPrefix,
	}
}

// IssueAccessToken builds and signs a typed claim set for the principal.
func (ti *TokenIssuer) IssueAccessToken(p *models.Principal) (string, error) {
	now := time.Now()
	claims := &models.AccessClaims{
		Type:        models.TokenTypeAccess,
		Email:       p.Email,
		Role:        p.Role,
		Permissions: p.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   p.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken checks signature and expiry and returns the claims.
// Expired tokens map to ErrTokenExpired; every other malformed-input case
// collapses to ErrTokenInvalid.
func (ti *TokenIssuer) VerifyAccessToken(tokenString string) (*models.AccessClaims, error) {
	claims, err := ti.parseClaims(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != models.TokenTypeAccess {
		return nil, models.ErrTokenInvalid
	}
	return claims, nil
}

// IssuePendingTwoFactorToken signs a short-lived token used only to complete
// a login that still requires a second factor.
func (ti *TokenIssuer) IssuePendingTwoFactorToken(principalID string) (string, error) {
	now := time.Now()
	claims := &models.AccessClaims{
		Type:    models.TokenTypePending2FA,
		Pending: true,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   principalID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.pendingTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign pending token: %w", err)
	}
	return signed, nil
}

// VerifyPendingTwoFactorToken returns the principal id carried by a valid
// pending-2FA token.
func (ti *TokenIssuer) VerifyPendingTwoFactorToken(tokenString string) (string, error) {
	claims, err := ti.parseClaims(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Type != models.TokenTypePending2FA || !claims.Pending {
		return "", models.ErrTokenInvalid
	}
	return claims.Subject, nil
}

func (ti *TokenIssuer) parseClaims(tokenString string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrTokenExpired
		}
		return nil, models.ErrTokenInvalid
	}
	if !token.Valid {
		return nil, models.ErrTokenInvalid
	}
	return claims, nil
}

// IssueRefreshToken mints a 256-bit opaque refresh token. Only the returned
// hash is meant to be stored; reissuing invalidates any previous token.
func (ti *TokenIssuer) IssueRefreshToken() (*RefreshToken, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	plaintext := hex.EncodeToString(randomBytes)
	return &RefreshToken{
		Plaintext: plaintext,
		Hash:      ti.HashRefreshToken(plaintext),
		ExpiresAt: time.Now().Add(ti.refreshTTL),
	}, nil
}

// HashRefreshToken returns the one-way hash stored in place of the plaintext.
func (ti *TokenIssuer) HashRefreshToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey generates a new API key in the format <prefix><64 hex chars>.
// Returns the plaintext key (shown once) and its SHA-256 hash for storage.
func (ti *TokenIssuer) IssueAPIKey() (plainKey, hash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}

	plainKey = ti.apiKeyPrefix + hex.EncodeToString(randomBytes)
	sum := sha256.Sum256([]byte(plainKey))
	return plainKey, hex.EncodeToString(sum[:]), nil
}

// HashAPIKey validates the key format and returns its hash. The prefix and
// length checks run before hashing as a cheap short-circuit.
func (ti *TokenIssuer) HashAPIKey(plainKey string) (string, error) {
	if !strings.HasPrefix(plainKey, ti.apiKeyPrefix) || len(plainKey) != len(ti.apiKeyPrefix)+64 {
		return "", models.ErrAPIKeyInvalid
	}
	sum := sha256.Sum256([]byte(plainKey))
	return hex.EncodeToString(sum[:]), nil
}

// ConstantTimeHashCompare compares two hex hashes in constant time.
func ConstantTimeHashCompare(hash1, hash2 string) bool {
	return subtle.ConstantTimeCompare([]byte(hash1), []byte(hash2)) == 1
}
