package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/tgrange/bastion/internal/models"
)

// contextKey is a custom type for context keys
type contextKey string

// ClaimsContextKey is the key for storing verified claims in context
const ClaimsContextKey contextKey = "claims"

// RequireAuth validates bearer access tokens and injects the claims into the
// request context. Pending-2FA tokens are rejected: they complete a login,
// they do not grant access.
func RequireAuth(ti *TokenIssuer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := ti.VerifyAccessToken(parts[1])
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the verified claims set by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*models.AccessClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*models.AccessClaims)
	return claims, ok
}
