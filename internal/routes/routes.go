package routes

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/tgrange/bastion/internal/auth"
	"github.com/tgrange/bastion/internal/handlers"
)

// RegisterRoutes registers the engine's boundary endpoints.
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	tokens *auth.TokenIssuer,
) {
	// Cheap IP throttle in front of the credential endpoints; the engine's
	// AttemptTracker handles the per-identity policy behind it.
	loginLimit := httprate.LimitByIP(20, 1*time.Minute)

	router.With(loginLimit).Post("/auth/login", authHandler.Login)
	router.With(loginLimit).Post("/auth/login/2fa", authHandler.CompleteTwoFactorLogin)
	router.With(loginLimit).Post("/auth/refresh", authHandler.Refresh)

	router.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))

		r.Post("/auth/logout", authHandler.Logout)
		r.Post("/auth/2fa/setup", authHandler.BeginTwoFactorEnrollment)
		r.Post("/auth/2fa/confirm", authHandler.ConfirmTwoFactorEnrollment)
		r.Post("/auth/api-key", authHandler.IssueAPIKey)
		r.Delete("/auth/api-key", authHandler.RevokeAPIKey)
	})
}
