package models

import "errors"

// Sentinel errors for authentication outcomes. Messages are deliberately
// uniform: a failed login never reveals whether the identity exists, which
// lock variant fired, or any internal state.
var (
	// ErrAuthenticationFailed covers bad credentials and unknown identities alike.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAccountLocked covers both origin rate-limiting and failure-count lockout.
	ErrAccountLocked    = errors.New("account is temporarily locked")
	ErrAccountInactive  = errors.New("account is inactive")
	ErrTwoFactorInvalid = errors.New("two-factor code is invalid")

	ErrTokenExpired        = errors.New("token has expired")
	ErrTokenInvalid        = errors.New("token is invalid")
	ErrRefreshTokenInvalid = errors.New("refresh token is invalid")
	ErrAPIKeyInvalid       = errors.New("api key is invalid")

	// Store plumbing
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("resource already exists")
	ErrInternal = errors.New("internal error")
)
