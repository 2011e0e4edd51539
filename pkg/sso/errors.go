package sso

import "errors"

var (
	// ErrNotInitialized is returned when a route guard runs before Init
	// has installed an identity adapter.
	ErrNotInitialized = errors.New("sso: identity adapter not initialized, call Init first")

	// ErrInvalidConfig wraps every client configuration the adapter cannot be built from
	ErrInvalidConfig = errors.New("sso: invalid client configuration")

	// ErrSessionNotFound is returned by session stores for unknown or expired ids
	ErrSessionNotFound = errors.New("sso: session not found")

	// ErrUnauthenticated means the request carried no token at all
	ErrUnauthenticated = errors.New("sso: request is not authenticated")

	// ErrInvalidToken means a token was present but failed verification
	ErrInvalidToken = errors.New("sso: invalid token")
)
