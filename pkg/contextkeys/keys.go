// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/keygate/pkg/contextkeys"
//	ctx = contextkeys.WithUser(ctx, user)
//	user := ctx.Value(contextkeys.UserKey).(*sso.UserIdentity)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// SessionKey contains *sso.Session
	// Set by: sso.SessionMiddleware (pkg/sso/session.go)
	// Required by: the identity adapter handshake and route guards
	// Type: *sso.Session
	SessionKey Key = "session"

	// UserKey contains *sso.UserIdentity
	// Set by: the route guard after a token is accepted (pkg/sso/gate.go)
	// Required by: protected handlers, role middleware (pkg/middleware/roles.go)
	// Type: *sso.UserIdentity
	UserKey Key = "user"

	// TokenKey contains *sso.Token
	// Set by: the OIDC adapter once a grant has been verified
	// Used by: handlers that need raw claims beyond UserIdentity
	// Type: *sso.Token
	TokenKey Key = "token"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// Helper functions for type-safe context operations

// WithSession adds the request session to the context
func WithSession(ctx context.Context, session interface{}) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// WithUser adds the authenticated user to the context
func WithUser(ctx context.Context, user interface{}) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// WithToken adds the verified token to the context
func WithToken(ctx context.Context, token interface{}) context.Context {
	return context.WithValue(ctx, TokenKey, token)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
