// Package httputil provides HTTP utilities shared by the gate, the role
// middleware and the demo server.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteUnauthorized(w, "authentication required")
//	httputil.WriteForbidden(w, "access denied")
//
// Every error body has the shape {"error": "<message>"}.
//
// # Request Inspection
//
// Scheme, SplitHost and OriginalURL describe the request as the client sent
// it. X-Forwarded-Proto and X-Forwarded-Host are honored only when the
// caller says a trusted reverse proxy sets them. BearerToken extracts
// an "Authorization: Bearer" token.
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//	)
//
// # Related Packages
//
//   - pkg/sso: builds its callback URLs from the request helpers
//   - pkg/middleware: role and rate limit middleware
package httputil
