// Package middleware provides HTTP middleware that runs behind the sso route
// guards: role requirements and rate limiting.
//
// # Role Requirements
//
// sso.Protect only checks that a token is valid. Routes that need a realm
// role stack one of these after the guard:
//
//	router.Handle("/admin", sso.Protect()(middleware.RequireAdmin(adminHandler)))
//
// RequireUser, RequireAdmin, RequireAuthor and RequireAnyRole answer 401 when
// no guard ran and 403 when the role flag is missing.
//
// # Rate Limiting
//
// RateLimit keys requests by user id when a guard accepted the request and by
// client IP otherwise. Two limiters are provided:
//
//	limiter := middleware.NewRateLimiter(nil)                      // per process
//	limiter := middleware.NewRedisRateLimiter(redisClient, nil, "") // shared
//
// Limiter errors fail open.
//
// # Related Packages
//
//   - pkg/sso: route guards that populate the user
package middleware
