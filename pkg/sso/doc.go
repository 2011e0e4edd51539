// Package sso puts a Keycloak-style OpenID Connect identity provider in front
// of net/http routes.
//
// # Overview
//
// A Gate binds one identity-provider client configuration to a session store.
// It produces two things:
//
//   - the site-wide middleware chain: session handling first, then the
//     identity adapter's handshake (login callback, logout)
//   - per-route guards that only let requests with a valid token through
//
// Accepted requests carry a UserIdentity in their context.
//
// # Usage Example
//
//	raw, err := sso.LoadRawConfig("keycloak.json")
//	if err != nil {
//		return err
//	}
//	chain, err := sso.Init(raw, sso.WithRedirectPath("/login"))
//	if err != nil {
//		return err
//	}
//
//	router := mux.NewRouter()
//	router.Handle("/admin", sso.Protect(sso.WithProtocol("https"))(adminHandler))
//	handler := httputil.Chain(chain...)(router)
//
// Inside a protected handler:
//
//	user, ok := sso.UserFromContext(r.Context())
//
// # Client Configuration
//
// Keys may be written canonically ("auth-server-url") or in camelCase
// ("authServerUrl"). NormalizeConfig resolves aliases once, canonical keys
// winning, and ClientConfig.WithDefaults fills ssl-required, public-client
// and confidential-port.
//
// # Unauthenticated Requests
//
// A guard that finds no usable token does not always run the access-denied
// policy. A GET or HEAD that carries a session is sent to the identity
// provider's login page instead, with the original URL kept in the session
// for the callback; so is one whose session grant no longer verifies.
// Bearer-only clients, other methods and requests without a session get the
// access-denied policy. This follows keycloak-connect's protect, which
// forces a login rather than denying.
//
// # Forwarded Headers
//
// Login and logout redirect URLs are built from the request's Host and TLS
// state. X-Forwarded-Proto and X-Forwarded-Host are only honored with
// WithTrustProxy(true). The protocol is chosen in this order: WithProtocol
// on the route, the configured redirectProtocol, https when ssl-required is
// "all", then the scheme the request arrived on.
//
// # Roles
//
// The admin and author flags of UserIdentity mirror the realm roles "admin"
// and "author". They never deny access on their own; see pkg/middleware for
// role restrictions.
//
// # Related Packages
//
//   - pkg/middleware: role requirements on top of a guard
//   - pkg/observability: logging and metrics used by the gate and adapter
package sso
