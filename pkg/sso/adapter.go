package sso

import (
	"net"
	"net/http"
	"strings"

	"github.com/platinummonkey/keygate/pkg/httputil"
)

// RequestView is the part of an incoming request the identity adapter needs
// to build a callback URL. The guard fills it in so that a route can force a
// scheme without the adapter knowing why.
type RequestView struct {
	Protocol    string
	Hostname    string
	Port        string
	OriginalURL string
}

// BaseURL returns protocol://host[:port]
func (v RequestView) BaseURL() string {
	host := v.Hostname
	if v.Port != "" {
		host = net.JoinHostPort(v.Hostname, v.Port)
	}
	return v.Protocol + "://" + host
}

// CallbackURL returns the URL the identity provider redirects back to after
// login: the original URL with auth_callback=1 appended.
func (v RequestView) CallbackURL() string {
	sep := "?"
	if strings.Contains(v.OriginalURL, "?") {
		sep = "&"
	}
	return v.BaseURL() + v.OriginalURL + sep + callbackParam + "=1"
}

// ClaimConfirmer runs once for every token the adapter accepted. It returns
// the request to continue with and whether access is granted.
type ClaimConfirmer func(token *Token, r *http.Request) (*http.Request, bool)

// ProtectFunc is a guard bound to one ClaimConfirmer
type ProtectFunc func(view RequestView, w http.ResponseWriter, r *http.Request, next http.Handler)

// AccessDeniedHandler handles requests the adapter refused. next is the
// handler that was not called.
type AccessDeniedHandler func(w http.ResponseWriter, r *http.Request, next http.Handler)

// MiddlewareOptions configures the adapter's handshake middleware
type MiddlewareOptions struct {
	// Logout is the path that ends the local session
	Logout string

	// TrustProxy honors X-Forwarded-Proto and X-Forwarded-Host when building
	// redirect URLs
	TrustProxy bool
}

// newRequestView describes r for redirect URLs. The protocol is the first of:
// the route override, the configured redirectProtocol, https when
// ssl-required is "all", and the scheme the request arrived on.
func newRequestView(r *http.Request, override string, cfg ClientConfig, trustProxy bool) RequestView {
	protocol := override
	if protocol == "" {
		protocol = cfg.RedirectProtocol
	}
	if protocol == "" && cfg.SSLRequired == SSLRequiredAll {
		protocol = "https"
	}
	if protocol == "" {
		protocol = httputil.Scheme(r, trustProxy)
	}
	hostname, port := httputil.SplitHost(r, trustProxy)
	return RequestView{
		Protocol:    protocol,
		Hostname:    hostname,
		Port:        port,
		OriginalURL: httputil.OriginalURL(r),
	}
}

// IdentityAdapter is the identity-provider integration the gate delegates
// token handling to
type IdentityAdapter interface {
	// Middleware handles login callbacks and logout
	Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler

	// Protect returns a guard that validates the request's token
	Protect(confirm ClaimConfirmer) ProtectFunc

	// SetAccessDenied installs the handler used for refused requests
	SetAccessDenied(handler AccessDeniedHandler)
}

// AdapterFactory builds an identity adapter bound to the shared session store
type AdapterFactory func(store SessionStore, cfg ClientConfig) (IdentityAdapter, error)
