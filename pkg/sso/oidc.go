package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/platinummonkey/keygate/pkg/contextkeys"
	"github.com/platinummonkey/keygate/pkg/httputil"
	"github.com/platinummonkey/keygate/pkg/observability"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Session keys owned by the adapter
const (
	sessionGrantKey       = "keycloak-token"
	sessionStateKey       = "keycloak-state"
	sessionRedirectURIKey = "keycloak-redirect-uri"
	sessionReturnURLKey   = "keycloak-return-url"
)

// callbackParam marks a request as the identity provider's login redirect
const callbackParam = "auth_callback"

const discoveryTimeout = 10 * time.Second

// grant is the token set kept in the session after a successful login
type grant struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// providerMetadata is what the adapter needs from OIDC discovery
type providerMetadata struct {
	verifier      *oidc.IDTokenVerifier
	endpoint      oauth2.Endpoint
	endSessionURL string
}

// OIDCAdapter talks to a Keycloak-style OpenID Connect provider. Handshake
// state lives in the request's session, which SessionMiddleware loads from
// the store the adapter was built with. Provider discovery runs on first use
// and is shared by concurrent requests.
type OIDCAdapter struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu           sync.RWMutex
	accessDenied AccessDeniedHandler
	metadata     *providerMetadata

	discovery singleflight.Group
	now       func() time.Time
}

// AdapterOption configures an OIDCAdapter
type AdapterOption func(*OIDCAdapter)

// WithHTTPClient sets the client used for discovery, key fetches and code exchange
func WithHTTPClient(client *http.Client) AdapterOption {
	return func(a *OIDCAdapter) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// WithAdapterLogger sets the adapter's logger
func WithAdapterLogger(logger *observability.Logger) AdapterOption {
	return func(a *OIDCAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAdapterMetrics sets the adapter's metrics
func WithAdapterMetrics(metrics *observability.Metrics) AdapterOption {
	return func(a *OIDCAdapter) {
		a.metrics = metrics
	}
}

// WithStaticProvider skips discovery and verifies tokens against keySet.
// Useful for air-gapped deployments and tests.
func WithStaticProvider(keySet oidc.KeySet, endpoint oauth2.Endpoint, endSessionURL string) AdapterOption {
	return func(a *OIDCAdapter) {
		a.metadata = &providerMetadata{
			verifier:      oidc.NewVerifier(a.config.Issuer(), keySet, a.verifierConfig()),
			endpoint:      endpoint,
			endSessionURL: endSessionURL,
		}
	}
}

// NewOIDCAdapter validates cfg and creates an adapter bound to store
func NewOIDCAdapter(store SessionStore, cfg ClientConfig, opts ...AdapterOption) (*OIDCAdapter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: a session store is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &OIDCAdapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     observability.NewLogger(observability.InfoLevel, nil),
		now:        time.Now,
	}
	a.accessDenied = defaultAccessDenied
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// OIDCAdapterFactory returns an AdapterFactory building OIDCAdapters with opts
func OIDCAdapterFactory(opts ...AdapterOption) AdapterFactory {
	return func(store SessionStore, cfg ClientConfig) (IdentityAdapter, error) {
		return NewOIDCAdapter(store, cfg, opts...)
	}
}

func defaultAccessDenied(w http.ResponseWriter, _ *http.Request, _ http.Handler) {
	httputil.WriteForbidden(w, "access denied")
}

// SetAccessDenied installs the handler for refused requests
func (a *OIDCAdapter) SetAccessDenied(handler AccessDeniedHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if handler == nil {
		handler = defaultAccessDenied
	}
	a.accessDenied = handler
}

func (a *OIDCAdapter) denyAccess(w http.ResponseWriter, r *http.Request, next http.Handler) {
	a.mu.RLock()
	handler := a.accessDenied
	a.mu.RUnlock()
	a.metrics.RecordGuardDecision(observability.OutcomeDenied)
	handler(w, r, next)
}

// verifierConfig skips go-oidc's audience check: Keycloak access tokens carry
// the client in azp rather than aud. checkAudience covers both.
func (a *OIDCAdapter) verifierConfig() *oidc.Config {
	return &oidc.Config{
		ClientID:          a.config.Resource,
		SkipClientIDCheck: true,
		Now:               func() time.Time { return a.now() },
	}
}

// discover returns provider metadata, running OIDC discovery at most once
// at a time. A failed discovery is retried by the next caller.
func (a *OIDCAdapter) discover(ctx context.Context) (*providerMetadata, error) {
	a.mu.RLock()
	md := a.metadata
	a.mu.RUnlock()
	if md != nil {
		return md, nil
	}

	v, err, _ := a.discovery.Do("discovery", func() (interface{}, error) {
		// Outlive the request that happened to trigger discovery
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discoveryTimeout)
		defer cancel()
		dctx = oidc.ClientContext(dctx, a.httpClient)

		provider, err := oidc.NewProvider(dctx, a.config.Issuer())
		if err != nil {
			a.metrics.RecordHandshakeEvent(observability.EventDiscoveryFailed)
			return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
		}

		var extra struct {
			EndSessionEndpoint string `json:"end_session_endpoint"`
		}
		if err := provider.Claims(&extra); err != nil {
			a.logger.WithError(err).Warn("Failed to read provider metadata")
		}

		md := &providerMetadata{
			verifier:      provider.Verifier(a.verifierConfig()),
			endpoint:      provider.Endpoint(),
			endSessionURL: extra.EndSessionEndpoint,
		}

		a.mu.Lock()
		a.metadata = md
		a.mu.Unlock()

		a.logger.WithField("issuer", a.config.Issuer()).Info("Discovered OIDC provider")
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*providerMetadata), nil
}

// Verify checks a raw token's signature, issuer, expiry and audience
func (a *OIDCAdapter) Verify(ctx context.Context, raw string) (*Token, error) {
	start := a.now()
	defer func() { a.metrics.ObserveTokenVerify(a.now().Sub(start)) }()

	md, err := a.discover(ctx)
	if err != nil {
		return nil, err
	}

	ctx = oidc.ClientContext(ctx, a.httpClient)
	idToken, err := md.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims TokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrInvalidToken, err)
	}

	if !a.checkAudience(claims, idToken.Audience) {
		return nil, fmt.Errorf("%w: token was not issued for client %s", ErrInvalidToken, a.config.Resource)
	}

	return &Token{
		Raw:      raw,
		Claims:   claims,
		Expiry:   idToken.Expiry,
		ClientID: a.config.Resource,
	}, nil
}

// Ready reports whether the identity provider's metadata can be loaded
func (a *OIDCAdapter) Ready(ctx context.Context) error {
	_, err := a.discover(ctx)
	return err
}

func (a *OIDCAdapter) checkAudience(claims TokenClaims, audience []string) bool {
	if claims.AuthorizedParty == a.config.Resource {
		return true
	}
	for _, aud := range audience {
		if aud == a.config.Resource {
			return true
		}
	}
	return false
}

// rawToken finds the token for r: a bearer header first, then the grant
// stored in the session by a completed login
func (a *OIDCAdapter) rawToken(r *http.Request) (raw string, fromSession bool) {
	if token, ok := httputil.BearerToken(r); ok {
		return token, false
	}
	if a.config.IsBearerOnly() {
		return "", false
	}
	session, ok := SessionFromContext(r.Context())
	if !ok {
		return "", false
	}
	g, ok := loadGrant(session)
	if !ok {
		return "", false
	}
	return g.AccessToken, true
}

func loadGrant(session *Session) (*grant, bool) {
	data, ok := session.Get(sessionGrantKey)
	if !ok || data == "" {
		return nil, false
	}
	var g grant
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, false
	}
	return &g, g.AccessToken != ""
}

func storeGrant(session *Session, g *grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}
	session.Set(sessionGrantKey, string(data))
	return nil
}

// Protect returns a guard that lets requests with a valid token through to
// confirm and on to next. Browser requests without a token are sent to the
// identity provider's login page unless the client is bearer-only; every
// other failure goes to the access-denied handler.
func (a *OIDCAdapter) Protect(confirm ClaimConfirmer) ProtectFunc {
	return func(view RequestView, w http.ResponseWriter, r *http.Request, next http.Handler) {
		logger := observability.FromContext(r.Context())

		raw, fromSession := a.rawToken(r)
		if raw == "" {
			if a.config.IsBearerOnly() || !canRedirect(r) {
				logger.Debug("Request carries no token")
				a.denyAccess(w, r, next)
				return
			}
			a.redirectToLogin(view, w, r, next)
			return
		}

		token, err := a.Verify(r.Context(), raw)
		if err != nil {
			logger.WithError(err).Debug("Rejected token")
			if fromSession {
				if session, ok := SessionFromContext(r.Context()); ok {
					session.Delete(sessionGrantKey)
				}
			}
			if errors.Is(err, ErrInvalidToken) && fromSession && !a.config.IsBearerOnly() && canRedirect(r) {
				a.redirectToLogin(view, w, r, next)
				return
			}
			a.denyAccess(w, r, next)
			return
		}

		r = r.WithContext(contextkeys.WithToken(r.Context(), token))
		r, ok := confirm(token, r)
		if !ok {
			a.denyAccess(w, r, next)
			return
		}

		a.metrics.RecordGuardDecision(observability.OutcomeGranted)
		next.ServeHTTP(w, r)
	}
}

// canRedirect reports whether a login redirect makes sense for r: only
// idempotent requests that come with a session can survive the round trip.
func canRedirect(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	_, ok := SessionFromContext(r.Context())
	return ok
}

func (a *OIDCAdapter) oauth2Config(md *providerMetadata, redirectURI string) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:    a.config.Resource,
		Endpoint:    md.endpoint,
		RedirectURL: redirectURI,
		Scopes:      []string{oidc.ScopeOpenID},
	}
	if !a.config.IsPublicClient() {
		cfg.ClientSecret = a.config.Credentials.Secret()
	}
	return cfg
}

func (a *OIDCAdapter) redirectToLogin(view RequestView, w http.ResponseWriter, r *http.Request, next http.Handler) {
	md, err := a.discover(r.Context())
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Cannot start login")
		a.denyAccess(w, r, next)
		return
	}

	session, _ := SessionFromContext(r.Context())
	state := uuid.NewString()
	redirectURI := view.CallbackURL()
	session.Set(sessionStateKey, state)
	session.Set(sessionRedirectURIKey, redirectURI)
	session.Set(sessionReturnURLKey, view.OriginalURL)

	a.metrics.RecordGuardDecision(observability.OutcomeLoginRedirect)
	http.Redirect(w, r, a.oauth2Config(md, redirectURI).AuthCodeURL(state), http.StatusFound)
}

// Middleware handles the login callback and the logout path. Everything
// else passes through.
func (a *OIDCAdapter) Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler {
	if opts.Logout == "" {
		opts.Logout = "/logout"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == opts.Logout {
				a.logout(w, r, opts.TrustProxy)
				return
			}

			query := r.URL.Query()
			if query.Get(callbackParam) == "" {
				next.ServeHTTP(w, r)
				return
			}
			if query.Get("error") != "" {
				observability.FromContext(r.Context()).
					WithField("error", query.Get("error")).
					Warn("Identity provider returned an error")
				a.metrics.RecordHandshakeEvent(observability.EventCallbackFailed)
				a.denyAccess(w, r, next)
				return
			}
			if query.Get("code") == "" {
				next.ServeHTTP(w, r)
				return
			}
			a.handleCallback(w, r, next)
		})
	}
}

func (a *OIDCAdapter) handleCallback(w http.ResponseWriter, r *http.Request, next http.Handler) {
	logger := observability.FromContext(r.Context())
	fail := func(msg string, err error) {
		logger.WithError(err).Warn(msg)
		a.metrics.RecordHandshakeEvent(observability.EventCallbackFailed)
		a.denyAccess(w, r, next)
	}

	session, ok := SessionFromContext(r.Context())
	if !ok {
		fail("Login callback without a session", ErrUnauthenticated)
		return
	}

	query := r.URL.Query()
	state, _ := session.Get(sessionStateKey)
	if state == "" || query.Get("state") != state {
		fail("Login callback with unexpected state", ErrUnauthenticated)
		return
	}
	redirectURI, _ := session.Get(sessionRedirectURIKey)
	returnURL, _ := session.Get(sessionReturnURLKey)
	session.Delete(sessionStateKey)
	session.Delete(sessionRedirectURIKey)
	session.Delete(sessionReturnURLKey)

	md, err := a.discover(r.Context())
	if err != nil {
		fail("Cannot complete login", err)
		return
	}

	ctx := oidc.ClientContext(r.Context(), a.httpClient)
	oauth2Token, err := a.oauth2Config(md, redirectURI).Exchange(ctx, query.Get("code"))
	if err != nil {
		fail("Failed to exchange authorization code", err)
		return
	}

	token, err := a.Verify(r.Context(), oauth2Token.AccessToken)
	if err != nil {
		fail("Identity provider issued an unusable token", err)
		return
	}

	g := &grant{
		AccessToken:  oauth2Token.AccessToken,
		RefreshToken: oauth2Token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if idToken, ok := oauth2Token.Extra("id_token").(string); ok {
		g.IDToken = idToken
	}
	if err := storeGrant(session, g); err != nil {
		fail("Failed to store grant", err)
		return
	}

	a.metrics.RecordHandshakeEvent(observability.EventCallbackSucceeded)
	logger.WithField("subject", token.Claims.Subject).Info("User logged in")

	if returnURL == "" {
		returnURL = stripCallbackParams(r.URL)
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// stripCallbackParams returns the request path and query without the
// parameters the identity provider added
func stripCallbackParams(u *url.URL) string {
	query := u.Query()
	for _, p := range []string{callbackParam, "code", "state", "session_state", "iss"} {
		query.Del(p)
	}
	out := *u
	out.RawQuery = query.Encode()
	return out.RequestURI()
}

func (a *OIDCAdapter) logout(w http.ResponseWriter, r *http.Request, trustProxy bool) {
	a.metrics.RecordHandshakeEvent(observability.EventLogout)

	var idToken string
	if session, ok := SessionFromContext(r.Context()); ok {
		if g, ok := loadGrant(session); ok {
			idToken = g.IDToken
		}
		session.Delete(sessionGrantKey)
	}

	home := newRequestView(r, "", a.config, trustProxy).BaseURL() + "/"

	md, err := a.discover(r.Context())
	if err != nil || md.endSessionURL == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	logoutURL, err := url.Parse(md.endSessionURL)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	query := logoutURL.Query()
	query.Set("post_logout_redirect_uri", home)
	query.Set("client_id", a.config.Resource)
	if idToken != "" {
		query.Set("id_token_hint", idToken)
	}
	logoutURL.RawQuery = query.Encode()
	http.Redirect(w, r, logoutURL.String(), http.StatusFound)
}
