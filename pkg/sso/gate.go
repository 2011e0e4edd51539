package sso

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/platinummonkey/keygate/pkg/httputil"
	"github.com/platinummonkey/keygate/pkg/observability"
)

// Installer defaults
const (
	DefaultLogoutPath    = "/logout"
	DefaultSessionSecret = "secret"
)

// Gate binds one identity-provider client to a session store. It produces
// the site-wide middleware chain and the per-route guards for that client.
// A Gate is safe for concurrent use once built.
type Gate struct {
	config       ClientConfig
	store        SessionStore
	adapter      IdentityAdapter
	guard        ProtectFunc
	logoutPath   string
	redirectPath string
	trustProxy   bool
	session      SessionOptions
	logger       *observability.Logger
	metrics      *observability.Metrics
}

type gateOptions struct {
	logoutPath    string
	redirectPath  string
	accessDenied  AccessDeniedHandler
	store         SessionStore
	factory       AdapterFactory
	logger        *observability.Logger
	metrics       *observability.Metrics
	sessionSecret string
	httpClient    *http.Client
	secureCookies bool
	trustProxy    bool
}

// InitOption configures NewGate and Init
type InitOption func(*gateOptions)

// WithTrustProxy honors X-Forwarded-Proto and X-Forwarded-Host when building
// login and logout redirect URLs. Enable it only behind a reverse proxy that
// overwrites those headers; otherwise clients choose the redirect host.
func WithTrustProxy(trust bool) InitOption {
	return func(o *gateOptions) { o.trustProxy = trust }
}

// WithLogoutPath sets the path that ends the session (default /logout)
func WithLogoutPath(path string) InitOption {
	return func(o *gateOptions) { o.logoutPath = path }
}

// WithRedirectPath sets where the default access-denied policy redirects to
func WithRedirectPath(path string) InitOption {
	return func(o *gateOptions) { o.redirectPath = path }
}

// WithAccessDenied replaces the default access-denied policy
func WithAccessDenied(handler AccessDeniedHandler) InitOption {
	return func(o *gateOptions) { o.accessDenied = handler }
}

// WithStore sets the session store shared by the session middleware and the adapter
func WithStore(store SessionStore) InitOption {
	return func(o *gateOptions) { o.store = store }
}

// WithAdapterFactory replaces the OIDC adapter
func WithAdapterFactory(factory AdapterFactory) InitOption {
	return func(o *gateOptions) { o.factory = factory }
}

// WithLogger sets the logger used by the gate, its session middleware and
// the default adapter
func WithLogger(logger *observability.Logger) InitOption {
	return func(o *gateOptions) { o.logger = logger }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(metrics *observability.Metrics) InitOption {
	return func(o *gateOptions) { o.metrics = metrics }
}

// WithSessionSecret sets the session cookie signing secret
func WithSessionSecret(secret string) InitOption {
	return func(o *gateOptions) { o.sessionSecret = secret }
}

// WithGateHTTPClient sets the HTTP client the default adapter talks to the
// identity provider with
func WithGateHTTPClient(client *http.Client) InitOption {
	return func(o *gateOptions) { o.httpClient = client }
}

// WithSecureCookies marks the session cookie Secure
func WithSecureCookies(secure bool) InitOption {
	return func(o *gateOptions) { o.secureCookies = secure }
}

// NewGate normalizes raw, builds the identity adapter bound to the session
// store and installs the access-denied policy. Configuration the adapter
// cannot be built from is reported as ErrInvalidConfig.
func NewGate(raw RawConfig, opts ...InitOption) (*Gate, error) {
	o := gateOptions{
		logoutPath:    DefaultLogoutPath,
		sessionSecret: DefaultSessionSecret,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if o.store == nil {
		o.store = NewMemoryStore(DefaultMemoryStoreSize, DefaultSessionTTL)
	}
	if o.factory == nil {
		o.factory = OIDCAdapterFactory(
			WithHTTPClient(o.httpClient),
			WithAdapterLogger(o.logger),
			WithAdapterMetrics(o.metrics),
		)
	}

	normalized, err := NormalizeConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg := normalized.WithDefaults()

	adapter, err := o.factory(o.store, cfg)
	if err != nil {
		if !errors.Is(err, ErrInvalidConfig) {
			err = fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return nil, err
	}

	g := &Gate{
		config:       cfg,
		store:        o.store,
		adapter:      adapter,
		logoutPath:   o.logoutPath,
		redirectPath: o.redirectPath,
		trustProxy:   o.trustProxy,
		logger:       o.logger.WithField("realm", cfg.Realm).WithField("client", cfg.Resource),
		metrics:      o.metrics,
	}

	accessDenied := o.accessDenied
	if accessDenied == nil {
		accessDenied = g.redirectAccessDenied
	}
	adapter.SetAccessDenied(accessDenied)
	g.guard = adapter.Protect(g.confirm)

	if o.sessionSecret == DefaultSessionSecret {
		g.logger.Warn("Session cookies are signed with the default secret")
	}
	g.session = SessionOptions{
		Secret:            o.sessionSecret,
		Resave:            false,
		SaveUninitialized: true,
		Store:             o.store,
		Secure:            o.secureCookies,
		Logger:            g.logger,
	}

	o.metrics.RecordGateInit()
	g.logger.WithField("issuer", cfg.Issuer()).Info("Identity gate initialized")
	return g, nil
}

// redirectAccessDenied is the default access-denied policy. Without a
// redirect path it answers 403 instead of redirecting back into itself.
func (g *Gate) redirectAccessDenied(w http.ResponseWriter, r *http.Request, _ http.Handler) {
	if g.redirectPath == "" {
		httputil.WriteForbidden(w, "access denied")
		return
	}
	http.Redirect(w, r, g.redirectPath, http.StatusFound)
}

// Middleware returns the site-wide chain: the session middleware first, the
// adapter's handshake middleware second. Mount both, in order, before any
// protected route.
func (g *Gate) Middleware() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SessionMiddleware(g.session),
		g.adapter.Middleware(MiddlewareOptions{Logout: g.logoutPath, TrustProxy: g.trustProxy}),
	}
}

// Handler wraps next in the site-wide chain
func (g *Gate) Handler(next http.Handler) http.Handler {
	return httputil.Chain(g.Middleware()...)(next)
}

// Config returns the effective client configuration
func (g *Gate) Config() ClientConfig {
	return g.config
}

// Store returns the shared session store
func (g *Gate) Store() SessionStore {
	return g.store
}

// Adapter returns the identity adapter
func (g *Gate) Adapter() IdentityAdapter {
	return g.adapter
}

// ProtectOption configures a single route guard
type ProtectOption func(*protectOptions)

type protectOptions struct {
	protocol string
}

// WithProtocol forces the scheme of this route's login callback URL
func WithProtocol(protocol string) ProtectOption {
	return func(o *protectOptions) { o.protocol = protocol }
}

// Protect returns a guard that only lets requests with a valid token through.
// Accepted requests carry a UserIdentity in their context. Calling Protect on
// a nil Gate panics with ErrNotInitialized.
func (g *Gate) Protect(opts ...ProtectOption) func(http.Handler) http.Handler {
	if g == nil {
		panic(ErrNotInitialized)
	}
	var po protectOptions
	for _, opt := range opts {
		opt(&po)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serveProtected(po, w, r, next)
		})
	}
}

func (g *Gate) serveProtected(po protectOptions, w http.ResponseWriter, r *http.Request, next http.Handler) {
	g.guard(g.requestView(r, po.protocol), w, r, next)
}

// requestView overrides only the protocol; host and original URL are taken
// from r unchanged
func (g *Gate) requestView(r *http.Request, protocol string) RequestView {
	return newRequestView(r, protocol, g.config, g.trustProxy)
}

// confirm attaches the user to the request. Role flags never deny access
// here; see pkg/middleware for role restrictions.
func (g *Gate) confirm(token *Token, r *http.Request) (*http.Request, bool) {
	user := UserFromClaims(token.Claims)
	return r.WithContext(WithUser(r.Context(), user)), true
}

var (
	defaultMu    sync.RWMutex
	defaultGate  *Gate
	defaultStore SessionStore = NewMemoryStore(DefaultMemoryStoreSize, DefaultSessionTTL)
)

// Init builds a Gate and installs it as the process default used by Protect.
// Unless WithStore is given, every default gate shares one in-memory store,
// so sessions survive a reconfiguration. Calling Init again replaces the
// default gate.
func Init(raw RawConfig, opts ...InitOption) ([]func(http.Handler) http.Handler, error) {
	defaultMu.RLock()
	store := defaultStore
	defaultMu.RUnlock()

	g, err := NewGate(raw, append([]InitOption{WithStore(store)}, opts...)...)
	if err != nil {
		return nil, err
	}

	defaultMu.Lock()
	replaced := defaultGate != nil
	defaultGate = g
	defaultMu.Unlock()

	if replaced {
		g.logger.Warn("Replaced the default identity gate")
	}
	return g.Middleware(), nil
}

// Default returns the gate installed by Init, or nil
func Default() *Gate {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultGate
}

// Protect guards a route with the default gate. The gate is looked up on
// every request, so routes may be registered before Init and pick up a
// reconfiguration. Requests arriving while no gate is installed fail with
// ErrNotInitialized and a 500.
func Protect(opts ...ProtectOption) func(http.Handler) http.Handler {
	var po protectOptions
	for _, opt := range opts {
		opt(&po)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g := Default()
			if g == nil {
				observability.FromContext(r.Context()).WithError(ErrNotInitialized).Error("Protected route hit before Init")
				httputil.WriteInternalError(w, ErrNotInitialized)
				return
			}
			g.serveProtected(po, w, r, next)
		})
	}
}

// resetDefault clears the default gate and its store
func resetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultGate = nil
	defaultStore = NewMemoryStore(DefaultMemoryStoreSize, DefaultSessionTTL)
}
