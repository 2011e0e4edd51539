package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/keygate/pkg/config"
	"github.com/platinummonkey/keygate/pkg/httputil"
	"github.com/platinummonkey/keygate/pkg/middleware"
	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/platinummonkey/keygate/pkg/sso"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// app owns everything that outlives a client config reload: the session
// store, the rate limiter, metrics and the router. Only the gate is swapped.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	logger  *observability.Logger
	redis   *redis.Client
	store   sso.SessionStore
	limiter middleware.Limiter

	registry *prometheus.Registry
	metrics  *observability.Metrics
	health   *observability.HealthChecker

	gateOpts []sso.InitOption
	chain    gateChain

	// reloadMu serializes Init calls from the watcher
	reloadMu sync.Mutex
}

func newApp(cfg *config.Config, log *logrus.Logger, logger *observability.Logger, redisClient *redis.Client, gateOpts ...sso.InitOption) *app {
	a := &app{
		cfg:      cfg,
		log:      log,
		logger:   logger,
		redis:    redisClient,
		registry: prometheus.NewRegistry(),
		health:   observability.NewHealthChecker(cfg.Observability.OTelServiceVersion),
	}
	a.metrics = observability.NewMetrics(a.registry)

	if cfg.Session.Backend == config.BackendRedis {
		a.store = sso.NewRedisStore(redisClient, cfg.Session.RedisPrefix, cfg.Session.TTL)
		a.health.AddCheck("session_store", true, observability.RedisCheck(redisClient))
	} else {
		a.store = sso.NewMemoryStore(cfg.Session.MemorySize, cfg.Session.TTL)
	}

	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
		WindowDuration:    cfg.RateLimit.Window,
		BurstSize:         cfg.RateLimit.Burst,
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.Backend == config.BackendRedis {
		a.limiter = middleware.NewRedisRateLimiter(redisClient, limits, "")
		if cfg.Session.Backend != config.BackendRedis {
			a.health.AddCheck("rate_limit_store", false, observability.RedisCheck(redisClient))
		}
	} else {
		a.limiter = middleware.NewRateLimiter(limits)
	}

	a.health.AddCheck("identity_provider", false, a.identityProviderReady)

	a.gateOpts = append([]sso.InitOption{
		sso.WithStore(a.store),
		sso.WithLogger(logger),
		sso.WithMetrics(a.metrics),
		sso.WithLogoutPath(cfg.SSO.LogoutPath),
		sso.WithRedirectPath(cfg.SSO.RedirectPath),
		sso.WithGateHTTPClient(&http.Client{Timeout: cfg.SSO.HTTPTimeout}),
		sso.WithSecureCookies(cfg.Session.SecureCookies),
		sso.WithTrustProxy(cfg.Server.TrustProxy),
	}, gateOpts...)
	if cfg.Session.Secret != "" {
		a.gateOpts = append(a.gateOpts, sso.WithSessionSecret(cfg.Session.Secret))
	}

	return a
}

// loadGate reads the client config file and installs a new default gate.
// On failure the previous gate keeps serving.
func (a *app) loadGate() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	raw, err := sso.LoadRawConfig(a.cfg.SSO.ClientConfigPath)
	if err != nil {
		return err
	}
	middlewares, err := sso.Init(raw, a.gateOpts...)
	if err != nil {
		return err
	}
	a.chain.install(middlewares)

	gateCfg := sso.Default().Config()
	a.log.WithFields(logrus.Fields{
		"realm":    gateCfg.Realm,
		"resource": gateCfg.Resource,
		"issuer":   gateCfg.Issuer(),
	}).Info("Identity gate loaded")
	return nil
}

func (a *app) identityProviderReady(ctx context.Context) error {
	g := sso.Default()
	if g == nil {
		return sso.ErrNotInitialized
	}
	ready, ok := g.Adapter().(interface{ Ready(context.Context) error })
	if !ok {
		return nil
	}
	return ready.Ready(ctx)
}

// cleanupRateLimits drops idle in-memory buckets. Redis counters expire on
// their own.
func (a *app) cleanupRateLimits() {
	if rl, ok := a.limiter.(*middleware.RateLimiter); ok {
		rl.Cleanup()
	}
}

// routes builds the handler tree. Health and metrics bypass the gate; every
// other path runs through the current gate's session and handshake chain.
func (a *app) routes() http.Handler {
	root := mux.NewRouter()
	observability.RegisterHealthRoutes(root, a.health)
	if a.cfg.Observability.MetricsEnabled {
		root.Handle("/metrics", observability.MetricsHandler(a.registry)).Methods(http.MethodGet)
	}

	site := mux.NewRouter()
	site.Use(observability.HTTPMetricsMiddleware(a.metrics))
	site.HandleFunc("/", a.handleIndex).Methods(http.MethodGet)

	protected := func(h http.HandlerFunc, roles ...func(http.Handler) http.Handler) http.Handler {
		chain := []func(http.Handler) http.Handler{sso.Protect()}
		if a.cfg.RateLimit.Enabled {
			chain = append(chain, middleware.RateLimit(a.limiter))
		}
		chain = append(chain, roles...)
		return httputil.Chain(chain...)(h)
	}
	site.Handle("/me", protected(a.handleMe, middleware.RequireUser)).Methods(http.MethodGet)
	site.Handle("/admin", protected(a.handleAdmin, middleware.RequireAdmin)).Methods(http.MethodGet)
	site.Handle("/author", protected(a.handleAuthor, middleware.RequireAuthor)).Methods(http.MethodGet)
	site.Handle("/staff", protected(a.handleMe, middleware.RequireAnyRole)).Methods(http.MethodGet)

	a.chain.inner = site
	root.PathPrefix("/").Handler(&a.chain)

	return httputil.Chain(
		observability.TracingMiddleware(a.cfg.Observability.OTelServiceName),
		httputil.RequestIDMiddleware(a.logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
	)(root)
}

func (a *app) handleIndex(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, map[string]string{
		"service": a.cfg.Observability.OTelServiceName,
		"login":   "/me",
		"logout":  a.cfg.SSO.LogoutPath,
	})
}

func (a *app) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := sso.UserFromContext(r.Context())
	_ = httputil.WriteSuccess(w, user)
}

func (a *app) handleAdmin(w http.ResponseWriter, r *http.Request) {
	user, _ := sso.UserFromContext(r.Context())
	_ = httputil.WriteSuccess(w, map[string]string{
		"message": fmt.Sprintf("welcome to the admin area, %s", user.Name),
	})
}

func (a *app) handleAuthor(w http.ResponseWriter, r *http.Request) {
	user, _ := sso.UserFromContext(r.Context())
	_ = httputil.WriteSuccess(w, map[string]string{
		"message": fmt.Sprintf("welcome to the author area, %s", user.Name),
	})
}

// gateChain serves inner through the most recently installed site-wide
// middleware, so a reload takes effect without rebuilding the router
type gateChain struct {
	inner   http.Handler
	current atomic.Pointer[http.Handler]
}

func (c *gateChain) install(middlewares []func(http.Handler) http.Handler) {
	h := httputil.Chain(middlewares...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.inner.ServeHTTP(w, r)
	}))
	c.current.Store(&h)
}

func (c *gateChain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := c.current.Load()
	if h == nil {
		httputil.WriteServiceUnavailable(w, "identity gate not loaded")
		return
	}
	(*h).ServeHTTP(w, r)
}
