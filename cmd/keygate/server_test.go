package main

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/platinummonkey/keygate/pkg/config"
	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/platinummonkey/keygate/pkg/sso"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testAuthServer = "https://idp.example.com"

type testKeys struct {
	t   *testing.T
	key *rsa.PrivateKey
}

func newTestKeys(t *testing.T) *testKeys {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testKeys{t: t, key: key}
}

func (k *testKeys) token(realm, sub, username string, roles ...string) string {
	k.t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":                testAuthServer + "/realms/" + realm,
		"sub":                sub,
		"azp":                "web",
		"iat":                now.Unix(),
		"exp":                now.Add(5 * time.Minute).Unix(),
		"preferred_username": username,
		"realm_access":       map[string]interface{}{"roles": roles},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(k.key)
	require.NoError(k.t, err)
	return signed
}

// staticGate verifies tokens against k without contacting an identity provider
func (k *testKeys) staticGate() sso.InitOption {
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&k.key.PublicKey}}
	return sso.WithAdapterFactory(func(store sso.SessionStore, cfg sso.ClientConfig) (sso.IdentityAdapter, error) {
		issuer := cfg.Issuer()
		return sso.NewOIDCAdapter(store, cfg,
			sso.WithStaticProvider(keySet, oauth2.Endpoint{
				AuthURL:  issuer + "/protocol/openid-connect/auth",
				TokenURL: issuer + "/protocol/openid-connect/token",
			}, issuer+"/protocol/openid-connect/logout"),
			sso.WithAdapterLogger(quietLogger()),
		)
	})
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func quietLogrus() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeClientConfig(t *testing.T, path, realm string) {
	t.Helper()
	body := `{"realm": "` + realm + `", "auth-server-url": "` + testAuthServer + `", "resource": "web", "public-client": true}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func testConfig(path string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: "0"},
		SSO: config.SSOConfig{
			ClientConfigPath: path,
			LogoutPath:       "/logout",
			RedirectPath:     "/",
			HTTPTimeout:      time.Second,
		},
		Session: config.SessionConfig{
			Secret:     "test-secret",
			Backend:    config.BackendMemory,
			TTL:        time.Hour,
			MemorySize: 100,
		},
		RateLimit: config.RateLimitConfig{
			Enabled:           true,
			Backend:           config.BackendMemory,
			RequestsPerWindow: 100,
			Window:            time.Minute,
		},
		Maintenance: config.MaintenanceConfig{Schedule: "@every 1m"},
		Observability: config.ObservabilityConfig{
			LogLevel:        observability.ErrorLevel,
			MetricsEnabled:  true,
			OTelServiceName: observability.DefaultServiceName,
		},
	}
}

type testServer struct {
	app     *app
	handler http.Handler
	keys    *testKeys
	path    string
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keycloak.json")
	writeClientConfig(t, path, "demo")

	cfg := testConfig(path)
	for _, m := range mutate {
		m(cfg)
	}

	keys := newTestKeys(t)
	a := newApp(cfg, quietLogrus(), quietLogger(), nil, keys.staticGate())
	handler := a.routes()
	require.NoError(t, a.loadGate())

	return &testServer{app: a, handler: handler, keys: keys, path: path}
}

func (s *testServer) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_BeforeGateLoaded(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing.json"))
	a := newApp(cfg, quietLogrus(), quietLogger(), nil)
	handler := a.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Error(t, a.loadGate())
}

func TestRoutes_Public(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"logout":"/logout"`)
}

func TestRoutes_Protected(t *testing.T) {
	s := newTestServer(t)
	user := s.keys.token("demo", "u-1", "alice")
	admin := s.keys.token("demo", "u-2", "root", "admin")
	author := s.keys.token("demo", "u-3", "ann", "author")

	tests := []struct {
		name     string
		path     string
		token    string
		status   int
		contains string
	}{
		{name: "me as user", path: "/me", token: user, status: http.StatusOK, contains: `"name":"alice"`},
		{name: "admin as user", path: "/admin", token: user, status: http.StatusForbidden, contains: "admin role required"},
		{name: "admin as admin", path: "/admin", token: admin, status: http.StatusOK, contains: "admin area, root"},
		{name: "author as author", path: "/author", token: author, status: http.StatusOK, contains: "author area, ann"},
		{name: "author as admin", path: "/author", token: admin, status: http.StatusForbidden, contains: "author role required"},
		{name: "staff as user", path: "/staff", token: user, status: http.StatusForbidden, contains: "insufficient role permissions"},
		{name: "staff as author", path: "/staff", token: author, status: http.StatusOK, contains: `"author":true`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.get(tt.path, tt.token)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestRoutes_Unauthenticated(t *testing.T) {
	s := newTestServer(t)

	t.Run("browser is sent to login", func(t *testing.T) {
		rec := s.get("/me", "")
		require.Equal(t, http.StatusFound, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Location"),
			testAuthServer+"/realms/demo/protocol/openid-connect/auth?"), rec.Header().Get("Location"))
	})

	t.Run("invalid bearer token is denied", func(t *testing.T) {
		rec := s.get("/me", "not-a-jwt")
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))
	})

	t.Run("token from another realm is denied", func(t *testing.T) {
		rec := s.get("/me", s.keys.token("other", "u-1", "alice"))
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))
	})
}

func TestRoutes_LoginRedirectURI(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		want       string
	}{
		{name: "forwarded headers ignored by default", want: "http://example.com/me?auth_callback=1"},
		{name: "trusted proxy", trustProxy: true, want: "https://public.example.com/me?auth_callback=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(c *config.Config) { c.Server.TrustProxy = tt.trustProxy })

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Header.Set("X-Forwarded-Proto", "https")
			req.Header.Set("X-Forwarded-Host", "public.example.com")
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusFound, rec.Code)
			location, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, location.Query().Get("redirect_uri"))
		})
	}
}

func TestRoutes_MetricsAndHealth(t *testing.T) {
	s := newTestServer(t)
	s.get("/me", s.keys.token("demo", "u-1", "alice"))

	rec := s.get("/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `keygate_guard_decisions_total{outcome="granted"} 1`)
	assert.Contains(t, rec.Body.String(), `keygate_http_requests_total{method="GET",route="/me",status="200"} 1`)

	rec = s.get("/health/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status observability.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, observability.StatusHealthy, status.Status)
	assert.Equal(t, observability.StatusHealthy, status.Dependencies["identity_provider"].Status)
}

func TestRoutes_MetricsDisabled(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Observability.MetricsEnabled = false })

	// Falls through to the gated site router, which has no /metrics route
	assert.Equal(t, http.StatusNotFound, s.get("/metrics", "").Code)
}

func TestRoutes_RateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimit.RequestsPerWindow = 2
		c.RateLimit.Burst = 0
	})
	token := s.keys.token("demo", "u-1", "alice")

	assert.Equal(t, http.StatusOK, s.get("/me", token).Code)
	assert.Equal(t, http.StatusOK, s.get("/me", token).Code)
	rec := s.get("/me", token)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Budgets are per user
	assert.Equal(t, http.StatusOK, s.get("/me", s.keys.token("demo", "u-2", "bob")).Code)
}

func TestLoadGate_Reload(t *testing.T) {
	s := newTestServer(t)
	demoToken := s.keys.token("demo", "u-1", "alice")
	require.Equal(t, http.StatusOK, s.get("/me", demoToken).Code)

	writeClientConfig(t, s.path, "staging")
	require.NoError(t, s.app.loadGate())

	assert.Equal(t, "staging", sso.Default().Config().Realm)
	assert.Equal(t, http.StatusFound, s.get("/me", demoToken).Code, "old realm tokens stop working")
	assert.Equal(t, http.StatusOK, s.get("/me", s.keys.token("staging", "u-1", "alice")).Code)

	// A broken file keeps the current gate
	require.NoError(t, os.WriteFile(s.path, []byte(`{"realm": "x"}`), 0o600))
	err := s.app.loadGate()
	require.Error(t, err)
	assert.ErrorIs(t, err, sso.ErrInvalidConfig)
	assert.Equal(t, "staging", sso.Default().Config().Realm)
}

func TestWatchClientConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keycloak.json")
	writeClientConfig(t, path, "demo")

	var reloads int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := watchClientConfig(ctx, path, func() error {
		atomic.AddInt32(&reloads, 1)
		return nil
	}, quietLogrus(), quietLogger())
	require.NoError(t, err)

	// Unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.json"), []byte("{}"), 0o600))
	writeClientConfig(t, path, "staging")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reloads) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchClientConfig_MissingDirectory(t *testing.T) {
	err := watchClientConfig(context.Background(), filepath.Join(t.TempDir(), "nope", "keycloak.json"),
		func() error { return nil }, quietLogrus(), quietLogger())
	assert.Error(t, err)
}

func TestMaintenance(t *testing.T) {
	s := newTestServer(t)

	_, err := startMaintenance("every now and then", s.app)
	assert.Error(t, err)

	c, err := startMaintenance("@every 1h", s.app)
	require.NoError(t, err)
	assert.NotPanics(t, s.app.runMaintenance)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, stopMaintenance(c)(ctx))
}

func TestLogrusLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, logrusLevel(observability.DebugLevel))
	assert.Equal(t, logrus.InfoLevel, logrusLevel(observability.InfoLevel))
	assert.Equal(t, logrus.WarnLevel, logrusLevel(observability.WarnLevel))
	assert.Equal(t, logrus.ErrorLevel, logrusLevel(observability.ErrorLevel))
}
