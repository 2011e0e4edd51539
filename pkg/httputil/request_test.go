package httputil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScheme(t *testing.T) {
	tests := []struct {
		name   string
		header string
		tls    bool
		trust  bool
		want   string
	}{
		{name: "plain", want: "http"},
		{name: "tls", tls: true, want: "https"},
		{name: "forwarded", header: "https", trust: true, want: "https"},
		{name: "forwarded list", header: "HTTPS, http", trust: true, want: "https"},
		{name: "forwarded beats tls", header: "http", tls: true, trust: true, want: "http"},
		{name: "untrusted forwarded ignored", header: "gopher", want: "http"},
		{name: "untrusted forwarded keeps tls", header: "http", tls: true, want: "https"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Forwarded-Proto", tt.header)
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			assert.Equal(t, tt.want, Scheme(req, tt.trust))
		})
	}
}

func TestSplitHost(t *testing.T) {
	tests := []struct {
		name      string
		host      string
		forwarded string
		trust     bool
		wantHost  string
		wantPort  string
	}{
		{name: "host only", host: "example.com", wantHost: "example.com"},
		{name: "host and port", host: "example.com:8080", wantHost: "example.com", wantPort: "8080"},
		{name: "ipv6", host: "[::1]:8443", wantHost: "::1", wantPort: "8443"},
		{name: "forwarded host", host: "10.0.0.5:8080", forwarded: "app.example.com, proxy.local", trust: true, wantHost: "app.example.com"},
		{name: "untrusted forwarded host ignored", host: "app.example.com:8080", forwarded: "attacker.example", wantHost: "app.example.com", wantPort: "8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Host = tt.host
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-Host", tt.forwarded)
			}

			host, port := SplitHost(req, tt.trust)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestOriginalURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/a%2Fb/c?x=1&x=2&y=%20", nil)
	assert.Equal(t, "/a%2Fb/c?x=1&x=2&y=%20", OriginalURL(req))

	// Requests built by hand have no RequestURI
	req, err := http.NewRequest(http.MethodGet, "http://example.com/path?q=1", nil)
	assert.NoError(t, err)
	assert.Equal(t, "/path?q=1", OriginalURL(req))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{name: "missing"},
		{name: "bearer", header: "Bearer abc.def", want: "abc.def", wantOK: true},
		{name: "lowercase scheme", header: "bearer abc", want: "abc", wantOK: true},
		{name: "basic", header: "Basic dXNlcjpwYXNz"},
		{name: "empty token", header: "Bearer   "},
		{name: "no token", header: "Bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			token, ok := BearerToken(req)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, token)
		})
	}
}
