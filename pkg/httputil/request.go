package httputil

import (
	"net"
	"net/http"
	"strings"
)

// Scheme returns the protocol the client used to reach us. When trustProxy
// is set a reverse proxy's X-Forwarded-Proto wins over the local connection
// state; otherwise forwarded headers are ignored.
func Scheme(r *http.Request, trustProxy bool) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); trustProxy && proto != "" {
		// Proxies may append: "https, http"
		if idx := strings.IndexByte(proto, ','); idx >= 0 {
			proto = proto[:idx]
		}
		return strings.ToLower(strings.TrimSpace(proto))
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// SplitHost returns the hostname and port of the request's Host header, or
// of the first X-Forwarded-Host entry when trustProxy is set. Port is empty
// when the header carries none.
func SplitHost(r *http.Request, trustProxy bool) (hostname, port string) {
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); trustProxy && fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, p
	}
	return host, ""
}

// OriginalURL returns the request target exactly as the client sent it
func OriginalURL(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
