package sso

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/keygate/pkg/contextkeys"
	"github.com/platinummonkey/keygate/pkg/observability"
)

// SessionStore persists sessions keyed by session id. Get returns
// ErrSessionNotFound for unknown or expired ids.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Destroy(ctx context.Context, id string) error
}

// Session is the server-side state of one browser session
type Session struct {
	ID        string            `json:"id"`
	Values    map[string]string `json:"values"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	mu        sync.Mutex
	fresh     bool // created during this request
	persisted bool // exists in the store
	modified  bool
	destroyed bool
}

// NewSession creates an empty session with a random id
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Values:    make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
		fresh:     true,
	}
}

// Get returns a session value
func (s *Session) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Values[key]
	return v, ok
}

// Set stores a session value and marks the session modified
func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	s.Values[key] = value
	s.modified = true
}

// Delete removes a session value
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Values[key]; ok {
		delete(s.Values, key)
		s.modified = true
	}
}

// Destroy removes the session from the store when the response is committed
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}

// IsNew reports whether the session was created by the current request
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fresh
}

// Modified reports whether the session changed since it was last saved
func (s *Session) Modified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modified
}

// clone returns a detached copy safe to hand to another request
func (s *Session) clone() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]string, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	return &Session{
		ID:        s.ID,
		Values:    values,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		persisted: true,
	}
}

// SessionFromContext returns the session attached by SessionMiddleware
func SessionFromContext(ctx context.Context) (*Session, bool) {
	session, ok := ctx.Value(contextkeys.SessionKey).(*Session)
	return session, ok && session != nil
}

// DefaultSessionCookie is the cookie carrying the signed session id
const DefaultSessionCookie = "keygate.sid"

// SessionOptions configures SessionMiddleware
type SessionOptions struct {
	// Secret signs the session cookie
	Secret string
	// Resave writes unmodified existing sessions back on every request
	Resave bool
	// SaveUninitialized stores sessions that were created but never modified
	SaveUninitialized bool
	// Store is shared with the identity adapter
	Store SessionStore

	CookieName string
	CookiePath string
	MaxAge     time.Duration
	Secure     bool
	Logger     *observability.Logger
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.CookieName == "" {
		o.CookieName = DefaultSessionCookie
	}
	if o.CookiePath == "" {
		o.CookiePath = "/"
	}
	if o.MaxAge == 0 {
		o.MaxAge = 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return o
}

// SessionMiddleware loads the session named by the request cookie (or starts
// a new one), exposes it through the request context and persists it before
// the response headers are written.
func SessionMiddleware(opts SessionOptions) func(http.Handler) http.Handler {
	opts = opts.withDefaults()
	if opts.Store == nil {
		panic("sso: SessionMiddleware requires a Store")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := loadSession(r, opts)

			sw := &sessionWriter{
				ResponseWriter: w,
				ctx:            r.Context(),
				session:        session,
				opts:           opts,
			}
			ctx := contextkeys.WithSession(r.Context(), session)
			next.ServeHTTP(sw, r.WithContext(ctx))
			sw.commit()
		})
	}
}

func loadSession(r *http.Request, opts SessionOptions) *Session {
	cookie, err := r.Cookie(opts.CookieName)
	if err != nil {
		return NewSession()
	}
	id, ok := unsignSessionID(cookie.Value, opts.Secret)
	if !ok {
		opts.Logger.Debug("Ignoring session cookie with bad signature")
		return NewSession()
	}

	session, err := opts.Store.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			opts.Logger.WithError(err).Warn("Failed to load session")
		}
		return NewSession()
	}
	return session
}

// sessionWriter persists the session right before the first header write so
// that redirects issued by the handshake already carry the session cookie.
type sessionWriter struct {
	http.ResponseWriter
	ctx         context.Context
	session     *Session
	opts        SessionOptions
	wroteHeader bool
	cookieSet   bool
	resaved     bool
}

func (sw *sessionWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.flush(false)
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *sessionWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (sw *sessionWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// commit runs after the handler returned
func (sw *sessionWriter) commit() {
	sw.flush(sw.wroteHeader)
}

func (sw *sessionWriter) flush(headersSent bool) {
	s := sw.session

	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()

	if destroyed {
		if err := sw.opts.Store.Destroy(sw.ctx, s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			sw.opts.Logger.WithError(err).Warn("Failed to destroy session")
		}
		if !headersSent && !s.IsNew() {
			http.SetCookie(sw.ResponseWriter, &http.Cookie{
				Name:   sw.opts.CookieName,
				Value:  "",
				Path:   sw.opts.CookiePath,
				MaxAge: -1,
			})
		}
		return
	}

	if sw.shouldSave() {
		s.mu.Lock()
		s.UpdatedAt = time.Now()
		s.mu.Unlock()

		if err := sw.opts.Store.Save(sw.ctx, s); err != nil {
			sw.opts.Logger.WithError(err).Error("Failed to save session")
		} else {
			s.mu.Lock()
			s.persisted = true
			s.modified = false
			s.mu.Unlock()
			sw.resaved = true
		}
	}

	s.mu.Lock()
	needsCookie := s.fresh && s.persisted
	s.mu.Unlock()

	if !headersSent && !sw.cookieSet && needsCookie {
		http.SetCookie(sw.ResponseWriter, &http.Cookie{
			Name:     sw.opts.CookieName,
			Value:    signSessionID(s.ID, sw.opts.Secret),
			Path:     sw.opts.CookiePath,
			MaxAge:   int(sw.opts.MaxAge.Seconds()),
			HttpOnly: true,
			Secure:   sw.opts.Secure,
			SameSite: http.SameSiteLaxMode,
		})
		sw.cookieSet = true
	}
}

func (sw *sessionWriter) shouldSave() bool {
	s := sw.session
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.modified:
		return true
	case s.fresh && !s.persisted:
		return sw.opts.SaveUninitialized
	case !s.fresh:
		return sw.opts.Resave && !sw.resaved
	default:
		return false
	}
}

func signSessionID(id, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func unsignSessionID(value, secret string) (string, bool) {
	idx := strings.LastIndexByte(value, '.')
	if idx <= 0 {
		return "", false
	}
	id := value[:idx]
	if !hmac.Equal([]byte(signSessionID(id, secret)), []byte(value)) {
		return "", false
	}
	return id, true
}
