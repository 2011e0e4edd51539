package sso

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultSessionCookie {
			return c
		}
	}
	return nil
}

func TestSessionMiddleware_NewSessionSavedWhenUninitializedAllowed(t *testing.T) {
	store := NewMemoryStore(10, 0)
	mw := SessionMiddleware(SessionOptions{Secret: "k", SaveUninitialized: true, Store: store, Logger: quietLogger()})

	var seen *Session
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := SessionFromContext(r.Context())
		require.True(t, ok)
		assert.True(t, s.IsNew())
		seen = s
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	cookie := sessionCookie(t, rec)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 1, store.Len())

	id, ok := unsignSessionID(cookie.Value, "k")
	require.True(t, ok)
	assert.Equal(t, seen.ID, id)
}

func TestSessionMiddleware_UninitializedNotSaved(t *testing.T) {
	store := NewMemoryStore(10, 0)
	mw := SessionMiddleware(SessionOptions{Secret: "k", Store: store, Logger: quietLogger()})

	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Nil(t, sessionCookie(t, rec))
	assert.Equal(t, 0, store.Len())
}

func TestSessionMiddleware_RoundTrip(t *testing.T) {
	store := NewMemoryStore(10, 0)
	mw := SessionMiddleware(SessionOptions{Secret: "k", SaveUninitialized: true, Store: store, Logger: quietLogger()})

	write := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := SessionFromContext(r.Context())
		s.Set("greeting", "hello")
		// Values set before a redirect must already be persisted
		http.Redirect(w, r, "/next", http.StatusFound)
	}))
	rec := httptest.NewRecorder()
	write.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := sessionCookie(t, rec)
	require.NotNil(t, cookie)

	read := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := SessionFromContext(r.Context())
		assert.False(t, s.IsNew())
		v, ok := s.Get("greeting")
		assert.True(t, ok)
		assert.Equal(t, "hello", v)
	}))
	req := httptest.NewRequest(http.MethodGet, "/next", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	read.ServeHTTP(rec, req)

	assert.Nil(t, sessionCookie(t, rec), "existing session does not reissue its cookie")
}

func TestSessionMiddleware_TamperedCookieStartsNewSession(t *testing.T) {
	store := NewMemoryStore(10, 0)
	existing := NewSession()
	require.NoError(t, store.Save(context.Background(), existing))

	mw := SessionMiddleware(SessionOptions{Secret: "k", Store: store, Logger: quietLogger()})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := SessionFromContext(r.Context())
		assert.NotEqual(t, existing.ID, s.ID)
		assert.True(t, s.IsNew())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: signSessionID(existing.ID, "other-secret")})
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestSessionMiddleware_Destroy(t *testing.T) {
	store := NewMemoryStore(10, 0)
	existing := NewSession()
	require.NoError(t, store.Save(context.Background(), existing))

	mw := SessionMiddleware(SessionOptions{Secret: "k", Store: store, Logger: quietLogger()})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := SessionFromContext(r.Context())
		s.Destroy()
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: signSessionID(existing.ID, "k")})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	_, err := store.Get(context.Background(), existing.ID)
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	cookie := sessionCookie(t, rec)
	require.NotNil(t, cookie)
	assert.Equal(t, -1, cookie.MaxAge)
}

func TestSessionMiddleware_RequiresStore(t *testing.T) {
	assert.Panics(t, func() {
		SessionMiddleware(SessionOptions{Secret: "k"})
	})
}

func TestSessionValues(t *testing.T) {
	s := NewSession()
	assert.False(t, s.Modified())

	s.Delete("missing")
	assert.False(t, s.Modified())

	s.Set("a", "1")
	assert.True(t, s.Modified())

	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestSignSessionID(t *testing.T) {
	signed := signSessionID("abc", "k")

	id, ok := unsignSessionID(signed, "k")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = unsignSessionID(signed, "other")
	assert.False(t, ok)

	_, ok = unsignSessionID("abc", "k")
	assert.False(t, ok)

	_, ok = unsignSessionID(signed+"x", "k")
	assert.False(t, ok)
}
