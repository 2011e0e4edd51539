package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/keygate/pkg/sso"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	allowed := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		ok, err := limiter.Allow(context.Background(), "ip:10.0.0.1")
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, config.RequestsPerWindow+config.BurstSize, allowed)
	assert.Equal(t, 0, limiter.Remaining("ip:10.0.0.1"))

	// Half a window refills half the rate
	now = now.Add(500 * time.Millisecond)
	ok, err := limiter.Allow(context.Background(), "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, limiter.Remaining("ip:10.0.0.1"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second})
	now := time.Now()
	limiter.now = func() time.Time { return now }

	_, _ = limiter.Allow(context.Background(), "a")
	now = now.Add(3 * time.Second)
	limiter.Cleanup()

	assert.Empty(t, limiter.buckets)
	assert.Equal(t, 1, limiter.Remaining("a"))
}

func TestRedisRateLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedisRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("keygate:ratelimit:ip:10.0.0.1"))

	mr.FastForward(2 * time.Minute)
	ok, err = limiter.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts after expiry")

	require.NoError(t, limiter.Reset(ctx, "ip:10.0.0.1"))
	assert.False(t, mr.Exists("keygate:ratelimit:ip:10.0.0.1"))

	mr.Close()
	ok, err = limiter.Allow(ctx, "ip:10.0.0.1")
	assert.Error(t, err)
	assert.True(t, ok, "limiter errors fail open")
}

func TestRedisRateLimiter_RepairsMissingExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedisRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	// A counter left behind without a TTL, as after a failed EXPIRE
	require.NoError(t, mr.Set("keygate:ratelimit:user:u-1", "5"))
	assert.Zero(t, mr.TTL("keygate:ratelimit:user:u-1"))

	ok, err := limiter.Allow(ctx, "user:u-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("keygate:ratelimit:user:u-1"))

	mr.FastForward(2 * time.Minute)
	ok, err = limiter.Allow(ctx, "user:u-1")
	require.NoError(t, err)
	assert.True(t, ok, "the repaired counter expires with the window")

	// Later hits in the same window keep the original expiry
	mr.FastForward(30 * time.Second)
	_, err = limiter.Allow(ctx, "user:u-1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("keygate:ratelimit:user:u-1"))
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(req *http.Request) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	anon := httptest.NewRequest(http.MethodGet, "/", nil)
	anon.RemoteAddr = "192.0.2.1:4321"
	assert.Equal(t, http.StatusOK, send(anon).Code)

	w := send(anon)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","retry_after":3600}`, w.Body.String())

	// Same address, different user
	user := httptest.NewRequest(http.MethodGet, "/", nil)
	user.RemoteAddr = "192.0.2.1:4321"
	user = user.WithContext(sso.WithUser(user.Context(), &sso.UserIdentity{ID: "u1"}))
	assert.Equal(t, http.StatusOK, send(user).Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"forwarded for", http.Header{"X-Forwarded-For": {"203.0.113.9, 10.0.0.1"}}, "10.0.0.1:1", "203.0.113.9"},
		{"real ip", http.Header{"X-Real-Ip": {"203.0.113.7"}}, "10.0.0.1:1", "203.0.113.7"},
		{"no port", nil, "192.0.2.1", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header[k] = v
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
