package observability

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietShutdownLogger() *Logger {
	return NewLogger(ErrorLevel, &bytes.Buffer{})
}

func TestNewShutdownManager(t *testing.T) {
	sm := NewShutdownManager(nil, nil, 0)
	assert.NotNil(t, sm.logger)
	assert.Equal(t, DefaultShutdownTimeout, sm.timeout)

	sm = NewShutdownManager(quietShutdownLogger(), nil, time.Second)
	assert.Equal(t, time.Second, sm.timeout)

	sm.RegisterShutdownFunc(nil)
	assert.Empty(t, sm.funcs)
}

func TestShutdown_RunsAllFunctions(t *testing.T) {
	sm := NewShutdownManager(quietShutdownLogger(), nil, time.Second)

	var calls int32
	for i := 0; i < 5; i++ {
		sm.RegisterShutdownFunc(func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestShutdown_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(quietShutdownLogger(), nil, time.Second)
	boom := errors.New("boom")

	var ran int32
	sm.RegisterShutdownFunc(func(context.Context) error { return boom })
	sm.RegisterShutdownFunc(func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran), "one failure does not stop the others")
}

func TestShutdown_Timeout(t *testing.T) {
	sm := NewShutdownManager(quietShutdownLogger(), nil, time.Second)
	release := make(chan struct{})
	defer close(release)
	sm.RegisterShutdownFunc(func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdown_DrainsServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{Handler: http.NotFoundHandler()}
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	sm := NewShutdownManager(quietShutdownLogger(), server, time.Second)
	var cleaned int32
	sm.RegisterShutdownFunc(func(context.Context) error {
		atomic.StoreInt32(&cleaned, 1)
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cleaned))
}

func TestWaitForShutdown_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(quietShutdownLogger(), nil, time.Second)
	var ran int32
	sm.RegisterShutdownFunc(func(context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.WaitForShutdown(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return after cancel")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
