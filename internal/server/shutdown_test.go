package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *ShutdownManager {
	return NewShutdownManager(ShutdownConfig{
		ShutdownTimeout: time.Second,
		DrainTimeout:    200 * time.Millisecond,
	})
}

func TestShutdownManager_ClosesInReverseOrder(t *testing.T) {
	sm := newTestManager()
	var order []string
	for _, name := range []string{"catalog", "grpc", "http"} {
		name := name
		sm.RegisterCloser(name, CloserFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"http", "grpc", "catalog"}, order)
	assert.True(t, sm.IsShuttingDown())

	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel should be closed")
	}
}

func TestShutdownManager_RunsOnce(t *testing.T) {
	sm := newTestManager()
	calls := 0
	sm.RegisterCloser("x", CloserFunc(func() error {
		calls++
		return errors.New("boom")
	}))

	err1 := sm.Shutdown(context.Background(), "first")
	err2 := sm.Shutdown(context.Background(), "second")
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, 1, calls)
}

func TestShutdownManager_DrainTimeout(t *testing.T) {
	sm := newTestManager()
	require.True(t, sm.TrackRequest())

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 in-flight")
}

func TestShutdownManager_WaitsForInFlight(t *testing.T) {
	sm := newTestManager()
	require.True(t, sm.TrackRequest())
	go func() {
		time.Sleep(50 * time.Millisecond)
		sm.UntrackRequest()
	}()

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, int64(0), sm.InFlightCount())
	assert.False(t, sm.TrackRequest())
}

func TestShutdownMiddleware(t *testing.T) {
	sm := newTestManager()
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(1), sm.InFlightCount())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), sm.InFlightCount())

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
