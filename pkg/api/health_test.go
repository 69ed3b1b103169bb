package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthServerRoutes(t *testing.T) {
	metrics.SetCriticalComponents("api-test-storage")
	defer metrics.SetCriticalComponents(metrics.ComponentStorage, metrics.ComponentAuthority)

	hs := NewHealthServer(":0")

	tests := []struct {
		name           string
		method         string
		path           string
		setup          func()
		expectedStatus int
	}{
		{
			name:           "liveness",
			method:         http.MethodGet,
			path:           "/live",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "not ready before registration",
			method:         http.MethodGet,
			path:           "/ready",
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "ready once critical component healthy",
			method:         http.MethodGet,
			path:           "/ready",
			setup:          func() { metrics.RegisterComponent("api-test-storage", true, "ok") },
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics exposed",
			method:         http.MethodGet,
			path:           "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "post rejected",
			method:         http.MethodPost,
			path:           "/health",
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "unknown path",
			method:         http.MethodGet,
			path:           "/nonexistent",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			hs.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestHealthHandlerJSON(t *testing.T) {
	metrics.RegisterComponent("api-test-json", true, "ok")
	hs := NewHealthServer(":0")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.Handler().ServeHTTP(w, req)

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Components["api-test-json"])
	assert.False(t, body.Timestamp.IsZero())
}

func TestHealthServerServeShutdown(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0")
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- hs.Serve(lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hs.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestIsHealthMethod(t *testing.T) {
	assert.True(t, isHealthMethod("/grpc.health.v1.Health/Check"))
	assert.False(t, isHealthMethod("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"))
}

func TestGRPCServerReadiness(t *testing.T) {
	var ready atomic.Bool
	s := NewGRPCServer(ready.Load)
	client := dialBufconn(t, s)
	ctx := context.Background()

	resp, err := client.Check(ctx, checkRequest(""))
	require.NoError(t, err)
	assert.Equal(t, notServing, resp.Status)

	ready.Store(true)
	s.SyncReadiness()

	for _, svc := range []string{"", ServiceName} {
		resp, err := client.Check(ctx, checkRequest(svc))
		require.NoError(t, err)
		assert.Equal(t, serving, resp.Status, "service %q", svc)
	}

	_, err = client.Check(ctx, checkRequest("unknown"))
	assert.Error(t, err)
}

func TestGRPCServerWatchReadiness(t *testing.T) {
	var ready atomic.Bool
	s := NewGRPCServer(ready.Load)
	client := dialBufconn(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.WatchReadiness(ctx, 5*time.Millisecond)

	ready.Store(true)
	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), checkRequest(ServiceName))
		return err == nil && resp.Status == serving
	}, 2*time.Second, 5*time.Millisecond)
}
