package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/agora-connector/internal/api"
	"github.com/odyssey-erp/agora-connector/internal/observability"
	"github.com/odyssey-erp/agora-connector/jobs"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("token"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &Config{
		AppEnv:            "test",
		StoreDriver:       "memory",
		RedisAddr:         "127.0.0.1:1",
		AdminTokenHash:    string(hash),
		AgoraHTTPTimeout:  time.Second,
		SyncLockTTL:       time.Second,
		AppRequestTimeout: 5 * time.Second,
	}
	logger := NewLogger(cfg)
	metrics := observability.NewMetrics()
	svc, err := NewServices(context.Background(), cfg, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return NewRouter(RouterParams{
		Logger:     logger,
		Config:     cfg,
		APIHandler: api.NewHandler(svc.APIDeps(), logger),
		JobHandler: jobs.NewHandler(nil, logger),
		Metrics:    metrics,
	})
}

func TestRouterPublicEndpoints(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{"/healthz", "/metrics", "/jobs/health"} {
		res := httptest.NewRecorder()
		router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, res.Code, path)
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
}

func TestRouterProtectsAPI(t *testing.T) {
	router := newTestRouter(t)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/connections/1/test", nil))
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/connections/1/test", nil)
	req.Header.Set("Authorization", "Bearer token")
	res = httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusNotFound, res.Code)
}
