package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `agora_connector_http_requests_total{code="418",route="/test"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, `agora_connector_http_request_duration_seconds_bucket{route="/test"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestSyncMetricsCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.Sync().Record("master_sync", "category", "created", 3)
	metrics.Sync().Failure("orders_import", "ticket")

	body := scrape(t, metrics)
	if !strings.Contains(body, `agora_sync_records_total{action="created",kind="category",operation="master_sync"} 3`) {
		t.Fatalf("expected record counter, got: %s", body)
	}
	if !strings.Contains(body, `agora_sync_failures_total{kind="ticket",operation="orders_import"} 1`) {
		t.Fatalf("expected failure counter, got: %s", body)
	}

	var nilMetrics *SyncMetrics
	nilMetrics.Record("x", "y", "z", 1)
	nilMetrics.Failure("x", "y")
}
