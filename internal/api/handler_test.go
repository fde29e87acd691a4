package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/agora/agoratest"
	"github.com/odyssey-erp/agora-connector/internal/api"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/payments"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
	"github.com/odyssey-erp/agora-connector/internal/tickets"
)

const adminToken = "s3cret"

type fixture struct {
	srv     *agoratest.Server
	conns   *store.Memory[connections.Connection, *connections.Connection]
	conn    *connections.Connection
	catalog catalog.Repos
	audit   *store.Memory[api.AuditEntry, *api.AuditEntry]
	router  http.Handler
	deps    api.Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		srv:     agoratest.New(t),
		conns:   store.NewMemory[connections.Connection](connections.Kind),
		catalog: catalog.NewMemoryRepos(),
		audit:   store.NewMemory[api.AuditEntry](api.KindAudit),
	}
	f.conn = &connections.Connection{
		Name:     "Bar",
		BaseURL:  f.srv.URL,
		APIToken: agoratest.Token,
		State:    connections.StateConnected,
	}
	f.conn.CompanyID = 1
	require.NoError(t, f.conns.Create(ctx, f.conn))

	clients := connections.NewClientFactory(time.Second, 0)
	poster := ledger.NewPoster(ledger.NewMemoryRepos(), nil, nil)
	f.deps = api.Deps{
		Connections: connections.NewService(f.conns, clients, nil),
		Engine:      tickets.NewEngine(tickets.Deps{Clients: clients}, nil),
		Payments:    payments.NewService(poster, f.catalog.PaymentMethods, nil, nil),
		Catalog:     catalog.NewService(f.catalog, nil, catalog.ImportModeInteractive, nil),
		Audit:       api.NewAuditLogger(f.audit),
	}
	f.mount(t)
	return f
}

func (f *fixture) mount(t *testing.T) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)
	h := api.NewHandler(f.deps, nil)
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(api.RequireToken(string(hash), nil))
		h.MountRoutes(r)
	})
	f.router = r
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func TestRejectsMissingOrWrongToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/connections/1/test", nil)
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/connections/1/test", nil)
	req.Header.Set("Authorization", "Bearer nope")
	res = httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.do(http.MethodPost, "/api/connections/1/test", "")
	require.Equal(t, http.StatusOK, res.Code)
	stored, err := f.conns.Get(ctx, f.conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastConnection)

	f.srv.Fail(string(agora.FilterSeries), http.StatusServiceUnavailable)
	res = f.do(http.MethodPost, "/api/connections/1/test", "")
	require.Equal(t, http.StatusBadGateway, res.Code)
	stored, err = f.conns.Get(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Equal(t, connections.StateDisconnected, stored.State)
	require.NotEmpty(t, stored.StatusMessage)
}

func TestConnectionResponsesOmitToken(t *testing.T) {
	f := newFixture(t)

	res := f.do(http.MethodPost, "/api/connections/1/test", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"state":"connected"`)
	require.NotContains(t, res.Body.String(), agoratest.Token)
	require.NotContains(t, res.Body.String(), "api_token")

	res = f.do(http.MethodPost, "/api/connections/1/disconnect", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"state":"disconnected"`)
	require.NotContains(t, res.Body.String(), agoratest.Token)
}

func TestUnreachablePOSDisconnectsConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()
	f.conn.BaseURL = gone.URL
	require.NoError(t, f.conns.Update(ctx, f.conn))

	res := f.do(http.MethodPost, "/api/connections/1/orders?date=2024-06-03", "")
	require.Equal(t, http.StatusBadGateway, res.Code)
	stored, err := f.conns.Get(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Equal(t, connections.StateDisconnected, stored.State)
	require.NotEmpty(t, stored.StatusMessage)
}

func TestOrdersDownloadValidation(t *testing.T) {
	f := newFixture(t)

	tomorrow := time.Now().UTC().AddDate(0, 0, 2).Format(agora.DayLayout)
	res := f.do(http.MethodPost, "/api/connections/1/orders?date="+tomorrow, "")
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Contains(t, res.Body.String(), "future")
	require.Zero(t, f.srv.Calls("Invoices"))

	res = f.do(http.MethodPost, "/api/connections/1/orders", "")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(http.MethodPost, "/api/connections/abc/orders?date=2024-06-03", "")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(http.MethodPost, "/api/connections/99/orders?date=2024-06-03", "")
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestDisconnectedConnectionRefusesRuns(t *testing.T) {
	f := newFixture(t)
	res := f.do(http.MethodPost, "/api/connections/1/disconnect", "")
	require.Equal(t, http.StatusOK, res.Code)

	res = f.do(http.MethodPost, "/api/connections/1/orders?date=2024-06-03", "")
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Contains(t, res.Body.String(), "not connected")
}

func TestUnknownImportKindAndPushTarget(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/connections/1/import/widgets", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/connections/1/push/widgets", "").Code)
}

func TestDeleteProductGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.deps.Catalog

	synced := &catalog.Product{Name: "Beer"}
	synced.CompanyID = 1
	require.NoError(t, svc.CreateProduct(ctx, synced, &catalog.ProductSync{ExternalID: 10, Status: catalog.StatusDone, EverSynced: true}))
	local := &catalog.Product{Name: "Draft"}
	local.CompanyID = 1
	require.NoError(t, svc.CreateProduct(ctx, local, nil))

	res := f.do(http.MethodDelete, "/api/products/"+itoa(synced.ID)+"?company_id=1", "")
	require.Equal(t, http.StatusConflict, res.Code)

	res = f.do(http.MethodDelete, "/api/products/"+itoa(local.ID), "")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(http.MethodDelete, "/api/products/"+itoa(local.ID)+"?company_id=1", "")
	require.Equal(t, http.StatusNoContent, res.Code)

	res = f.do(http.MethodPost, "/api/products/"+itoa(synced.ID)+"/archive?company_id=1", "")
	require.Equal(t, http.StatusNoContent, res.Code)

	entries, err := f.audit.Find(ctx, store.Where().Company(1).OrderBy("id", false, false))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "product.delete", entries[0].Action)
	require.Equal(t, "product.archive", entries[1].Action)
}

func TestBatchPaymentsValidation(t *testing.T) {
	f := newFixture(t)

	res := f.do(http.MethodPost, "/api/payments/batches", `{"company_id":1,"from":"2024-06-05","to":"2024-06-01"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(http.MethodPost, "/api/payments/batches", `{"company_id":1,"from":"June"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(http.MethodPost, "/api/payments/batches", `{"company_id":1,"from":"2024-06-01","to":"2024-06-05"}`)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestHeldLockIsConflict(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f.deps.Locker = shared.NewLocker(rdb, time.Minute)
	f.mount(t)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.deps.Locker.WithConnectionLock(context.Background(), f.conn.ID, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	res := f.do(http.MethodPost, "/api/connections/1/orders?date=2024-06-03", "")
	require.Equal(t, http.StatusConflict, res.Code)

	close(release)
	require.NoError(t, <-done)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
