package connections_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/agora/agoratest"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

func newService(t *testing.T) (*connections.Service, *agoratest.Server) {
	t.Helper()
	srv := agoratest.New(t)
	repo := store.NewMemory[connections.Connection](connections.Kind)
	svc := connections.NewService(repo, connections.NewClientFactory(time.Second, 0), nil)
	svc.WithNow(func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) })
	return svc, srv
}

func newConnection(srv *agoratest.Server, company int64, name string) *connections.Connection {
	conn := &connections.Connection{Name: name, BaseURL: srv.URL, APIToken: agoratest.Token}
	conn.CompanyID = company
	return conn
}

func TestSaveAppliesDefaultsAndValidates(t *testing.T) {
	svc, srv := newService(t)
	ctx := context.Background()

	conn := newConnection(srv, 1, "Main bar")
	require.NoError(t, svc.Save(ctx, conn))
	require.Equal(t, connections.StateDisconnected, conn.State)
	require.Equal(t, connections.FlowQuotation, conn.SaleFlow)
	require.True(t, conn.PreservesPriceHistory())

	bad := newConnection(srv, 1, "")
	bad.BaseURL = "nope"
	require.ErrorIs(t, svc.Save(ctx, bad), shared.ErrValidation)
}

func TestConnectTransitionProbesFirst(t *testing.T) {
	svc, srv := newService(t)
	ctx := context.Background()

	conn := newConnection(srv, 1, "Main bar")
	require.NoError(t, svc.Save(ctx, conn))

	srv.Fail(string(agora.FilterSeries), http.StatusServiceUnavailable)
	conn.State = connections.StateConnected
	err := svc.Save(ctx, conn)
	require.True(t, agora.IsTransport(err))

	stored, err := svc.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, connections.StateDisconnected, stored.State)

	srv.Fail(string(agora.FilterSeries), 0)
	require.NoError(t, svc.Save(ctx, conn))
	require.NotNil(t, conn.LastConnection)
	require.Equal(t, 2, srv.Calls(string(agora.FilterSeries)))
}

func TestCredentialChangeOnConnectedReprobes(t *testing.T) {
	svc, srv := newService(t)
	ctx := context.Background()

	conn := newConnection(srv, 1, "Bar")
	conn.State = connections.StateConnected
	require.NoError(t, svc.Save(ctx, conn))
	require.Equal(t, 1, srv.Calls(string(agora.FilterSeries)))

	conn.SaleFlow = connections.FlowPayment
	require.NoError(t, svc.Save(ctx, conn))
	require.Equal(t, 1, srv.Calls(string(agora.FilterSeries)))

	conn.APIToken = "rotated-but-wrong"
	err := svc.Save(ctx, conn)
	require.True(t, agora.IsTransport(err))
	stored, err := svc.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, agoratest.Token, stored.APIToken)

	moved := agoratest.New(t)
	conn.APIToken = agoratest.Token
	conn.BaseURL = moved.URL
	require.NoError(t, svc.Save(ctx, conn))
	require.Equal(t, 1, moved.Calls(string(agora.FilterSeries)))
}

func TestMarkDisconnectedKeepsCounters(t *testing.T) {
	svc, srv := newService(t)
	ctx := context.Background()

	conn := newConnection(srv, 1, "Bar")
	conn.State = connections.StateConnected
	require.NoError(t, svc.Save(ctx, conn))

	stale := *conn
	last := int64(77)
	conn.LastProductID = &last
	require.NoError(t, svc.Save(ctx, conn))

	require.NoError(t, svc.MarkDisconnected(ctx, stale.ID, errors.New("dial tcp: connection refused")))
	stored, err := svc.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, connections.StateDisconnected, stored.State)
	require.Equal(t, "dial tcp: connection refused", stored.StatusMessage)
	require.NotNil(t, stored.LastProductID)
	require.Equal(t, int64(77), *stored.LastProductID)

	require.NoError(t, svc.MarkDisconnected(ctx, conn.ID, nil))
	active, err := svc.ActiveConnections(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestSingleConnectedPerCompany(t *testing.T) {
	svc, srv := newService(t)
	ctx := context.Background()

	first := newConnection(srv, 1, "Bar")
	first.State = connections.StateConnected
	require.NoError(t, svc.Save(ctx, first))

	second := newConnection(srv, 1, "Terrace")
	second.State = connections.StateConnected
	err := svc.Save(ctx, second)
	require.True(t, shared.IsDuplicate(err))

	other := newConnection(srv, 2, "Other company")
	other.State = connections.StateConnected
	require.NoError(t, svc.Save(ctx, other))

	active, err := svc.ActiveConnections(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestTestConnectionRecordsOutcome(t *testing.T) {
	svc, srv := newService(t)
	ctx := context.Background()

	conn := newConnection(srv, 1, "Bar")
	require.NoError(t, svc.Save(ctx, conn))

	got, err := svc.TestConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.True(t, got.Connected())

	srv.Fail(string(agora.FilterSeries), http.StatusUnauthorized)
	got, err = svc.TestConnection(ctx, conn.ID)
	require.Error(t, err)
	require.Equal(t, connections.StateDisconnected, got.State)
	require.Contains(t, got.StatusMessage, "401")

	got, err = svc.Disconnect(ctx, conn.ID)
	require.NoError(t, err)
	require.False(t, got.Connected())
}

func TestSaleFlowOrdering(t *testing.T) {
	require.True(t, connections.FlowPayment.Reaches(connections.FlowInvoice))
	require.True(t, connections.FlowPicking.Reaches(connections.FlowPicking))
	require.False(t, connections.FlowConfirmed.Reaches(connections.FlowDraftInvoice))
}
