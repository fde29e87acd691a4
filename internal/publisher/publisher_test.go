package publisher_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/agora/agoratest"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/publisher"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

const company = int64(1)

type fixture struct {
	srv   *agoratest.Server
	repos catalog.Repos
	svc   *catalog.Service
	conn  *connections.Connection
	pub   *publisher.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := agoratest.New(t)
	srv.SetQuery("last-ids", map[string]int64{"LastProductId": 500, "LastSaleFormatId": 9000})
	repos := catalog.NewMemoryRepos()
	conns := store.NewMemory[connections.Connection](connections.Kind)
	conn := &connections.Connection{
		Name:     "Bar",
		BaseURL:  srv.URL,
		APIToken: agoratest.Token,
		State:    connections.StateConnected,
		Reports:  []connections.ReportConfig{{Type: connections.ReportLastIDs, GUID: "last-ids"}},
	}
	conn.CompanyID = company
	require.NoError(t, conns.Create(context.Background(), conn))
	clients := connections.NewClientFactory(time.Second, 0)
	mapper := idmap.NewMapper(repos, conns, clients, nil)
	return &fixture{
		srv:   srv,
		repos: repos,
		svc:   catalog.NewService(repos, nil, catalog.ImportModeInteractive, nil),
		conn:  conn,
		pub:   publisher.New(repos, mapper, clients, nil, nil),
	}
}

func (f *fixture) product(t *testing.T, name string, parent *int64, link *catalog.ProductSync) *catalog.Product {
	t.Helper()
	p := &catalog.Product{Name: name, ParentID: parent, SaleableAsMain: true}
	p.CompanyID = company
	require.NoError(t, f.svc.CreateProduct(context.Background(), p, link))
	return p
}

func (f *fixture) syncOf(t *testing.T, id int64) *catalog.ProductSync {
	t.Helper()
	link, err := f.svc.SyncOf(context.Background(), id)
	require.NoError(t, err)
	return link
}

func TestNewProductPushStoresAssignedIDs(t *testing.T) {
	f := newFixture(t)
	f.srv.OnImport(func(agora.ImportPayload) (int, any) {
		return http.StatusOK, map[string]any{"Id": 501, "Name": "Espresso", "BaseSaleFormatId": 9001}
	})
	p := f.product(t, "Espresso", nil, nil)

	rep, err := f.pub.PushProducts(context.Background(), f.conn, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{p.ID}, rep.Pushed)

	link := f.syncOf(t, p.ID)
	require.Equal(t, catalog.StatusDone, link.Status)
	require.Equal(t, int64(501), link.ExternalID)
	require.Equal(t, int64(9001), link.BaseFormatID)
	require.True(t, link.EverSynced)

	sent := f.srv.Imports()
	require.Len(t, sent, 1)
	require.Equal(t, int64(501), sent[0].Products[0].ID, "allocated id is sent")
	require.Equal(t, int64(9001), sent[0].Products[0].BaseSaleFormatID)
}

func TestFormatBackfillOnlyFillsZeroIDs(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "Cerveza", nil, &catalog.ProductSync{ExternalID: 10, BaseFormatID: 20, Status: catalog.StatusModified})
	fresh := f.product(t, "Cerveza pinta", &p.ID, nil)
	known := f.product(t, "Cerveza jarra", &p.ID, &catalog.ProductSync{SaleFormatID: 555})

	f.srv.OnImport(func(agora.ImportPayload) (int, any) {
		return http.StatusOK, map[string]any{"Products": []any{map[string]any{
			"Id": 10, "Name": "Cerveza", "BaseSaleFormatId": 20,
			"AdditionalSaleFormats": []any{
				map[string]any{"Id": 777, "Name": "Cerveza pinta"},
				map[string]any{"Id": 888, "Name": "Cerveza jarra"},
			},
		}}}
	})

	_, err := f.pub.PushProducts(context.Background(), f.conn, []int64{p.ID})
	require.NoError(t, err)
	require.Equal(t, int64(777), f.syncOf(t, fresh.ID).SaleFormatID)
	require.Equal(t, int64(555), f.syncOf(t, known.ID).SaleFormatID)
	require.Equal(t, catalog.StatusDone, f.syncOf(t, fresh.ID).Status)
	require.Equal(t, catalog.StatusDone, f.syncOf(t, p.ID).Status)
}

func TestFailedPushLeavesStatusAndStopsBatch(t *testing.T) {
	f := newFixture(t)
	first := f.product(t, "Agua", nil, nil)
	second := f.product(t, "Zumo", nil, &catalog.ProductSync{ExternalID: 40, BaseFormatID: 41, Status: catalog.StatusModified})
	f.srv.Fail("import", http.StatusBadRequest)

	rep, err := f.pub.PushProducts(context.Background(), f.conn, nil)
	require.Error(t, err)
	require.True(t, agora.IsTransport(err))
	require.Equal(t, first.ID, rep.Failed)
	require.Empty(t, rep.Pushed)
	require.Equal(t, 1, f.srv.Calls("import"))

	require.Equal(t, catalog.StatusNew, f.syncOf(t, first.ID).Status)
	require.Zero(t, f.syncOf(t, first.ID).ExternalID)
	require.NotEmpty(t, f.syncOf(t, first.ID).LastError)
	require.Equal(t, catalog.StatusModified, f.syncOf(t, second.ID).Status)
}

func TestPushRequiresCounterRefresh(t *testing.T) {
	f := newFixture(t)
	f.conn.Reports = nil
	f.product(t, "Agua", nil, nil)

	_, err := f.pub.PushProducts(context.Background(), f.conn, nil)
	require.True(t, shared.IsConfiguration(err))
	require.Zero(t, f.srv.Calls("import"))
}

func TestPayloadCarriesReferencesPricesAndAddins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cat := &catalog.Category{ExternalID: 7, Name: "Bebidas"}
	cat.CompanyID = company
	require.NoError(t, f.repos.Categories.Create(ctx, cat))
	pl := &catalog.Pricelist{ExternalID: 1, Name: "General"}
	pl.CompanyID = company
	require.NoError(t, f.repos.Pricelists.Create(ctx, pl))

	lemon := f.product(t, "Limon", nil, &catalog.ProductSync{ExternalID: 101, BaseFormatID: 1010, Status: catalog.StatusDone})
	tonic := &catalog.Product{Name: "Tonica", CategoryID: cat.ID, Addins: []catalog.AddinRole{{Name: "Extras", Max: 1, ProductIDs: []int64{lemon.ID}}}}
	tonic.CompanyID = company
	require.NoError(t, f.svc.CreateProduct(ctx, tonic, nil))
	item := &catalog.PricelistItem{PricelistID: pl.ID, ProductID: tonic.ID, MainPrice: decimal.RequireFromString("3.20"), DateStart: time.Now()}
	item.CompanyID = company
	require.NoError(t, f.repos.PricelistItems.Create(ctx, item))

	_, err := f.pub.PushProducts(ctx, f.conn, []int64{tonic.ID})
	require.NoError(t, err)

	sent := f.srv.Imports()[0].Products[0]
	require.Equal(t, int64(7), sent.FamilyID)
	require.Len(t, sent.Prices, 1)
	require.Equal(t, int64(1), sent.Prices[0].PriceListID)
	require.True(t, sent.Prices[0].MainPrice.Equal(decimal.RequireFromString("3.20")))
	require.Len(t, sent.AddinRoles, 1)
	require.Equal(t, []agora.AddinRef{{ProductID: 101, SaleFormatID: 1010}}, sent.AddinRoles[0].Addins)
}

func TestPushPricelistsTakesEchoedIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pl := &catalog.Pricelist{Name: "Happy hour", SyncStatus: catalog.StatusNew}
	pl.CompanyID = company
	require.NoError(t, f.repos.Pricelists.Create(ctx, pl))
	f.srv.OnImport(func(payload agora.ImportPayload) (int, any) {
		return http.StatusOK, map[string]any{"PriceLists": []any{map[string]any{"Id": 44, "Name": "Happy hour"}}}
	})

	rep, err := f.pub.PushPricelists(ctx, f.conn)
	require.NoError(t, err)
	require.Equal(t, []int64{pl.ID}, rep.Pushed)

	stored, err := f.repos.Pricelists.Get(ctx, pl.ID)
	require.NoError(t, err)
	require.Equal(t, int64(44), stored.ExternalID)
	require.Equal(t, catalog.StatusDone, stored.SyncStatus)
}

func TestPushSaleCentersSendsPricelistAndLocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pl := &catalog.Pricelist{ExternalID: 1, Name: "General", SyncStatus: catalog.StatusDone}
	pl.CompanyID = company
	require.NoError(t, f.repos.Pricelists.Create(ctx, pl))
	sc := &catalog.SaleCenter{ExternalID: 3, Name: "Terraza", PricelistID: pl.ID, SyncStatus: catalog.StatusModified}
	sc.CompanyID = company
	require.NoError(t, f.repos.SaleCenters.Create(ctx, sc))
	loc := &catalog.SaleLocation{SaleCenterID: sc.ID, Name: "Mesa 1"}
	loc.CompanyID = company
	require.NoError(t, f.repos.SaleLocations.Create(ctx, loc))

	_, err := f.pub.PushSaleCenters(ctx, f.conn)
	require.NoError(t, err)

	sent := f.srv.Imports()[0].SaleCenters
	require.Len(t, sent, 1)
	require.Equal(t, int64(1), sent[0].PriceListID)
	require.Equal(t, "Mesa 1", sent[0].SaleLocations[0].Name)

	stored, err := f.repos.SaleCenters.Get(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusDone, stored.SyncStatus)
}
