package idmap_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/agora/agoratest"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/platform/cache"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

type fixture struct {
	repos  catalog.Repos
	conns  *store.Memory[connections.Connection, *connections.Connection]
	conn   *connections.Connection
	mapper *idmap.Mapper
	srv    *agoratest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := agoratest.New(t)
	repos := catalog.NewMemoryRepos()
	conns := store.NewMemory[connections.Connection](connections.Kind)
	conn := &connections.Connection{
		Name:     "Bar",
		BaseURL:  srv.URL,
		APIToken: agoratest.Token,
		State:    connections.StateConnected,
		Reports:  []connections.ReportConfig{{Type: connections.ReportLastIDs, GUID: "last-ids"}},
	}
	conn.CompanyID = 1
	require.NoError(t, conns.Create(context.Background(), conn))
	mapper := idmap.NewMapper(repos, conns, connections.NewClientFactory(time.Second, 0), nil)
	return &fixture{repos: repos, conns: conns, conn: conn, mapper: mapper, srv: srv}
}

func TestAllocateWithoutCounterIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	_, err := f.mapper.AllocateNew(context.Background(), f.conn, idmap.CounterProduct)
	require.True(t, shared.IsConfiguration(err))
}

func TestRefreshThenAllocate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.SetQuery("last-ids", map[string]int64{"LastProductId": 500, "LastSaleFormatId": 9000})

	require.NoError(t, f.mapper.RefreshCounters(ctx, f.conn))
	require.Equal(t, int64(500), *f.conn.LastProductID)

	id, err := f.mapper.AllocateNew(ctx, f.conn, idmap.CounterProduct)
	require.NoError(t, err)
	require.Equal(t, int64(501), id)
	id, err = f.mapper.AllocateNew(ctx, f.conn, idmap.CounterFormat)
	require.NoError(t, err)
	require.Equal(t, int64(9001), id)

	stored, err := f.conns.Get(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(501), *stored.LastProductID)
	require.Equal(t, int64(9001), *stored.LastFormatID)
}

func TestRefreshRequiresReport(t *testing.T) {
	f := newFixture(t)
	f.conn.Reports = nil
	err := f.mapper.RefreshCounters(context.Background(), f.conn)
	require.True(t, shared.IsConfiguration(err))
}

func TestConcurrentAllocationYieldsDistinctIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := int64(100)
	f.conn.LastProductID = &start
	require.NoError(t, f.conns.Update(ctx, f.conn))

	const n = 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = make(map[int64]struct{})
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := *f.conn
			id, err := f.mapper.AllocateNew(ctx, &conn, idmap.CounterProduct)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[id] = struct{}{}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, ids, n)

	stored, err := f.conns.Get(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Equal(t, start+n, *stored.LastProductID)
}

func TestCacheHighWaterMarkAcrossMappers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	counters := cache.NewCounters(rdb, "test:counters:", time.Hour)
	f.mapper.WithCache(counters)

	start := int64(10)
	f.conn.LastProductID = &start
	require.NoError(t, f.conns.Update(ctx, f.conn))
	require.NoError(t, counters.Set(ctx, "1:last_product_id", 40))

	id, err := f.mapper.AllocateNew(ctx, f.conn, idmap.CounterProduct)
	require.NoError(t, err)
	require.Equal(t, int64(41), id)
}

func TestResolveIsCompanyScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cat := &catalog.Category{ExternalID: 7, Name: "Drinks"}
	cat.CompanyID = 1
	require.NoError(t, f.repos.Categories.Create(ctx, cat))

	id, ok, err := f.mapper.Resolve(ctx, 1, idmap.KindCategory, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cat.ID, id)

	_, ok, err = f.mapper.Resolve(ctx, 2, idmap.KindCategory, 7)
	require.NoError(t, err)
	require.False(t, ok)

	link := &catalog.ProductSync{ProductID: 33, SaleFormatID: 900, BaseFormatID: 800}
	link.CompanyID = 1
	require.NoError(t, f.repos.ProductSync.Create(ctx, link))

	id, ok, err = f.mapper.ResolveLine(ctx, 1, 0, 800)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(33), id)

	_, ok, err = f.mapper.ResolveLine(ctx, 1, 901, 0)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = f.mapper.Resolve(ctx, 1, idmap.Kind("bogus"), 1)
	require.ErrorIs(t, err, idmap.ErrUnknownKind)
}
