package delivery_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/delivery"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

const company = int64(1)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { c.t = c.t.Add(time.Minute); return c.t }

func setup(t *testing.T) (*delivery.Service, delivery.Repos) {
	t.Helper()
	repos := delivery.NewMemoryRepos()
	clk := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	return delivery.NewService(repos, nil, nil).WithNow(clk.now), repos
}

func onHand(t *testing.T, repos delivery.Repos, productID int64) *delivery.StockLevel {
	t.Helper()
	levels, err := repos.Levels.Find(context.Background(), store.Where().Company(company).Eq("product_id", productID))
	require.NoError(t, err)
	require.Len(t, levels, 1)
	return levels[0]
}

func TestFulfilWithStockCompletes(t *testing.T) {
	ctx := context.Background()
	svc, repos := setup(t)
	require.NoError(t, svc.Receive(ctx, company, 5, dec("10")))

	d, err := svc.Create(ctx, company, 1, "T1-1", []delivery.Move{
		{ProductID: 5, Quantity: dec("2")},
		{ProductID: 5, Quantity: dec("1")},
		{ProductID: 6, Quantity: dec("4")},
		{ProductID: 7, Quantity: dec("0")},
	})
	require.NoError(t, err)
	require.Len(t, d.Moves, 2)

	done, err := svc.Fulfil(ctx, d)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, delivery.StateDone, d.State)

	level := onHand(t, repos, 5)
	require.True(t, level.OnHand.Equal(dec("7")))
	require.True(t, level.Reserved.IsZero())
}

func TestShortStockStaysPendingUntilSweep(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)
	require.NoError(t, svc.Receive(ctx, company, 5, dec("1")))

	d, err := svc.Create(ctx, company, 1, "T1-2", []delivery.Move{{ProductID: 5, Quantity: dec("3")}})
	require.NoError(t, err)
	done, err := svc.Fulfil(ctx, d)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, delivery.StateConfirmed, d.State)
	require.Equal(t, 1, d.Attempts)
	require.NotNil(t, d.LastAttemptAt)

	done, err = svc.Fulfil(ctx, d)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 2, d.Attempts)

	require.NoError(t, svc.Receive(ctx, company, 5, dec("5")))
	pending, err := svc.Pending(ctx, company, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	done, err = svc.Fulfil(ctx, pending[0])
	require.NoError(t, err)
	require.True(t, done)

	pending, err = svc.Pending(ctx, company, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPendingOrdersNeverAttemptedFirst(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)
	require.NoError(t, svc.Receive(ctx, company, 5, dec("0")))

	older, err := svc.Create(ctx, company, 1, "A", []delivery.Move{{ProductID: 5, Quantity: dec("1")}})
	require.NoError(t, err)
	_, err = svc.Fulfil(ctx, older)
	require.NoError(t, err)
	newer, err := svc.Create(ctx, company, 2, "B", []delivery.Move{{ProductID: 5, Quantity: dec("1")}})
	require.NoError(t, err)

	pending, err := svc.Pending(ctx, company, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, newer.ID, pending[0].ID)
	require.Equal(t, older.ID, pending[1].ID)
}

func TestCancelReleasesOrReturns(t *testing.T) {
	ctx := context.Background()
	svc, repos := setup(t)
	require.NoError(t, svc.Receive(ctx, company, 5, dec("10")))

	d, err := svc.Create(ctx, company, 1, "T1-3", []delivery.Move{{ProductID: 5, Quantity: dec("4")}})
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, d))
	ok, err := svc.Assign(ctx, d)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, onHand(t, repos, 5).Reserved.Equal(dec("4")))

	state, err := svc.Cancel(ctx, d)
	require.NoError(t, err)
	require.Equal(t, delivery.StateCancel, state)
	require.True(t, onHand(t, repos, 5).Reserved.IsZero())

	done, err := svc.Create(ctx, company, 2, "T1-4", []delivery.Move{{ProductID: 5, Quantity: dec("4")}})
	require.NoError(t, err)
	_, err = svc.Fulfil(ctx, done)
	require.NoError(t, err)
	require.True(t, onHand(t, repos, 5).OnHand.Equal(dec("6")))

	state, err = svc.Cancel(ctx, done)
	require.NoError(t, err)
	require.Equal(t, delivery.StateReturned, state)
	require.True(t, onHand(t, repos, 5).OnHand.Equal(dec("10")))
}

func TestWriteOffIsIdempotentByLoss(t *testing.T) {
	ctx := context.Background()
	svc, repos := setup(t)
	require.NoError(t, svc.Receive(ctx, company, 5, dec("10")))

	scrap := delivery.Scrap{LossID: 900, ProductID: 5, Quantity: dec("2"), BusinessDay: "2024-05-01"}
	scrap.CompanyID = company
	_, created, err := svc.WriteOff(ctx, scrap)
	require.NoError(t, err)
	require.True(t, created)
	_, created, err = svc.WriteOff(ctx, scrap)
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, onHand(t, repos, 5).OnHand.Equal(dec("8")))
}
