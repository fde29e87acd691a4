package sales_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/sales"
)

const company = int64(1)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newOrder(customerID int64) *sales.SaleOrder {
	o := &sales.SaleOrder{Name: "T1-10", CustomerID: customerID}
	o.CompanyID = company
	return o
}

func TestCreateOrderComputesTotalAndRejectsDuplicateTicket(t *testing.T) {
	ctx := context.Background()
	svc := sales.NewService(sales.NewMemoryRepos(), nil, nil)

	lines := []*sales.OrderLine{
		{Index: 1, ProductID: 5, Quantity: dec("2"), PriceUnit: dec("1.50"), Discount: dec("10")},
		{Index: 2, ProductID: 6, Quantity: dec("2"), PriceUnit: dec("0"), IsAddin: true, ParentLine: 1},
		{Index: 3, ProductID: 7, Quantity: dec("1"), PriceUnit: dec("-0.70")},
	}
	order := newOrder(3)
	require.NoError(t, svc.CreateOrder(ctx, order, lines, &sales.OrderTicket{Serie: "T1", Number: 10}))
	require.Equal(t, sales.OrderDraft, order.State)
	require.True(t, order.AmountTotal.Equal(dec("2.00")), order.AmountTotal.String())

	stored, err := svc.Lines(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	require.Equal(t, 1, stored[0].Index)

	err = svc.CreateOrder(ctx, newOrder(3), nil, &sales.OrderTicket{Serie: "T1", Number: 10})
	require.ErrorIs(t, err, sales.ErrDuplicateTicket)

	ticket, err := svc.TicketByRef(ctx, company, "T1", 10)
	require.NoError(t, err)
	require.Equal(t, order.ID, ticket.OrderID)
}

func TestOrderTransitions(t *testing.T) {
	ctx := context.Background()
	svc := sales.NewService(sales.NewMemoryRepos(), nil, nil)
	order := newOrder(3)
	require.NoError(t, svc.CreateOrder(ctx, order, nil, nil))

	confirmed, err := svc.Confirm(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, sales.OrderSale, confirmed.State)
	_, err = svc.Confirm(ctx, order.ID)
	require.NoError(t, err, "confirming twice is a no-op")

	require.NoError(t, svc.Close(ctx, order.ID))
	require.ErrorIs(t, svc.Cancel(ctx, order.ID), sales.ErrInvalidState)
}

func TestMatchCustomer(t *testing.T) {
	ctx := context.Background()
	svc := sales.NewService(sales.NewMemoryRepos(), nil, nil)

	byFiscal, err := svc.MatchCustomer(ctx, company, sales.CustomerRef{FiscalID: " b123 ", Name: "Bar Pepe"})
	require.NoError(t, err)
	require.Equal(t, "B123", byFiscal.FiscalID)

	again, err := svc.MatchCustomer(ctx, company, sales.CustomerRef{ExternalID: 77, FiscalID: "B123"})
	require.NoError(t, err)
	require.Equal(t, byFiscal.ID, again.ID)

	byExternal, err := svc.MatchCustomer(ctx, company, sales.CustomerRef{ExternalID: 77})
	require.NoError(t, err)
	require.Equal(t, byFiscal.ID, byExternal.ID)

	other, err := svc.MatchCustomer(ctx, 2, sales.CustomerRef{ExternalID: 77, Name: "Otra"})
	require.NoError(t, err)
	require.NotEqual(t, byFiscal.ID, other.ID, "customers are company scoped")

	generic, err := svc.GenericCustomer(ctx, company)
	require.NoError(t, err)
	same, err := svc.GenericCustomer(ctx, company)
	require.NoError(t, err)
	require.Equal(t, generic.ID, same.ID)
	require.True(t, generic.Generic)
}

func TestProductInUse(t *testing.T) {
	ctx := context.Background()
	svc := sales.NewService(sales.NewMemoryRepos(), nil, nil)
	require.NoError(t, svc.CreateOrder(ctx, newOrder(3), []*sales.OrderLine{{Index: 1, ProductID: 9, Quantity: dec("1"), PriceUnit: dec("1")}}, nil))

	reason, used, err := svc.ProductInUse(ctx, company, 9)
	require.NoError(t, err)
	require.True(t, used)
	require.NotEmpty(t, reason)

	_, used, err = svc.ProductInUse(ctx, company, 10)
	require.NoError(t, err)
	require.False(t, used)
}
