package agora_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/agora/agoratest"
)

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := agora.NewClient(agora.Config{BaseURL: "not a url", Token: "x"})
	require.ErrorIs(t, err, agora.ErrInvalidConfig)

	_, err = agora.NewClient(agora.Config{BaseURL: "http://pos.local/api", Token: " "})
	require.ErrorIs(t, err, agora.ErrInvalidConfig)
}

func TestExportMasterDecodesCollection(t *testing.T) {
	srv := agoratest.New(t)
	srv.SetMaster(agora.FilterFamilies, []agora.Family{{ID: 3, Name: "Drinks"}})

	var families []agora.Family
	err := srv.Client(t).ExportMaster(context.Background(), agora.FilterFamilies, &families)
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, int64(3), families[0].ID)
	require.False(t, families[0].Deleted())
}

func TestExportMasterNon2xxIsTransportError(t *testing.T) {
	srv := agoratest.New(t)
	srv.Fail(string(agora.FilterProducts), http.StatusInternalServerError)

	var products []agora.Product
	err := srv.Client(t).ExportMaster(context.Background(), agora.FilterProducts, &products)
	var transportErr *agora.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	require.Contains(t, transportErr.Body, "forced failure")
}

func TestExportInvoicesSendsBusinessDay(t *testing.T) {
	srv := agoratest.New(t)
	srv.SetInvoices("2024-03-01", agora.Invoice{Serie: "T", Number: 7, DocumentType: agora.DocBasicInvoice})

	invoices, err := srv.Client(t).ExportInvoices(context.Background(), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, agora.KindInvoice, invoices[0].Kind())
	require.Equal(t, "T-7", invoices[0].Ref())
}

func TestImportRequiresExactly200(t *testing.T) {
	srv := agoratest.New(t)
	srv.OnImport(func(agora.ImportPayload) (int, any) {
		return http.StatusCreated, map[string]string{"status": "queued"}
	})

	_, err := srv.Client(t).Import(context.Background(), agora.ImportPayload{Products: []agora.Product{{ID: 1}}})
	var transportErr *agora.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusCreated, transportErr.StatusCode)
	require.Len(t, srv.Imports(), 1)
}

func TestCustomQueryFirstRow(t *testing.T) {
	srv := agoratest.New(t)
	srv.SetQuery("guid-1", map[string]int{"LastProductId": 40}, map[string]int{"LastProductId": 99})

	rows, err := srv.Client(t).CustomQuery(context.Background(), "guid-1", nil)
	require.NoError(t, err)
	var row struct {
		LastProductID int64 `json:"LastProductId"`
	}
	require.NoError(t, agora.FirstRow(rows, &row))
	require.Equal(t, int64(40), row.LastProductID)

	require.Error(t, agora.FirstRow([]json.RawMessage{}, &row))
}

func TestTimeoutIsReported(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()

	client, err := agora.NewClient(agora.Config{BaseURL: slow.URL, Token: "t", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	err = client.Probe(context.Background())
	var transportErr *agora.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.True(t, transportErr.Timeout())
}

func TestInvoiceHelpers(t *testing.T) {
	inv := agora.Invoice{
		DocumentType: agora.DocStandardRefund,
		BusinessDay:  "2024-03-01",
		Date:         "2024-03-01T21:15:00",
		Payments: []agora.Payment{
			{MethodName: "Card", Amount: decimal.NewFromInt(10), Tip: decimal.RequireFromString("1.5")},
			{MethodName: "Cash", Amount: decimal.NewFromInt(5)},
		},
		InvoiceItems: []agora.InvoiceItem{{}, {SaleCenterID: 4}},
	}
	require.Equal(t, agora.KindRefund, inv.Kind())
	require.False(t, inv.Simplified())
	require.True(t, inv.TipTotal().Equal(decimal.RequireFromString("1.5")))
	require.Equal(t, int64(4), inv.SaleCenterID())
	at, err := inv.TicketTime()
	require.NoError(t, err)
	require.Equal(t, 21, at.Hour())
}
