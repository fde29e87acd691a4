// Package publisher pushes locally edited catalog records to the POS.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/observability"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

const metricsOperation = "products_push"

// Report lists what a push run did. Failed is set when the run stopped on
// a record.
type Report struct {
	RunID  string  `json:"run_id"`
	Pushed []int64 `json:"pushed"`
	Failed int64   `json:"failed,omitempty"`
}

// Publisher builds POS payloads from the catalog and posts them.
type Publisher struct {
	repos   catalog.Repos
	mapper  *idmap.Mapper
	clients connections.ClientFactory
	tx      store.Transactor
	metrics *observability.SyncMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a Publisher.
func New(repos catalog.Repos, mapper *idmap.Mapper, clients connections.ClientFactory, tx store.Transactor, logger *slog.Logger) *Publisher {
	if tx == nil {
		tx = store.NoTx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		repos:   repos,
		mapper:  mapper,
		clients: clients,
		tx:      tx,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics records push counters on m.
func (p *Publisher) WithMetrics(m *observability.SyncMetrics) *Publisher {
	p.metrics = m
	return p
}

// WithNow overrides the clock.
func (p *Publisher) WithNow(now func() time.Time) *Publisher {
	if now != nil {
		p.now = now
	}
	return p
}

// PushProducts publishes products one by one. With nil ids every product
// waiting for a push is selected. The counters are refreshed from the POS
// first; the run stops at the first product that fails, leaving its sync
// status untouched.
func (p *Publisher) PushProducts(ctx context.Context, conn *connections.Connection, productIDs []int64) (Report, error) {
	rep := Report{RunID: uuid.NewString()}
	if err := p.mapper.RefreshCounters(ctx, conn); err != nil {
		return rep, fmt.Errorf("push products: %w", err)
	}
	client, err := p.clients(conn)
	if err != nil {
		return rep, fmt.Errorf("push products: %w", err)
	}
	if productIDs == nil {
		productIDs, err = p.pendingProducts(ctx, conn.CompanyID)
		if err != nil {
			return rep, fmt.Errorf("push products: %w", err)
		}
	}
	logger := p.logger.With(slog.String("run_id", rep.RunID), slog.Int64("connection_id", conn.ID))
	for _, id := range productIDs {
		if err := p.pushProduct(ctx, conn, client, id); err != nil {
			rep.Failed = id
			p.metrics.Failure(metricsOperation, "product")
			p.noteFailure(ctx, id, err)
			logger.Error("product push failed", slog.Int64("product_id", id), slog.Any("error", err))
			return rep, fmt.Errorf("push product %d: %w", id, err)
		}
		rep.Pushed = append(rep.Pushed, id)
	}
	p.metrics.Record(metricsOperation, "product", "pushed", len(rep.Pushed))
	logger.Info("products pushed", slog.Int("count", len(rep.Pushed)))
	return rep, nil
}

// pendingProducts returns base products in new or modified status. A
// pending format queues its parent.
func (p *Publisher) pendingProducts(ctx context.Context, companyID int64) ([]int64, error) {
	links, err := p.repos.ProductSync.Find(ctx, store.Where().
		Company(companyID).
		In("sync_status", string(catalog.StatusNew), string(catalog.StatusModified)).
		OrderBy("product_id", false, false))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, link := range links {
		product, err := p.repos.Products.Get(ctx, link.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.Active {
			continue
		}
		id := product.ID
		if product.IsFormat() {
			id = *product.ParentID
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// noteFailure keeps the last error on the sync record. Status is left as is.
func (p *Publisher) noteFailure(ctx context.Context, productID int64, cause error) {
	link, err := p.syncOf(ctx, productID)
	if err != nil {
		return
	}
	link.LastError = cause.Error()
	if err := p.repos.ProductSync.Update(ctx, link); err != nil {
		p.logger.Warn("record push failure", slog.Int64("product_id", productID), slog.Any("error", err))
	}
}

type formatPush struct {
	product   *catalog.Product
	link      *catalog.ProductSync
	allocated int64
}

func (p *Publisher) pushProduct(ctx context.Context, conn *connections.Connection, client *agora.Client, id int64) error {
	product, err := p.repos.Products.Get(ctx, id)
	if err != nil {
		return err
	}
	if product.CompanyID != conn.CompanyID {
		return fmt.Errorf("product %d: %w", id, store.ErrNotFound)
	}
	if product.IsFormat() {
		return &shared.IntegrityError{Entity: "product", ID: id, Reason: "formats are pushed with their parent"}
	}
	link, err := p.syncOf(ctx, id)
	if err != nil {
		return err
	}

	externalID, baseFormatID := link.ExternalID, link.BaseFormatID
	if externalID == 0 {
		if externalID, err = p.mapper.AllocateNew(ctx, conn, idmap.CounterProduct); err != nil {
			return err
		}
	}
	if baseFormatID == 0 {
		if baseFormatID, err = p.mapper.AllocateNew(ctx, conn, idmap.CounterFormat); err != nil {
			return err
		}
	}

	payload, err := p.productPayload(ctx, product, externalID, baseFormatID)
	if err != nil {
		return err
	}
	formats, err := p.repos.Products.Find(ctx, store.Where().
		Company(conn.CompanyID).
		Eq("parent_id", product.ID).
		OrderBy("id", false, false))
	if err != nil {
		return err
	}
	pushes := make([]formatPush, 0, len(formats))
	for _, f := range formats {
		fl, err := p.syncOf(ctx, f.ID)
		if err != nil {
			return err
		}
		sf := fl.SaleFormatID
		if sf == 0 {
			if sf, err = p.mapper.AllocateNew(ctx, conn, idmap.CounterFormat); err != nil {
				return err
			}
		}
		prices, err := p.prices(ctx, f.ID)
		if err != nil {
			return err
		}
		payload.AdditionalSaleFormats = append(payload.AdditionalSaleFormats, agora.SaleFormat{
			ID:     sf,
			Name:   f.Name,
			Ratio:  f.Ratio,
			Prices: prices,
		})
		pushes = append(pushes, formatPush{product: f, link: fl, allocated: sf})
	}

	body, err := client.Import(ctx, agora.ImportPayload{Products: []agora.Product{payload}})
	if err != nil {
		return err
	}
	echo := p.decodeProduct(body, payload.Name)

	now := p.now()
	return p.tx.WithTx(ctx, func(ctx context.Context) error {
		if link.ExternalID == 0 {
			link.ExternalID = firstNonZero(echo.ID, externalID)
		}
		if link.BaseFormatID == 0 {
			link.BaseFormatID = firstNonZero(echo.BaseSaleFormatID, baseFormatID)
		}
		if err := p.markDone(ctx, conn, link, now); err != nil {
			return err
		}
		for _, fp := range pushes {
			if fp.link.SaleFormatID == 0 {
				fp.link.SaleFormatID = firstNonZero(echoFormatID(echo, fp.product.Name), fp.allocated)
			}
			if err := p.markDone(ctx, conn, fp.link, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Publisher) markDone(ctx context.Context, conn *connections.Connection, link *catalog.ProductSync, now time.Time) error {
	link.Status = catalog.StatusDone
	link.EverSynced = true
	link.LastSyncedAt = &now
	link.LastError = ""
	link.ConnectionID = conn.ID
	return p.repos.ProductSync.Update(ctx, link)
}

// productPayload renders the wire form of a base product without formats.
func (p *Publisher) productPayload(ctx context.Context, product *catalog.Product, externalID, baseFormatID int64) (agora.Product, error) {
	out := agora.Product{
		ID:                     externalID,
		Name:                   product.Name,
		Color:                  product.Color,
		ButtonText:             product.ButtonText,
		CostPrice:              product.CostPrice,
		BaseSaleFormatID:       baseFormatID,
		SaleableAsMain:         product.SaleableAsMain,
		SaleableAsAddin:        product.SaleableAsAddin,
		SoldByWeight:           product.SoldByWeight,
		AskForPreparationNotes: product.AskPreparationNote,
		AskForAddins:           product.AskForAddins,
		PrintWhenPriceIsZero:   product.PrintZero,
	}
	var err error
	if out.FamilyID, err = externalOf(ctx, p.repos.Categories, product.CategoryID, func(c *catalog.Category) int64 { return c.ExternalID }); err != nil {
		return out, err
	}
	if out.VatID, err = externalOf(ctx, p.repos.Taxes, product.TaxID, func(t *catalog.TaxMapping) int64 { return t.ExternalID }); err != nil {
		return out, err
	}
	if out.PreparationTypeID, err = externalOf(ctx, p.repos.PreparationTypes, product.PreparationTypeID, func(t *catalog.PreparationType) int64 { return t.ExternalID }); err != nil {
		return out, err
	}
	if out.PreparationOrderID, err = externalOf(ctx, p.repos.PreparationOrders, product.PreparationOrderID, func(o *catalog.PreparationOrder) int64 { return o.ExternalID }); err != nil {
		return out, err
	}
	if out.Prices, err = p.prices(ctx, product.ID); err != nil {
		return out, err
	}
	for _, role := range product.Addins {
		wire := agora.AddinRole{Name: role.Name, MinAddins: role.Min, MaxAddins: role.Max}
		for _, addinID := range role.ProductIDs {
			ref, ok, err := p.addinRef(ctx, addinID)
			if err != nil {
				return out, err
			}
			if !ok {
				p.logger.Warn("add-in has no POS ids", slog.Int64("product_id", product.ID), slog.Int64("addin_id", addinID))
				continue
			}
			wire.Addins = append(wire.Addins, ref)
		}
		out.AddinRoles = append(out.AddinRoles, wire)
	}
	return out, nil
}

// prices renders the open pricelist items of a product. Items on
// pricelists unknown to the POS are left out.
func (p *Publisher) prices(ctx context.Context, productID int64) ([]agora.Price, error) {
	items, err := p.repos.PricelistItems.Find(ctx, store.Where().
		Eq("product_id", productID).
		IsNull("date_end").
		OrderBy("pricelist_id", false, false))
	if err != nil {
		return nil, err
	}
	var out []agora.Price
	for _, item := range items {
		ext, err := externalOf(ctx, p.repos.Pricelists, item.PricelistID, func(pl *catalog.Pricelist) int64 { return pl.ExternalID })
		if err != nil {
			return nil, err
		}
		if ext == 0 {
			continue
		}
		out = append(out, agora.Price{
			PriceListID:   ext,
			MainPrice:     item.MainPrice,
			AddinPrice:    item.AddinPrice,
			MenuItemPrice: item.MenuItemPrice,
		})
	}
	return out, nil
}

func (p *Publisher) addinRef(ctx context.Context, productID int64) (agora.AddinRef, bool, error) {
	link, err := p.syncOf(ctx, productID)
	if errors.Is(err, shared.ErrNotFound) {
		return agora.AddinRef{}, false, nil
	}
	if err != nil {
		return agora.AddinRef{}, false, err
	}
	if link.SaleFormatID != 0 {
		return agora.AddinRef{SaleFormatID: link.SaleFormatID}, true, nil
	}
	if link.BaseFormatID == 0 {
		return agora.AddinRef{}, false, nil
	}
	return agora.AddinRef{ProductID: link.ExternalID, SaleFormatID: link.BaseFormatID}, true, nil
}

func (p *Publisher) syncOf(ctx context.Context, productID int64) (*catalog.ProductSync, error) {
	link, err := p.repos.ProductSync.First(ctx, store.Where().Eq("product_id", productID).WithArchived(store.IncludeArchived))
	if err != nil {
		return nil, fmt.Errorf("product %d sync: %w", productID, err)
	}
	return link, nil
}

// decodeProduct reads the POS answer, either {"Products":[...]} or a bare
// product. An unreadable answer yields the zero product.
func (p *Publisher) decodeProduct(body []byte, name string) agora.Product {
	var wrapped struct {
		Products []agora.Product `json:"Products"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Products) > 0 {
		for _, prod := range wrapped.Products {
			if prod.Name == name {
				return prod
			}
		}
		return wrapped.Products[0]
	}
	var single agora.Product
	if err := json.Unmarshal(body, &single); err != nil {
		p.logger.Warn("unreadable import response", slog.Any("error", err))
		return agora.Product{}
	}
	return single
}

func echoFormatID(echo agora.Product, name string) int64 {
	for _, sf := range echo.AdditionalSaleFormats {
		if sf.Name == name {
			return sf.ID
		}
	}
	return 0
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// externalOf loads a referenced record and returns its POS id. A zero id
// or a missing record yields zero.
func externalOf[T any](ctx context.Context, repo store.Repository[T], id int64, ext func(*T) int64) (int64, error) {
	if id == 0 {
		return 0, nil
	}
	rec, err := repo.Get(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ext(rec), nil
}
