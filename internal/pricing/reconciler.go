// Package pricing merges POS price entries into dated pricelist items.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// Resolver maps POS identifiers onto local ids.
type Resolver interface {
	Resolve(ctx context.Context, companyID int64, kind idmap.Kind, externalID int64) (int64, bool, error)
}

// Result counts what a reconciliation did.
type Result struct {
	Created   int
	Closed    int
	Updated   int
	Unchanged int
	Skipped   int
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Created += other.Created
	r.Closed += other.Closed
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Skipped += other.Skipped
}

// Reconciler keeps exactly one open pricelist item per product and pricelist.
type Reconciler struct {
	items    store.Repository[catalog.PricelistItem]
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(items store.Repository[catalog.PricelistItem], resolver Resolver, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{items: items, resolver: resolver, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock.
func (r *Reconciler) WithNow(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// Reconcile applies entries to the product's pricelist items. With
// preserveHistory a changed price closes the open item and opens a new one;
// otherwise the open item is overwritten.
func (r *Reconciler) Reconcile(ctx context.Context, companyID, productID int64, entries []agora.Price, preserveHistory bool) (Result, error) {
	var res Result
	for _, entry := range entries {
		pricelistID, ok, err := r.resolver.Resolve(ctx, companyID, idmap.KindPricelist, entry.PriceListID)
		if err != nil {
			return res, err
		}
		if !ok {
			r.logger.Debug("price skipped: unknown pricelist",
				slog.Int64("product_id", productID),
				slog.Int64("price_list_ref", entry.PriceListID))
			res.Skipped++
			continue
		}
		step, err := r.apply(ctx, companyID, productID, pricelistID, entry, preserveHistory)
		if err != nil {
			return res, fmt.Errorf("product %d pricelist %d: %w", productID, pricelistID, err)
		}
		res.Add(step)
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, companyID, productID, pricelistID int64, entry agora.Price, preserveHistory bool) (Result, error) {
	var res Result
	now := r.now()
	open, err := r.items.Find(ctx, store.Where().
		Company(companyID).
		Eq("product_id", productID).
		Eq("pricelist_id", pricelistID).
		IsNull("date_end").
		OrderBy("date_start", true, false))
	if err != nil {
		return res, err
	}
	// Legacy data may hold several open items; only the newest survives.
	for _, stale := range tail(open) {
		stale.DateEnd = &now
		if err := r.items.Update(ctx, stale); err != nil {
			return res, err
		}
		res.Closed++
	}

	if len(open) == 0 {
		if err := r.open(ctx, companyID, productID, pricelistID, entry, now); err != nil {
			return res, err
		}
		res.Created++
		return res, nil
	}

	current := open[0]
	if samePrice(current, entry) {
		res.Unchanged++
		return res, nil
	}
	if !preserveHistory {
		current.MainPrice = entry.MainPrice
		current.AddinPrice = entry.AddinPrice
		current.MenuItemPrice = entry.MenuItemPrice
		if err := r.items.Update(ctx, current); err != nil {
			return res, err
		}
		res.Updated++
		return res, nil
	}
	current.DateEnd = &now
	if err := r.items.Update(ctx, current); err != nil {
		return res, err
	}
	res.Closed++
	if err := r.open(ctx, companyID, productID, pricelistID, entry, now); err != nil {
		return res, err
	}
	res.Created++
	return res, nil
}

func (r *Reconciler) open(ctx context.Context, companyID, productID, pricelistID int64, entry agora.Price, start time.Time) error {
	item := &catalog.PricelistItem{
		PricelistID:   pricelistID,
		ProductID:     productID,
		MainPrice:     entry.MainPrice,
		AddinPrice:    entry.AddinPrice,
		MenuItemPrice: entry.MenuItemPrice,
		DateStart:     start,
	}
	item.CompanyID = companyID
	return r.items.Create(ctx, item)
}

func samePrice(item *catalog.PricelistItem, entry agora.Price) bool {
	return item.MainPrice.Equal(entry.MainPrice) &&
		item.AddinPrice.Equal(entry.AddinPrice) &&
		item.MenuItemPrice.Equal(entry.MenuItemPrice)
}

func tail(items []*catalog.PricelistItem) []*catalog.PricelistItem {
	if len(items) <= 1 {
		return nil
	}
	return items[1:]
}
