package masterdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

func (s *Synchronizer) syncPricelists(ctx context.Context, conn *connections.Connection, client *agora.Client, rep *Report) error {
	var records []agora.PriceList
	if ok, err := s.fetch(ctx, conn, client, KindPricelists, agora.FilterPriceLists, &records, rep); !ok {
		return err
	}
	var counts Counts
	for _, r := range records {
		_, act, err := upsert(ctx, s.repos.Pricelists, conn.CompanyID, r.ID, r.Deleted(), func(pl *catalog.Pricelist) bool {
			if pl.ID == 0 {
				pl.ExternalID = r.ID
				pl.SyncStatus = catalog.StatusDone
			}
			return set(&pl.Name, r.Name)
		})
		if err != nil {
			return fmt.Errorf("pricelist %d: %w", r.ID, err)
		}
		counts.note(act)
	}
	rep.add(KindPricelists, counts)
	return nil
}

func (s *Synchronizer) syncTaxes(ctx context.Context, conn *connections.Connection, client *agora.Client, rep *Report) error {
	var records []agora.Vat
	if ok, err := s.fetch(ctx, conn, client, KindTaxes, agora.FilterVats, &records, rep); !ok {
		return err
	}
	var counts Counts
	for _, r := range records {
		_, act, err := upsert(ctx, s.repos.Taxes, conn.CompanyID, r.ID, r.Deleted(), func(t *catalog.TaxMapping) bool {
			t.ExternalID = r.ID
			changed := set(&t.Name, r.Name)
			changed = setDecimal(&t.Rate, r.VatRate) || changed
			return setDecimal(&t.Surcharge, r.SurchargeRate) || changed
		})
		if err != nil {
			return fmt.Errorf("tax %d: %w", r.ID, err)
		}
		counts.note(act)
	}
	rep.add(KindTaxes, counts)
	return nil
}

func (s *Synchronizer) syncPaymentMethods(ctx context.Context, conn *connections.Connection, client *agora.Client, rep *Report) error {
	var records []agora.PaymentMethod
	if ok, err := s.fetch(ctx, conn, client, KindPaymentMethods, agora.FilterPaymentMethods, &records, rep); !ok {
		return err
	}
	var counts Counts
	for _, r := range records {
		_, act, err := upsert(ctx, s.repos.PaymentMethods, conn.CompanyID, r.ID, r.Deleted(), func(m *catalog.PaymentMethod) bool {
			m.ExternalID = r.ID
			changed := set(&m.Name, r.Name)
			return set(&m.Code, catalog.MethodCode(r.Name)) || changed
		})
		if err != nil {
			return fmt.Errorf("payment method %d: %w", r.ID, err)
		}
		counts.note(act)
	}
	rep.add(KindPaymentMethods, counts)
	return nil
}

func (s *Synchronizer) syncPreparation(ctx context.Context, conn *connections.Connection, client *agora.Client, rep *Report) error {
	var types []agora.PreparationType
	if ok, err := s.fetch(ctx, conn, client, KindPreparation, agora.FilterPreparationTypes, &types, rep); !ok {
		return err
	}
	var orders []agora.PreparationOrder
	if ok, err := s.fetch(ctx, conn, client, KindPreparation, agora.FilterPreparationOrders, &orders, rep); !ok {
		return err
	}
	var counts Counts
	for _, r := range types {
		_, act, err := upsert(ctx, s.repos.PreparationTypes, conn.CompanyID, r.ID, r.Deleted(), func(t *catalog.PreparationType) bool {
			t.ExternalID = r.ID
			return set(&t.Name, r.Name)
		})
		if err != nil {
			return fmt.Errorf("preparation type %d: %w", r.ID, err)
		}
		counts.note(act)
	}
	for _, r := range orders {
		_, act, err := upsert(ctx, s.repos.PreparationOrders, conn.CompanyID, r.ID, r.Deleted(), func(o *catalog.PreparationOrder) bool {
			o.ExternalID = r.ID
			changed := set(&o.Name, r.Name)
			return set(&o.Priority, r.Order) || changed
		})
		if err != nil {
			return fmt.Errorf("preparation order %d: %w", r.ID, err)
		}
		counts.note(act)
	}
	rep.add(KindPreparation, counts)
	return nil
}

func (s *Synchronizer) syncWorkPlaces(ctx context.Context, conn *connections.Connection, client *agora.Client, rep *Report) error {
	var records []agora.Workplace
	if ok, err := s.fetch(ctx, conn, client, KindWorkPlaces, agora.FilterWorkplaces, &records, rep); !ok {
		return err
	}
	var counts Counts
	for _, r := range records {
		_, act, err := upsert(ctx, s.repos.WorkPlaces, conn.CompanyID, r.ID, r.Deleted(), func(w *catalog.WorkPlace) bool {
			w.ExternalID = r.ID
			return set(&w.Name, r.Name)
		})
		if err != nil {
			return fmt.Errorf("work place %d: %w", r.ID, err)
		}
		counts.note(act)
	}
	rep.add(KindWorkPlaces, counts)
	return nil
}

func (s *Synchronizer) syncSaleCenters(ctx context.Context, conn *connections.Connection, client *agora.Client, rep *Report) error {
	var records []agora.SaleCenter
	if ok, err := s.fetch(ctx, conn, client, KindSaleCenters, agora.FilterSaleCenters, &records, rep); !ok {
		return err
	}
	var counts Counts
	for _, r := range records {
		pricelistID, _, err := s.mapper.Resolve(ctx, conn.CompanyID, idmap.KindPricelist, r.PriceListID)
		if err != nil {
			return err
		}
		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			sc, act, err := upsert(ctx, s.repos.SaleCenters, conn.CompanyID, r.ID, r.Deleted(), func(sc *catalog.SaleCenter) bool {
				if sc.ID == 0 {
					sc.ExternalID = r.ID
					sc.SyncStatus = catalog.StatusDone
				}
				changed := set(&sc.Name, r.Name)
				changed = set(&sc.ButtonText, r.ButtonText) || changed
				changed = set(&sc.Color, r.Color) || changed
				changed = set(&sc.PricelistID, pricelistID) || changed
				return set(&sc.VatIncluded, r.VatIncluded) || changed
			})
			if err != nil {
				return err
			}
			counts.note(act)
			if sc == nil || r.Deleted() {
				return nil
			}
			return s.syncLocations(ctx, sc, r.SaleLocations)
		})
		if err != nil {
			return fmt.Errorf("sale center %d: %w", r.ID, err)
		}
	}
	rep.add(KindSaleCenters, counts)
	return nil
}

// syncLocations matches locations by POS id, then by name. Locations the
// POS no longer lists are archived.
func (s *Synchronizer) syncLocations(ctx context.Context, sc *catalog.SaleCenter, remote []agora.SaleLocation) error {
	local, err := s.repos.SaleLocations.Find(ctx, store.Where().
		Company(sc.CompanyID).
		Eq("sale_center_id", sc.ID).
		WithArchived(store.IncludeArchived))
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, r := range remote {
		var match *catalog.SaleLocation
		for _, l := range local {
			if (r.ID != 0 && l.ExternalID == r.ID) || (r.ID == 0 && l.Name == r.Name) {
				match = l
				break
			}
		}
		if match == nil {
			loc := &catalog.SaleLocation{SaleCenterID: sc.ID, ExternalID: r.ID, Name: r.Name}
			loc.CompanyID = sc.CompanyID
			if err := s.repos.SaleLocations.Create(ctx, loc); err != nil {
				return err
			}
			seen[loc.ID] = true
			continue
		}
		seen[match.ID] = true
		if match.Name == r.Name && match.Active {
			continue
		}
		match.Name = r.Name
		match.Active = true
		if err := s.repos.SaleLocations.Update(ctx, match); err != nil {
			return err
		}
	}
	for _, l := range local {
		if seen[l.ID] || !l.Active {
			continue
		}
		if err := s.repos.SaleLocations.Archive(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// syncCategories deletes a deletion-marked category outright when no
// product, active or archived, points at it. Referenced ones are archived.
func (s *Synchronizer) syncCategories(ctx context.Context, conn *connections.Connection, client *agora.Client, rep *Report) error {
	var records []agora.Family
	if ok, err := s.fetch(ctx, conn, client, KindCategories, agora.FilterFamilies, &records, rep); !ok {
		return err
	}
	var counts Counts
	for _, r := range records {
		if r.Deleted() {
			act, err := s.dropCategory(ctx, conn.CompanyID, r.ID)
			if err != nil {
				return fmt.Errorf("category %d: %w", r.ID, err)
			}
			counts.note(act)
			continue
		}
		_, act, err := upsert(ctx, s.repos.Categories, conn.CompanyID, r.ID, false, func(c *catalog.Category) bool {
			if c.ID == 0 {
				c.ExternalID = r.ID
				c.SyncStatus = catalog.StatusDone
			}
			changed := set(&c.Name, r.Name)
			return set(&c.Color, r.Color) || changed
		})
		if err != nil {
			return fmt.Errorf("category %d: %w", r.ID, err)
		}
		counts.note(act)
	}
	rep.add(KindCategories, counts)
	return nil
}

func (s *Synchronizer) dropCategory(ctx context.Context, companyID, externalID int64) (action, error) {
	cat, err := s.repos.Categories.First(ctx, byExternalID(companyID, externalID))
	if errors.Is(err, shared.ErrNotFound) {
		return actNone, nil
	}
	if err != nil {
		return actNone, err
	}
	used, err := store.Exists(ctx, s.repos.Products, store.Where().
		Company(companyID).
		Eq("category_id", cat.ID).
		WithArchived(store.IncludeArchived))
	if err != nil {
		return actNone, err
	}
	if !used {
		if err := s.repos.Categories.Delete(ctx, cat.ID); err != nil {
			return actNone, err
		}
		s.logger.Debug("category deleted", slog.Int64("category_id", cat.ID), slog.Int64("external_id", externalID))
		return actDeleted, nil
	}
	if !cat.Active {
		return actNone, nil
	}
	if err := s.repos.Categories.Archive(ctx, cat); err != nil {
		return actNone, err
	}
	return actArchived, nil
}
