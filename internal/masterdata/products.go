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
	"github.com/odyssey-erp/agora-connector/internal/pricing"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// ProductDefaults holds local references used when the POS reference of a
// product does not resolve. Formats inherit their parent's values this way.
type ProductDefaults struct {
	CategoryID         int64
	TaxID              int64
	PreparationTypeID  int64
	PreparationOrderID int64
}

// ResolveReferences maps the POS references of src onto local ids, keeping
// the value from defaults for every reference that does not resolve.
func (s *Synchronizer) ResolveReferences(ctx context.Context, companyID int64, src agora.Product, defaults ProductDefaults) (ProductDefaults, error) {
	out := defaults
	refs := []struct {
		kind idmap.Kind
		ext  int64
		dst  *int64
	}{
		{idmap.KindCategory, src.FamilyID, &out.CategoryID},
		{idmap.KindTax, src.VatID, &out.TaxID},
		{idmap.KindPreparationType, src.PreparationTypeID, &out.PreparationTypeID},
		{idmap.KindPreparationOrder, src.PreparationOrderID, &out.PreparationOrderID},
	}
	for _, ref := range refs {
		id, ok, err := s.mapper.Resolve(ctx, companyID, ref.kind, ref.ext)
		if err != nil {
			return out, err
		}
		if ok {
			*ref.dst = id
		}
	}
	return out, nil
}

func (s *Synchronizer) syncProducts(ctx context.Context, conn *connections.Connection, client *agora.Client, rep *Report) error {
	var records []agora.Product
	if ok, err := s.fetch(ctx, conn, client, KindProducts, agora.FilterProducts, &records, rep); !ok {
		return err
	}
	var counts Counts
	for _, r := range records {
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			return s.pullProduct(ctx, conn, r, &counts, &rep.Prices)
		})
		if err != nil {
			return fmt.Errorf("product %d %q: %w", r.ID, r.Name, err)
		}
	}
	// Add-ins may point at products created later in the same batch.
	for _, r := range records {
		if r.Deleted() {
			continue
		}
		if err := s.wireAddins(ctx, conn.CompanyID, r); err != nil {
			return fmt.Errorf("product %d add-ins: %w", r.ID, err)
		}
	}
	rep.add(KindProducts, counts)
	return nil
}

func (s *Synchronizer) pullProduct(ctx context.Context, conn *connections.Connection, r agora.Product, counts *Counts, prices *pricing.Result) error {
	existingID, found, err := s.mapper.Resolve(ctx, conn.CompanyID, idmap.KindProduct, r.ID)
	if err != nil {
		return err
	}
	if r.Deleted() {
		if !found {
			return nil
		}
		act, err := s.archiveProduct(ctx, conn.CompanyID, existingID)
		counts.note(act)
		return err
	}
	refs, err := s.ResolveReferences(ctx, conn.CompanyID, r, ProductDefaults{})
	if err != nil {
		return err
	}

	var product *catalog.Product
	if found {
		product, err = s.repos.Products.Get(ctx, existingID)
		if err != nil {
			return err
		}
		prev := *product
		applyProduct(product, r, refs)
		product.Active = true
		if !sameJSON(prev, *product) {
			if err := s.catalog.UpdateProduct(ctx, product); err != nil {
				return err
			}
			counts.note(actUpdated)
		}
		if err := s.refreshSync(ctx, conn, product.ID, r.ID, r.BaseSaleFormatID, 0); err != nil {
			return err
		}
	} else {
		product = &catalog.Product{}
		product.CompanyID = conn.CompanyID
		applyProduct(product, r, refs)
		if err := s.catalog.CreateProduct(ctx, product, s.pulledSync(conn, r.ID, r.BaseSaleFormatID, 0)); err != nil {
			return err
		}
		counts.note(actCreated)
	}

	res, err := s.prices.Reconcile(ctx, conn.CompanyID, product.ID, r.Prices, conn.PreservesPriceHistory())
	if err != nil {
		return err
	}
	prices.Add(res)

	for _, sf := range r.AdditionalSaleFormats {
		if err := s.pullFormat(ctx, conn, product, sf, counts, prices); err != nil {
			return fmt.Errorf("format %d %q: %w", sf.ID, sf.Name, err)
		}
	}
	return nil
}

// pullFormat mirrors one additional sale format as a child product with a
// bill-of-materials line onto its parent.
func (s *Synchronizer) pullFormat(ctx context.Context, conn *connections.Connection, parent *catalog.Product, sf agora.SaleFormat, counts *Counts, prices *pricing.Result) error {
	existingID, found, err := s.mapper.Resolve(ctx, conn.CompanyID, idmap.KindSaleFormat, sf.ID)
	if err != nil {
		return err
	}
	if sf.Deleted() {
		if !found {
			return nil
		}
		act, err := s.archiveProduct(ctx, conn.CompanyID, existingID)
		counts.note(act)
		return err
	}
	defaults := ProductDefaults{
		CategoryID:         parent.CategoryID,
		TaxID:              parent.TaxID,
		PreparationTypeID:  parent.PreparationTypeID,
		PreparationOrderID: parent.PreparationOrderID,
	}
	parentID := parent.ID

	var format *catalog.Product
	if found {
		format, err = s.repos.Products.Get(ctx, existingID)
		if err != nil {
			return err
		}
		prev := *format
		applyFormat(format, parent, sf, defaults)
		format.ParentID = &parentID
		format.Active = true
		if !sameJSON(prev, *format) {
			if err := s.catalog.UpdateProduct(ctx, format); err != nil {
				return err
			}
			counts.note(actUpdated)
		}
		if err := s.refreshSync(ctx, conn, format.ID, 0, 0, sf.ID); err != nil {
			return err
		}
	} else {
		format = &catalog.Product{ParentID: &parentID}
		format.CompanyID = conn.CompanyID
		applyFormat(format, parent, sf, defaults)
		if err := s.catalog.CreateProduct(ctx, format, s.pulledSync(conn, 0, 0, sf.ID)); err != nil {
			return err
		}
		counts.note(actCreated)
	}
	if err := s.ensureBOM(ctx, format, parentID); err != nil {
		return err
	}
	res, err := s.prices.Reconcile(ctx, conn.CompanyID, format.ID, sf.Prices, conn.PreservesPriceHistory())
	if err != nil {
		return err
	}
	prices.Add(res)
	return nil
}

func (s *Synchronizer) ensureBOM(ctx context.Context, format *catalog.Product, parentID int64) error {
	line, err := s.repos.BOMLines.First(ctx, store.Where().Company(format.CompanyID).Eq("product_id", format.ID))
	if errors.Is(err, shared.ErrNotFound) {
		line = &catalog.BOMLine{ProductID: format.ID, ComponentID: parentID, Ratio: format.Ratio}
		line.CompanyID = format.CompanyID
		return s.repos.BOMLines.Create(ctx, line)
	}
	if err != nil {
		return err
	}
	if line.ComponentID == parentID && line.Ratio.Equal(format.Ratio) {
		return nil
	}
	line.ComponentID = parentID
	line.Ratio = format.Ratio
	return s.repos.BOMLines.Update(ctx, line)
}

func (s *Synchronizer) pulledSync(conn *connections.Connection, externalID, baseFormatID, saleFormatID int64) *catalog.ProductSync {
	now := s.now()
	return &catalog.ProductSync{
		ConnectionID: conn.ID,
		ExternalID:   externalID,
		BaseFormatID: baseFormatID,
		SaleFormatID: saleFormatID,
		Status:       catalog.StatusDone,
		EverSynced:   true,
		LastSyncedAt: &now,
	}
}

// refreshSync records POS ids that changed since the last pull. Zero
// arguments leave the stored value alone.
func (s *Synchronizer) refreshSync(ctx context.Context, conn *connections.Connection, productID, externalID, baseFormatID, saleFormatID int64) error {
	link, err := s.catalog.SyncOf(ctx, productID)
	if errors.Is(err, shared.ErrNotFound) {
		link = s.pulledSync(conn, externalID, baseFormatID, saleFormatID)
		link.CompanyID = conn.CompanyID
		link.ProductID = productID
		return s.repos.ProductSync.Create(ctx, link)
	}
	if err != nil {
		return err
	}
	changed := false
	if externalID != 0 {
		changed = set(&link.ExternalID, externalID) || changed
	}
	if baseFormatID != 0 {
		changed = set(&link.BaseFormatID, baseFormatID) || changed
	}
	if saleFormatID != 0 {
		changed = set(&link.SaleFormatID, saleFormatID) || changed
	}
	changed = set(&link.EverSynced, true) || changed
	if link.ConnectionID == 0 {
		link.ConnectionID = conn.ID
		changed = true
	}
	if !changed {
		return nil
	}
	return s.repos.ProductSync.Update(ctx, link)
}

func (s *Synchronizer) archiveProduct(ctx context.Context, companyID, id int64) (action, error) {
	p, err := s.repos.Products.Get(ctx, id)
	if err != nil {
		return actNone, err
	}
	if !p.Active {
		return actNone, nil
	}
	if err := s.catalog.ArchiveProduct(ctx, companyID, id); err != nil {
		return actNone, err
	}
	return actArchived, nil
}

// wireAddins resolves the add-in roles of r once every product of the
// batch exists. Unresolvable add-ins are logged and left out.
func (s *Synchronizer) wireAddins(ctx context.Context, companyID int64, r agora.Product) error {
	productID, found, err := s.mapper.Resolve(ctx, companyID, idmap.KindProduct, r.ID)
	if err != nil || !found {
		return err
	}
	product, err := s.repos.Products.Get(ctx, productID)
	if err != nil {
		return err
	}
	roles := make([]catalog.AddinRole, 0, len(r.AddinRoles))
	for _, role := range r.AddinRoles {
		local := catalog.AddinRole{Name: role.Name, Min: role.MinAddins, Max: role.MaxAddins}
		for _, ref := range role.Addins {
			id, ok, err := s.mapper.ResolveSold(ctx, companyID, ref.ProductID, ref.SaleFormatID)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Warn("add-in not found",
					slog.Int64("product_id", productID),
					slog.Int64("addin_product_ref", ref.ProductID),
					slog.Int64("addin_format_ref", ref.SaleFormatID))
				continue
			}
			local.ProductIDs = append(local.ProductIDs, id)
		}
		roles = append(roles, local)
	}
	if len(roles) == 0 {
		roles = nil
	}
	if sameJSON(product.Addins, roles) {
		return nil
	}
	product.Addins = roles
	return s.catalog.UpdateProduct(ctx, product)
}

func applyProduct(p *catalog.Product, r agora.Product, refs ProductDefaults) {
	p.Name = r.Name
	p.CategoryID = refs.CategoryID
	p.TaxID = refs.TaxID
	p.PreparationTypeID = refs.PreparationTypeID
	p.PreparationOrderID = refs.PreparationOrderID
	p.Color = r.Color
	p.ButtonText = r.ButtonText
	p.CostPrice = r.CostPrice
	p.SaleableAsMain = r.SaleableAsMain
	p.SaleableAsAddin = r.SaleableAsAddin
	p.SoldByWeight = r.SoldByWeight
	p.AskPreparationNote = r.AskForPreparationNotes
	p.AskForAddins = r.AskForAddins
	p.PrintZero = r.PrintWhenPriceIsZero
}

func applyFormat(f *catalog.Product, parent *catalog.Product, sf agora.SaleFormat, refs ProductDefaults) {
	f.Name = sf.Name
	f.Ratio = sf.Ratio
	f.CategoryID = refs.CategoryID
	f.TaxID = refs.TaxID
	f.PreparationTypeID = refs.PreparationTypeID
	f.PreparationOrderID = refs.PreparationOrderID
	f.Color = parent.Color
	f.SaleableAsMain = parent.SaleableAsMain
	f.SaleableAsAddin = parent.SaleableAsAddin
	f.SoldByWeight = parent.SoldByWeight
	f.AskPreparationNote = parent.AskPreparationNote
	f.AskForAddins = parent.AskForAddins
	f.PrintZero = parent.PrintZero
}
