package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// ReferenceCheck reports whether something outside the catalog still uses a
// product. The returned reason is used in the IntegrityError.
type ReferenceCheck func(ctx context.Context, companyID, productID int64) (reason string, used bool, err error)

// Service applies catalog writes with sync-status bookkeeping.
type Service struct {
	repos  Repos
	tx     store.Transactor
	mode   ImportMode
	checks []ReferenceCheck
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a catalog service running in mode.
func NewService(repos Repos, tx store.Transactor, mode ImportMode, logger *slog.Logger) *Service {
	if tx == nil {
		tx = store.NoTx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repos:  repos,
		tx:     tx,
		mode:   mode,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithReferenceCheck registers an external usage check for DeleteProduct.
func (s *Service) WithReferenceCheck(check ReferenceCheck) *Service {
	if check != nil {
		s.checks = append(s.checks, check)
	}
	return s
}

// WithMode returns a copy of the service running in mode.
func (s *Service) WithMode(mode ImportMode) *Service {
	clone := *s
	clone.mode = mode
	return &clone
}

// Repos exposes the underlying repositories.
func (s *Service) Repos() Repos { return s.repos }

// CreateProduct stores p together with its sync extension in state new.
func (s *Service) CreateProduct(ctx context.Context, p *Product, sync *ProductSync) error {
	if p.Name == "" {
		return fmt.Errorf("%w: product name is required", shared.ErrValidation)
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repos.Products.Create(ctx, p); err != nil {
			return fmt.Errorf("create product: %w", err)
		}
		if sync == nil {
			sync = &ProductSync{}
		}
		sync.CompanyID = p.CompanyID
		sync.ProductID = p.ID
		if sync.Status == "" {
			sync.Status = StatusNew
		}
		if err := s.repos.ProductSync.Create(ctx, sync); err != nil {
			return fmt.Errorf("create product sync: %w", err)
		}
		return nil
	})
}

// SyncOf returns the sync extension of a product.
func (s *Service) SyncOf(ctx context.Context, productID int64) (*ProductSync, error) {
	sync, err := s.repos.ProductSync.First(ctx, store.Where().Eq("product_id", productID).WithArchived(store.IncludeArchived))
	if err != nil {
		return nil, fmt.Errorf("product %d sync: %w", productID, err)
	}
	return sync, nil
}

// UpdateProduct persists p. In interactive mode an edit to a tracked field
// moves a done product to modified; new products stay new.
func (s *Service) UpdateProduct(ctx context.Context, p *Product) error {
	prev, err := s.repos.Products.Get(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("product %d: %w", p.ID, err)
	}
	changed := trackedFingerprint(prev) != trackedFingerprint(p)
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repos.Products.Update(ctx, p); err != nil {
			return fmt.Errorf("update product: %w", err)
		}
		if !changed || s.mode == ImportModeBulk {
			return nil
		}
		return s.markModified(ctx, p)
	})
}

func (s *Service) markModified(ctx context.Context, p *Product) error {
	targetID := p.ID
	if p.IsFormat() {
		targetID = *p.ParentID
	}
	sync, err := s.SyncOf(ctx, targetID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sync.Status == StatusNew || sync.Status == StatusModified {
		return nil
	}
	sync.Status = StatusModified
	return s.repos.ProductSync.Update(ctx, sync)
}

// UpdatePricelist persists pl, flagging a renamed pricelist for push.
func (s *Service) UpdatePricelist(ctx context.Context, pl *Pricelist) error {
	prev, err := s.repos.Pricelists.Get(ctx, pl.ID)
	if err != nil {
		return fmt.Errorf("pricelist %d: %w", pl.ID, err)
	}
	if s.mode == ImportModeInteractive && prev.Name != pl.Name && pl.SyncStatus == StatusDone {
		pl.SyncStatus = StatusModified
	}
	return s.repos.Pricelists.Update(ctx, pl)
}

// UpdateSaleCenter persists sc, flagging descriptive edits for push.
func (s *Service) UpdateSaleCenter(ctx context.Context, sc *SaleCenter) error {
	prev, err := s.repos.SaleCenters.Get(ctx, sc.ID)
	if err != nil {
		return fmt.Errorf("sale center %d: %w", sc.ID, err)
	}
	edited := prev.Name != sc.Name || prev.ButtonText != sc.ButtonText || prev.Color != sc.Color ||
		prev.PricelistID != sc.PricelistID || prev.VatIncluded != sc.VatIncluded
	if s.mode == ImportModeInteractive && edited && sc.SyncStatus == StatusDone {
		sc.SyncStatus = StatusModified
	}
	return s.repos.SaleCenters.Update(ctx, sc)
}

// DeleteProduct removes a product that was never shared with the POS and
// is not used anywhere. Anything else must be archived instead.
func (s *Service) DeleteProduct(ctx context.Context, companyID, id int64) error {
	p, err := s.repos.Products.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("product %d: %w", id, err)
	}
	if p.CompanyID != companyID {
		return fmt.Errorf("product %d: %w", id, store.ErrNotFound)
	}
	if p.IsMenu {
		return &shared.IntegrityError{Entity: "product", ID: id, Reason: "menu product"}
	}
	if p.IsDiscount {
		return &shared.IntegrityError{Entity: "product", ID: id, Reason: "discount product"}
	}
	sync, err := s.SyncOf(ctx, id)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	if sync != nil && (sync.EverSynced || sync.ExternalID != 0 || sync.BaseFormatID != 0 || sync.SaleFormatID != 0) {
		return &shared.IntegrityError{Entity: "product", ID: id, Reason: "synchronized with the POS, archive it instead"}
	}
	for _, check := range s.checks {
		reason, used, err := check(ctx, companyID, id)
		if err != nil {
			return err
		}
		if used {
			return &shared.IntegrityError{Entity: "product", ID: id, Reason: reason}
		}
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if sync != nil {
			if err := s.repos.ProductSync.Delete(ctx, sync.ID); err != nil {
				return err
			}
		}
		return s.repos.Products.Delete(ctx, id)
	})
}

// ArchiveProduct archives a product and all of its formats.
func (s *Service) ArchiveProduct(ctx context.Context, companyID, id int64) error {
	p, err := s.repos.Products.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("product %d: %w", id, err)
	}
	if p.CompanyID != companyID {
		return fmt.Errorf("product %d: %w", id, store.ErrNotFound)
	}
	formats, err := s.repos.Products.Find(ctx, store.Where().Company(companyID).Eq("parent_id", id))
	if err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, f := range formats {
			if err := s.repos.Products.Archive(ctx, f); err != nil {
				return err
			}
		}
		if !p.Active {
			return nil
		}
		s.logger.Info("product archived", slog.Int64("product_id", id), slog.Int("formats", len(formats)))
		return s.repos.Products.Archive(ctx, p)
	})
}

// Formats lists the active formats of a product.
func (s *Service) Formats(ctx context.Context, companyID, productID int64) ([]*Product, error) {
	return s.repos.Products.Find(ctx, store.Where().Company(companyID).Eq("parent_id", productID))
}

type tracked struct {
	Name               string
	CategoryID         int64
	TaxID              int64
	PreparationTypeID  int64
	PreparationOrderID int64
	Color              string
	ButtonText         string
	CostPrice          string
	Ratio              string
	Flags              [6]bool
	Addins             []AddinRole
}

// trackedFingerprint renders the fields whose edits must reach the POS.
func trackedFingerprint(p *Product) string {
	t := tracked{
		Name:               p.Name,
		CategoryID:         p.CategoryID,
		TaxID:              p.TaxID,
		PreparationTypeID:  p.PreparationTypeID,
		PreparationOrderID: p.PreparationOrderID,
		Color:              p.Color,
		ButtonText:         p.ButtonText,
		CostPrice:          p.CostPrice.String(),
		Ratio:              p.Ratio.String(),
		Flags:              [6]bool{p.SaleableAsMain, p.SaleableAsAddin, p.SoldByWeight, p.AskPreparationNote, p.AskForAddins, p.PrintZero},
		Addins:             p.Addins,
	}
	raw, _ := json.Marshal(t)
	return string(raw)
}
