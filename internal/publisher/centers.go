package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

func pending(companyID int64) store.Query {
	return store.Where().
		Company(companyID).
		In("sync_status", string(catalog.StatusNew), string(catalog.StatusModified)).
		OrderBy("id", false, false)
}

// PushPricelists publishes pricelists waiting for a push in one request.
// New pricelists take the id the POS answers with, matched by name; one the
// POS does not echo back is flagged as error.
func (p *Publisher) PushPricelists(ctx context.Context, conn *connections.Connection) (Report, error) {
	rep := Report{RunID: uuid.NewString()}
	lists, err := p.repos.Pricelists.Find(ctx, pending(conn.CompanyID))
	if err != nil || len(lists) == 0 {
		return rep, err
	}
	client, err := p.clients(conn)
	if err != nil {
		return rep, fmt.Errorf("push pricelists: %w", err)
	}
	payload := make([]agora.PriceList, 0, len(lists))
	for _, pl := range lists {
		payload = append(payload, agora.PriceList{ID: pl.ExternalID, Name: pl.Name})
	}
	body, err := client.Import(ctx, agora.ImportPayload{PriceLists: payload})
	if err != nil {
		p.metrics.Failure("pricelists_push", "pricelist")
		return rep, fmt.Errorf("push pricelists: %w", err)
	}
	var answer struct {
		PriceLists []agora.PriceList `json:"PriceLists"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		p.logger.Warn("unreadable import response", slog.Any("error", err))
	}
	ids := make(map[string]int64, len(answer.PriceLists))
	for _, pl := range answer.PriceLists {
		ids[pl.Name] = pl.ID
	}
	err = p.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, pl := range lists {
			if pl.ExternalID == 0 {
				pl.ExternalID = ids[pl.Name]
			}
			pl.SyncStatus = catalog.StatusDone
			if pl.ExternalID == 0 {
				pl.SyncStatus = catalog.StatusError
			}
			if err := p.repos.Pricelists.Update(ctx, pl); err != nil {
				return err
			}
			if pl.SyncStatus == catalog.StatusDone {
				rep.Pushed = append(rep.Pushed, pl.ID)
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("push pricelists: %w", err)
	}
	p.metrics.Record("pricelists_push", "pricelist", "pushed", len(rep.Pushed))
	return rep, nil
}

// PushSaleCenters publishes sale centers waiting for a push together with
// their locations. A sale center whose pricelist is unknown to the POS is
// sent without one.
func (p *Publisher) PushSaleCenters(ctx context.Context, conn *connections.Connection) (Report, error) {
	rep := Report{RunID: uuid.NewString()}
	centers, err := p.repos.SaleCenters.Find(ctx, pending(conn.CompanyID))
	if err != nil || len(centers) == 0 {
		return rep, err
	}
	client, err := p.clients(conn)
	if err != nil {
		return rep, fmt.Errorf("push sale centers: %w", err)
	}
	payload := make([]agora.SaleCenter, 0, len(centers))
	for _, sc := range centers {
		wire := agora.SaleCenter{
			ID:          sc.ExternalID,
			Name:        sc.Name,
			ButtonText:  sc.ButtonText,
			Color:       sc.Color,
			VatIncluded: sc.VatIncluded,
		}
		if wire.PriceListID, err = externalOf(ctx, p.repos.Pricelists, sc.PricelistID, func(pl *catalog.Pricelist) int64 { return pl.ExternalID }); err != nil {
			return rep, err
		}
		locations, err := p.repos.SaleLocations.Find(ctx, store.Where().Company(conn.CompanyID).Eq("sale_center_id", sc.ID))
		if err != nil {
			return rep, err
		}
		for _, l := range locations {
			wire.SaleLocations = append(wire.SaleLocations, agora.SaleLocation{ID: l.ExternalID, Name: l.Name})
		}
		payload = append(payload, wire)
	}
	body, err := client.Import(ctx, agora.ImportPayload{SaleCenters: payload})
	if err != nil {
		p.metrics.Failure("salecenters_push", "sale_center")
		return rep, fmt.Errorf("push sale centers: %w", err)
	}
	var answer struct {
		SaleCenters []agora.SaleCenter `json:"SaleCenters"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		p.logger.Warn("unreadable import response", slog.Any("error", err))
	}
	ids := make(map[string]int64, len(answer.SaleCenters))
	for _, sc := range answer.SaleCenters {
		ids[sc.Name] = sc.ID
	}
	err = p.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, sc := range centers {
			if sc.ExternalID == 0 {
				sc.ExternalID = ids[sc.Name]
			}
			sc.SyncStatus = catalog.StatusDone
			if sc.ExternalID == 0 {
				sc.SyncStatus = catalog.StatusError
			}
			if err := p.repos.SaleCenters.Update(ctx, sc); err != nil {
				return err
			}
			if sc.SyncStatus == catalog.StatusDone {
				rep.Pushed = append(rep.Pushed, sc.ID)
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("push sale centers: %w", err)
	}
	p.metrics.Record("salecenters_push", "sale_center", "pushed", len(rep.Pushed))
	return rep, nil
}
