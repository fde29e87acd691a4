// Package masterdata pulls the POS master data into the local catalog.
package masterdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/observability"
	"github.com/odyssey-erp/agora-connector/internal/pricing"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// Kind is an entity type that can be pulled on its own.
type Kind string

const (
	KindPricelists     Kind = "pricelists"
	KindTaxes          Kind = "taxes"
	KindPaymentMethods Kind = "payment_methods"
	KindPreparation    Kind = "preparation"
	KindWorkPlaces     Kind = "workplaces"
	KindSaleCenters    Kind = "salecenters"
	KindCategories     Kind = "categories"
	KindProducts       Kind = "products"
)

// Order is the dependency order of a full pull. Sale centers need
// pricelists; products need categories, taxes and preparation data.
var Order = []Kind{
	KindPricelists,
	KindTaxes,
	KindPaymentMethods,
	KindPreparation,
	KindWorkPlaces,
	KindSaleCenters,
	KindCategories,
	KindProducts,
}

// ErrUnknownKind is returned by Import for kinds outside Order.
var ErrUnknownKind = errors.New("masterdata: unknown entity kind")

// ParseKind validates a kind received from the outside.
func ParseKind(s string) (Kind, error) {
	for _, k := range Order {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

const metricsOperation = "master_sync"

// Counts tallies what a pull did to one entity kind.
type Counts struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
	Deleted  int `json:"deleted"`
}

type action int

const (
	actNone action = iota
	actCreated
	actUpdated
	actArchived
	actDeleted
)

func (c *Counts) note(a action) {
	switch a {
	case actCreated:
		c.Created++
	case actUpdated:
		c.Updated++
	case actArchived:
		c.Archived++
	case actDeleted:
		c.Deleted++
	}
}

// Report summarises one pull run.
type Report struct {
	RunID        string          `json:"run_id"`
	ConnectionID int64           `json:"connection_id"`
	Counts       map[Kind]Counts `json:"counts"`
	Prices       pricing.Result  `json:"prices"`
	Skipped      []Kind          `json:"skipped,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

func (r *Report) add(kind Kind, c Counts) {
	total := r.Counts[kind]
	total.Created += c.Created
	total.Updated += c.Updated
	total.Archived += c.Archived
	total.Deleted += c.Deleted
	r.Counts[kind] = total
}

// Synchronizer pulls master data for one connection at a time. It writes
// through a bulk-mode catalog service so pulls never move sync status.
type Synchronizer struct {
	repos   catalog.Repos
	catalog *catalog.Service
	mapper  *idmap.Mapper
	prices  *pricing.Reconciler
	clients connections.ClientFactory
	tx      store.Transactor
	metrics *observability.SyncMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewSynchronizer constructs a Synchronizer.
func NewSynchronizer(svc *catalog.Service, mapper *idmap.Mapper, prices *pricing.Reconciler, clients connections.ClientFactory, tx store.Transactor, logger *slog.Logger) *Synchronizer {
	if tx == nil {
		tx = store.NoTx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		repos:   svc.Repos(),
		catalog: svc.WithMode(catalog.ImportModeBulk),
		mapper:  mapper,
		prices:  prices,
		clients: clients,
		tx:      tx,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics records pull counters on m.
func (s *Synchronizer) WithMetrics(m *observability.SyncMetrics) *Synchronizer {
	s.metrics = m
	return s
}

// WithNow overrides the clock.
func (s *Synchronizer) WithNow(now func() time.Time) *Synchronizer {
	if now != nil {
		s.now = now
	}
	return s
}

// SyncAll pulls every entity kind in dependency order. A failing kind
// aborts the run unless the connection runs the legacy silent pull.
func (s *Synchronizer) SyncAll(ctx context.Context, conn *connections.Connection) (Report, error) {
	return s.run(ctx, conn, Order)
}

// Import pulls a single entity kind.
func (s *Synchronizer) Import(ctx context.Context, conn *connections.Connection, kind Kind) (Report, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Report{}, err
	}
	return s.run(ctx, conn, []Kind{kind})
}

func (s *Synchronizer) run(ctx context.Context, conn *connections.Connection, kinds []Kind) (Report, error) {
	rep := Report{
		RunID:        uuid.NewString(),
		ConnectionID: conn.ID,
		Counts:       make(map[Kind]Counts),
		StartedAt:    s.now(),
	}
	logger := s.logger.With(slog.String("run_id", rep.RunID), slog.Int64("connection_id", conn.ID))
	client, err := s.clients(conn)
	if err != nil {
		return rep, fmt.Errorf("master sync: %w", err)
	}
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		before := rep.Counts[kind]
		if err := s.pullKind(ctx, conn, client, kind, &rep); err != nil {
			s.metrics.Failure(metricsOperation, string(kind))
			logger.Error("master sync failed", slog.String("kind", string(kind)), slog.Any("error", err))
			rep.FinishedAt = s.now()
			return rep, fmt.Errorf("master sync %s: %w", kind, err)
		}
		s.observe(kind, before, rep.Counts[kind])
	}
	rep.FinishedAt = s.now()
	logger.Info("master sync finished",
		slog.Int("kinds", len(kinds)),
		slog.Int("skipped", len(rep.Skipped)),
		slog.Int("prices_created", rep.Prices.Created),
		slog.Int("prices_closed", rep.Prices.Closed))
	return rep, nil
}

func (s *Synchronizer) observe(kind Kind, before, after Counts) {
	s.metrics.Record(metricsOperation, string(kind), "created", after.Created-before.Created)
	s.metrics.Record(metricsOperation, string(kind), "updated", after.Updated-before.Updated)
	s.metrics.Record(metricsOperation, string(kind), "archived", after.Archived-before.Archived)
	s.metrics.Record(metricsOperation, string(kind), "deleted", after.Deleted-before.Deleted)
}

func (s *Synchronizer) pullKind(ctx context.Context, conn *connections.Connection, client *agora.Client, kind Kind, rep *Report) error {
	switch kind {
	case KindPricelists:
		return s.syncPricelists(ctx, conn, client, rep)
	case KindTaxes:
		return s.syncTaxes(ctx, conn, client, rep)
	case KindPaymentMethods:
		return s.syncPaymentMethods(ctx, conn, client, rep)
	case KindPreparation:
		return s.syncPreparation(ctx, conn, client, rep)
	case KindWorkPlaces:
		return s.syncWorkPlaces(ctx, conn, client, rep)
	case KindSaleCenters:
		return s.syncSaleCenters(ctx, conn, client, rep)
	case KindCategories:
		return s.syncCategories(ctx, conn, client, rep)
	case KindProducts:
		return s.syncProducts(ctx, conn, client, rep)
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// fetch downloads one collection. It reports false when the collection was
// skipped under the legacy silent pull.
func (s *Synchronizer) fetch(ctx context.Context, conn *connections.Connection, client *agora.Client, kind Kind, filter agora.MasterFilter, out any, rep *Report) (bool, error) {
	err := client.ExportMaster(ctx, filter, out)
	if err == nil {
		return true, nil
	}
	if conn.LegacySilentPull && agora.IsTransport(err) {
		s.logger.Warn("master pull skipped",
			slog.Int64("connection_id", conn.ID),
			slog.String("filter", string(filter)),
			slog.Any("error", err))
		rep.Skipped = append(rep.Skipped, kind)
		return false, nil
	}
	return false, err
}

func byExternalID(companyID, externalID int64) store.Query {
	return store.Where().
		Company(companyID).
		Eq("external_id", externalID).
		WithArchived(store.IncludeArchived).
		OrderBy("active", true, false)
}

// upsert applies the pull rule to one record keyed by its POS id. apply
// copies the POS fields onto rec and reports whether anything changed.
func upsert[T any, P interface {
	*T
	store.Entity
}](ctx context.Context, repo store.Repository[T], companyID, externalID int64, deleted bool, apply func(rec *T) bool) (*T, action, error) {
	existing, err := repo.First(ctx, byExternalID(companyID, externalID))
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, actNone, err
	}
	if existing == nil {
		if deleted {
			return nil, actNone, nil
		}
		rec := new(T)
		P(rec).Meta().CompanyID = companyID
		apply(rec)
		if err := repo.Create(ctx, rec); err != nil {
			return nil, actNone, err
		}
		return rec, actCreated, nil
	}
	meta := P(existing).Meta()
	if deleted {
		if !meta.Active {
			return existing, actNone, nil
		}
		if err := repo.Archive(ctx, existing); err != nil {
			return nil, actNone, err
		}
		return existing, actArchived, nil
	}
	changed := apply(existing)
	if !meta.Active {
		meta.Active = true
		changed = true
	}
	if !changed {
		return existing, actNone, nil
	}
	if err := repo.Update(ctx, existing); err != nil {
		return nil, actNone, err
	}
	return existing, actUpdated, nil
}

func set[V comparable](dst *V, v V) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}

func setDecimal(dst *decimal.Decimal, v decimal.Decimal) bool {
	if dst.Equal(v) {
		return false
	}
	*dst = v
	return true
}

// sameJSON compares two values by their stored representation.
func sameJSON(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}
