// Package idmap maps POS identifiers onto local records and allocates new
// POS identifiers for records pushed outward.
package idmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/platform/cache"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// Kind is an entity kind addressed by a POS identifier.
type Kind string

const (
	KindCategory         Kind = "category"
	KindPricelist        Kind = "pricelist"
	KindSaleCenter       Kind = "sale_center"
	KindWorkPlace        Kind = "work_place"
	KindTax              Kind = "tax"
	KindPreparationType  Kind = "preparation_type"
	KindPreparationOrder Kind = "preparation_order"
	KindPaymentMethod    Kind = "payment_method"
	KindProduct          Kind = "product"
	KindBaseFormat       Kind = "base_format"
	KindSaleFormat       Kind = "sale_format"
)

// ErrUnknownKind is returned for kinds the mapper cannot resolve.
var ErrUnknownKind = errors.New("idmap: unknown entity kind")

// Counter selects one of the connection's POS identifier spaces.
type Counter int

const (
	CounterProduct Counter = iota
	CounterFormat
)

func (c Counter) String() string {
	if c == CounterFormat {
		return "last_format_id"
	}
	return "last_product_id"
}

// Mapper resolves and allocates POS identifiers.
type Mapper struct {
	repos   catalog.Repos
	conns   store.Repository[connections.Connection]
	clients connections.ClientFactory
	cache   *cache.Counters
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	group singleflight.Group
}

// NewMapper constructs a Mapper.
func NewMapper(repos catalog.Repos, conns store.Repository[connections.Connection], clients connections.ClientFactory, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{repos: repos, conns: conns, clients: clients, logger: logger, locks: make(map[int64]*sync.Mutex)}
}

// WithCache keeps allocation high-water marks in redis so that two workers
// never hand out the same identifier.
func (m *Mapper) WithCache(c *cache.Counters) *Mapper {
	m.cache = c
	return m
}

// Resolve returns the local id of the record carrying externalID within the
// company. Active records win over archived ones.
func (m *Mapper) Resolve(ctx context.Context, companyID int64, kind Kind, externalID int64) (int64, bool, error) {
	if externalID == 0 {
		return 0, false, nil
	}
	switch kind {
	case KindCategory:
		return lookup(ctx, m.repos.Categories, companyID, "external_id", externalID)
	case KindPricelist:
		return lookup(ctx, m.repos.Pricelists, companyID, "external_id", externalID)
	case KindSaleCenter:
		return lookup(ctx, m.repos.SaleCenters, companyID, "external_id", externalID)
	case KindWorkPlace:
		return lookup(ctx, m.repos.WorkPlaces, companyID, "external_id", externalID)
	case KindTax:
		return lookup(ctx, m.repos.Taxes, companyID, "external_id", externalID)
	case KindPreparationType:
		return lookup(ctx, m.repos.PreparationTypes, companyID, "external_id", externalID)
	case KindPreparationOrder:
		return lookup(ctx, m.repos.PreparationOrders, companyID, "external_id", externalID)
	case KindPaymentMethod:
		return lookup(ctx, m.repos.PaymentMethods, companyID, "external_id", externalID)
	case KindProduct:
		return m.productBy(ctx, companyID, "external_id", externalID)
	case KindBaseFormat:
		return m.productBy(ctx, companyID, "base_format_id", externalID)
	case KindSaleFormat:
		return m.productBy(ctx, companyID, "sale_format_id", externalID)
	}
	return 0, false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// ResolveLine matches a ticket line product, trying the sale-format space
// before the base-format space.
func (m *Mapper) ResolveLine(ctx context.Context, companyID, saleFormatID, baseFormatID int64) (int64, bool, error) {
	id, ok, err := m.Resolve(ctx, companyID, KindSaleFormat, saleFormatID)
	if err != nil || ok {
		return id, ok, err
	}
	return m.Resolve(ctx, companyID, KindBaseFormat, baseFormatID)
}

// ResolveSold matches the product of a ticket line or add-in reference: the
// sale-format id in both format spaces, then the POS product id.
func (m *Mapper) ResolveSold(ctx context.Context, companyID, productID, saleFormatID int64) (int64, bool, error) {
	id, ok, err := m.ResolveLine(ctx, companyID, saleFormatID, saleFormatID)
	if err != nil || ok {
		return id, ok, err
	}
	return m.Resolve(ctx, companyID, KindProduct, productID)
}

func (m *Mapper) productBy(ctx context.Context, companyID int64, field string, externalID int64) (int64, bool, error) {
	sync, err := m.repos.ProductSync.First(ctx, store.Where().
		Company(companyID).
		Eq(field, externalID).
		WithArchived(store.IncludeArchived).
		OrderBy("active", true, false))
	if errors.Is(err, shared.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve product %s=%d: %w", field, externalID, err)
	}
	return sync.ProductID, true, nil
}

func lookup[T any, P interface {
	*T
	store.Entity
}](ctx context.Context, repo store.Repository[T], companyID int64, field string, externalID int64) (int64, bool, error) {
	rec, err := repo.First(ctx, store.Where().
		Company(companyID).
		Eq(field, externalID).
		WithArchived(store.IncludeArchived).
		OrderBy("active", true, false))
	if errors.Is(err, shared.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve %s=%d: %w", field, externalID, err)
	}
	return P(rec).Meta().ID, true, nil
}

// AllocateNew returns the next POS identifier of the given space and
// persists the advanced counter before returning.
func (m *Mapper) AllocateNew(ctx context.Context, conn *connections.Connection, counter Counter) (int64, error) {
	lock := m.connectionLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := m.conns.Get(ctx, conn.ID)
	if err != nil {
		return 0, fmt.Errorf("allocate %s: %w", counter, err)
	}
	current := counterField(fresh, counter)
	if *current == nil {
		return 0, &shared.ConfigurationError{
			Setting: counter.String(),
			Detail:  fmt.Sprintf("connection %q has no counter; refresh counters from the POS first", fresh.Name),
		}
	}
	next := **current + 1
	key := cacheKey(conn.ID, counter)
	if mark, ok, err := m.cache.Get(ctx, key); err != nil {
		m.logger.Warn("counter cache read", slog.String("key", key), slog.Any("error", err))
	} else if ok && mark >= next {
		next = mark + 1
	}
	*current = &next
	if err := m.conns.Update(ctx, fresh); err != nil {
		return 0, fmt.Errorf("allocate %s: persist counter: %w", counter, err)
	}
	if err := m.cache.Set(ctx, key, next); err != nil {
		m.logger.Warn("counter cache write", slog.String("key", key), slog.Any("error", err))
	}
	value := next
	*counterField(conn, counter) = &value
	return next, nil
}

type lastIDs struct {
	LastProductID    int64 `json:"LastProductId"`
	LastSaleFormatID int64 `json:"LastSaleFormatId"`
}

// RefreshCounters overwrites both counters with the POS platform's own
// values. Concurrent refreshes of one connection share a single query.
func (m *Mapper) RefreshCounters(ctx context.Context, conn *connections.Connection) error {
	report, ok := conn.Report(connections.ReportLastIDs)
	if !ok {
		return &shared.ConfigurationError{
			Setting: string(connections.ReportLastIDs),
			Detail:  fmt.Sprintf("connection %q has no last ids report", conn.Name),
		}
	}
	v, err, _ := m.group.Do(strconv.FormatInt(conn.ID, 10), func() (any, error) {
		client, err := m.clients(conn)
		if err != nil {
			return nil, err
		}
		rows, err := client.CustomQuery(ctx, report.GUID, nil)
		if err != nil {
			return nil, err
		}
		var ids lastIDs
		if err := agora.FirstRow(rows, &ids); err != nil {
			return nil, err
		}
		return ids, nil
	})
	if err != nil {
		return fmt.Errorf("refresh counters: %w", err)
	}
	ids := v.(lastIDs)

	lock := m.connectionLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()
	fresh, err := m.conns.Get(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("refresh counters: %w", err)
	}
	product, format := ids.LastProductID, ids.LastSaleFormatID
	fresh.LastProductID = &product
	fresh.LastFormatID = &format
	if err := m.conns.Update(ctx, fresh); err != nil {
		return fmt.Errorf("refresh counters: persist: %w", err)
	}
	for counter, value := range map[Counter]int64{CounterProduct: product, CounterFormat: format} {
		if err := m.cache.Set(ctx, cacheKey(conn.ID, counter), value); err != nil {
			m.logger.Warn("counter cache write", slog.Any("error", err))
		}
	}
	p, f := product, format
	conn.LastProductID = &p
	conn.LastFormatID = &f
	m.logger.Info("counters refreshed",
		slog.Int64("connection_id", conn.ID),
		slog.Int64("last_product_id", product),
		slog.Int64("last_format_id", format))
	return nil
}

func (m *Mapper) connectionLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

func counterField(conn *connections.Connection, counter Counter) **int64 {
	if counter == CounterFormat {
		return &conn.LastFormatID
	}
	return &conn.LastProductID
}

func cacheKey(connectionID int64, counter Counter) string {
	return fmt.Sprintf("%d:%s", connectionID, counter)
}
