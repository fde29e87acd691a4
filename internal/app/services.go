package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/agora-connector/internal/api"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/delivery"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/masterdata"
	"github.com/odyssey-erp/agora-connector/internal/observability"
	"github.com/odyssey-erp/agora-connector/internal/payments"
	"github.com/odyssey-erp/agora-connector/internal/platform/cache"
	"github.com/odyssey-erp/agora-connector/internal/platform/db"
	"github.com/odyssey-erp/agora-connector/internal/pricing"
	"github.com/odyssey-erp/agora-connector/internal/publisher"
	"github.com/odyssey-erp/agora-connector/internal/sales"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
	"github.com/odyssey-erp/agora-connector/internal/tickets"
)

const counterCachePrefix = "agora:counters:"

// Services is the wired object graph shared by the API server and the worker.
type Services struct {
	Connections *connections.Service
	Catalog     *catalog.Service
	Mapper      *idmap.Mapper
	Sync        *masterdata.Synchronizer
	Publisher   *publisher.Publisher
	Engine      *tickets.Engine
	Payments    *payments.Service
	Locker      *shared.Locker
	Audit       *api.AuditLogger

	Pool  *pgxpool.Pool
	Redis *redis.Client
}

type repositories struct {
	conns    store.Repository[connections.Connection]
	logs     store.Repository[tickets.TicketLog]
	audit    store.Repository[api.AuditEntry]
	catalog  catalog.Repos
	sales    sales.Repos
	delivery delivery.Repos
	ledger   ledger.Repos
	tx       store.Transactor
}

// NewServices opens the configured backends and wires every engine.
// Redis is optional: without it the per-connection lock and the counter
// cache are disabled and a warning is logged.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*Services, error) {
	out := &Services{}
	repos, err := out.openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rdb, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, sync locks and counter cache disabled", slog.Any("error", err))
	} else {
		out.Redis = rdb
		out.Locker = shared.NewLocker(rdb, cfg.SyncLockTTL)
	}

	clients := connections.NewClientFactory(cfg.AgoraHTTPTimeout, cfg.AgoraRatePerSecond)
	syncMetrics := metrics.Sync()

	out.Connections = connections.NewService(repos.conns, clients, logger)
	out.Mapper = idmap.NewMapper(repos.catalog, repos.conns, clients, logger)
	if out.Redis != nil {
		out.Mapper.WithCache(cache.NewCounters(out.Redis, counterCachePrefix, cfg.CounterCacheTTL))
	}

	salesSvc := sales.NewService(repos.sales, repos.tx, logger)
	out.Catalog = catalog.NewService(repos.catalog, repos.tx, catalog.ImportModeInteractive, logger).
		WithReferenceCheck(salesSvc.ProductInUse)

	prices := pricing.NewReconciler(repos.catalog.PricelistItems, out.Mapper, logger)
	out.Sync = masterdata.NewSynchronizer(out.Catalog, out.Mapper, prices, clients, repos.tx, logger).
		WithMetrics(syncMetrics)
	out.Publisher = publisher.New(repos.catalog, out.Mapper, clients, repos.tx, logger).
		WithMetrics(syncMetrics)

	poster := ledger.NewPoster(repos.ledger, repos.tx, logger)
	out.Payments = payments.NewService(poster, repos.catalog.PaymentMethods, cfg.CardMethodKeywords, logger)
	out.Engine = tickets.NewEngine(tickets.Deps{
		Logs:     repos.logs,
		Catalog:  repos.catalog,
		Mapper:   out.Mapper,
		Sales:    salesSvc,
		Stock:    delivery.NewService(repos.delivery, repos.tx, logger),
		Poster:   poster,
		Payments: out.Payments,
		Clients:  clients,
	}, logger).WithMetrics(syncMetrics)
	out.Audit = api.NewAuditLogger(repos.audit)
	return out, nil
}

func (s *Services) openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (repositories, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return repositories{
			conns:    store.NewMemory[connections.Connection](connections.Kind),
			logs:     store.NewMemory[tickets.TicketLog](tickets.KindLog),
			audit:    store.NewMemory[api.AuditEntry](api.KindAudit),
			catalog:  catalog.NewMemoryRepos(),
			sales:    sales.NewMemoryRepos(),
			delivery: delivery.NewMemoryRepos(),
			ledger:   ledger.NewMemoryRepos(),
			tx:       store.NoTx,
		}, nil
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		return repositories{}, fmt.Errorf("app: open database: %w", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return repositories{}, err
	}
	s.Pool = pool
	return repositories{
		conns:    store.NewPostgres[connections.Connection](pool, connections.Kind),
		logs:     store.NewPostgres[tickets.TicketLog](pool, tickets.KindLog),
		audit:    store.NewPostgres[api.AuditEntry](pool, api.KindAudit),
		catalog:  catalog.NewPostgresRepos(pool),
		sales:    sales.NewPostgresRepos(pool),
		delivery: delivery.NewPostgresRepos(pool),
		ledger:   ledger.NewPostgresRepos(pool),
		tx:       store.NewTxManager(pool),
	}, nil
}

// APIDeps exposes the services the admin API needs.
func (s *Services) APIDeps() api.Deps {
	return api.Deps{
		Connections: s.Connections,
		Mapper:      s.Mapper,
		Sync:        s.Sync,
		Publisher:   s.Publisher,
		Engine:      s.Engine,
		Payments:    s.Payments,
		Catalog:     s.Catalog,
		Locker:      s.Locker,
		Audit:       s.Audit,
	}
}

// Close releases the database pool and the redis client.
func (s *Services) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
