package sales

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

// Repos bundles the sales repositories.
type Repos struct {
	Customers store.Repository[Customer]
	Orders    store.Repository[SaleOrder]
	Tickets   store.Repository[OrderTicket]
	Lines     store.Repository[OrderLine]
}

func NewMemoryRepos() Repos {
	return Repos{
		Customers: store.NewMemory[Customer](KindCustomer),
		Orders:    store.NewMemory[SaleOrder](KindOrder),
		Tickets:   store.NewMemory[OrderTicket](KindOrderTicket),
		Lines:     store.NewMemory[OrderLine](KindOrderLine),
	}
}

func NewPostgresRepos(pool *pgxpool.Pool) Repos {
	return Repos{
		Customers: store.NewPostgres[Customer](pool, KindCustomer),
		Orders:    store.NewPostgres[SaleOrder](pool, KindOrder),
		Tickets:   store.NewPostgres[OrderTicket](pool, KindOrderTicket),
		Lines:     store.NewPostgres[OrderLine](pool, KindOrderLine),
	}
}
