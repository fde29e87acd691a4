package ledger

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

// Repos bundles the ledger repositories.
type Repos struct {
	Journals  store.Repository[Journal]
	Moves     store.Repository[Move]
	Payments  store.Repository[Payment]
	Batches   store.Repository[PaymentBatch]
	Mappings  store.Repository[AccountMapping]
	Sequences store.Repository[Sequence]
}

func NewMemoryRepos() Repos {
	return Repos{
		Journals:  store.NewMemory[Journal](KindJournal),
		Moves:     store.NewMemory[Move](KindMove),
		Payments:  store.NewMemory[Payment](KindPayment),
		Batches:   store.NewMemory[PaymentBatch](KindBatch),
		Mappings:  store.NewMemory[AccountMapping](KindMapping),
		Sequences: store.NewMemory[Sequence](KindSequence),
	}
}

func NewPostgresRepos(pool *pgxpool.Pool) Repos {
	return Repos{
		Journals:  store.NewPostgres[Journal](pool, KindJournal),
		Moves:     store.NewPostgres[Move](pool, KindMove),
		Payments:  store.NewPostgres[Payment](pool, KindPayment),
		Batches:   store.NewPostgres[PaymentBatch](pool, KindBatch),
		Mappings:  store.NewPostgres[AccountMapping](pool, KindMapping),
		Sequences: store.NewPostgres[Sequence](pool, KindSequence),
	}
}
