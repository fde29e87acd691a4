package catalog

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

// Repos bundles the catalog repositories.
type Repos struct {
	Products          store.Repository[Product]
	ProductSync       store.Repository[ProductSync]
	ProductAccounting store.Repository[ProductAccounting]
	BOMLines          store.Repository[BOMLine]
	Categories        store.Repository[Category]
	Pricelists        store.Repository[Pricelist]
	PricelistItems    store.Repository[PricelistItem]
	SaleCenters       store.Repository[SaleCenter]
	SaleLocations     store.Repository[SaleLocation]
	WorkPlaces        store.Repository[WorkPlace]
	Taxes             store.Repository[TaxMapping]
	PreparationTypes  store.Repository[PreparationType]
	PreparationOrders store.Repository[PreparationOrder]
	PaymentMethods    store.Repository[PaymentMethod]
}

// NewMemoryRepos returns repositories backed by process memory.
func NewMemoryRepos() Repos {
	return Repos{
		Products:          store.NewMemory[Product](KindProduct),
		ProductSync:       store.NewMemory[ProductSync](KindProductSync),
		ProductAccounting: store.NewMemory[ProductAccounting](KindProductAccounting),
		BOMLines:          store.NewMemory[BOMLine](KindBOMLine),
		Categories:        store.NewMemory[Category](KindCategory),
		Pricelists:        store.NewMemory[Pricelist](KindPricelist),
		PricelistItems:    store.NewMemory[PricelistItem](KindPricelistItem),
		SaleCenters:       store.NewMemory[SaleCenter](KindSaleCenter),
		SaleLocations:     store.NewMemory[SaleLocation](KindSaleLocation),
		WorkPlaces:        store.NewMemory[WorkPlace](KindWorkPlace),
		Taxes:             store.NewMemory[TaxMapping](KindTax),
		PreparationTypes:  store.NewMemory[PreparationType](KindPreparationType),
		PreparationOrders: store.NewMemory[PreparationOrder](KindPreparationOrder),
		PaymentMethods:    store.NewMemory[PaymentMethod](KindPaymentMethod),
	}
}

// NewPostgresRepos returns repositories backed by the document table.
func NewPostgresRepos(pool *pgxpool.Pool) Repos {
	return Repos{
		Products:          store.NewPostgres[Product](pool, KindProduct),
		ProductSync:       store.NewPostgres[ProductSync](pool, KindProductSync),
		ProductAccounting: store.NewPostgres[ProductAccounting](pool, KindProductAccounting),
		BOMLines:          store.NewPostgres[BOMLine](pool, KindBOMLine),
		Categories:        store.NewPostgres[Category](pool, KindCategory),
		Pricelists:        store.NewPostgres[Pricelist](pool, KindPricelist),
		PricelistItems:    store.NewPostgres[PricelistItem](pool, KindPricelistItem),
		SaleCenters:       store.NewPostgres[SaleCenter](pool, KindSaleCenter),
		SaleLocations:     store.NewPostgres[SaleLocation](pool, KindSaleLocation),
		WorkPlaces:        store.NewPostgres[WorkPlace](pool, KindWorkPlace),
		Taxes:             store.NewPostgres[TaxMapping](pool, KindTax),
		PreparationTypes:  store.NewPostgres[PreparationType](pool, KindPreparationType),
		PreparationOrders: store.NewPostgres[PreparationOrder](pool, KindPreparationOrder),
		PaymentMethods:    store.NewPostgres[PaymentMethod](pool, KindPaymentMethod),
	}
}
