// Package catalog holds the master data shared with the POS: products and
// their formats, categories, pricelists, sale centers and the lookup tables.
package catalog

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

const (
	KindProduct           store.Kind = "product"
	KindProductSync       store.Kind = "product_sync"
	KindProductAccounting store.Kind = "product_accounting"
	KindBOMLine           store.Kind = "bom_line"
	KindCategory          store.Kind = "category"
	KindPricelist         store.Kind = "pricelist"
	KindPricelistItem     store.Kind = "pricelist_item"
	KindSaleCenter        store.Kind = "sale_center"
	KindSaleLocation      store.Kind = "sale_location"
	KindWorkPlace         store.Kind = "work_place"
	KindTax               store.Kind = "tax_mapping"
	KindPreparationType   store.Kind = "preparation_type"
	KindPreparationOrder  store.Kind = "preparation_order"
	KindPaymentMethod     store.Kind = "payment_method"
)

// SyncStatus governs whether a local change must be pushed to the POS.
type SyncStatus string

const (
	StatusNew      SyncStatus = "new"
	StatusModified SyncStatus = "modified"
	StatusDone     SyncStatus = "done"
	StatusError    SyncStatus = "error"
)

// Pending reports whether the record waits for a push.
func (s SyncStatus) Pending() bool {
	return s == StatusNew || s == StatusModified
}

// ImportMode tells services whether writes come from an interactive edit or
// a bulk load. Bulk loads never move sync status.
type ImportMode int

const (
	ImportModeInteractive ImportMode = iota
	ImportModeBulk
)

// AddinRole is a group of add-in products offered with a main product.
type AddinRole struct {
	Name       string  `json:"name"`
	Min        int     `json:"min"`
	Max        int     `json:"max"`
	ProductIDs []int64 `json:"product_ids"`
}

// Product is the canonical sellable item. Formats are products whose
// ParentID points at the base product.
type Product struct {
	store.Record
	Name               string          `json:"name"`
	ParentID           *int64          `json:"parent_id"`
	Ratio              decimal.Decimal `json:"ratio"`
	CategoryID         int64           `json:"category_id"`
	TaxID              int64           `json:"tax_id"`
	PreparationTypeID  int64           `json:"preparation_type_id"`
	PreparationOrderID int64           `json:"preparation_order_id"`
	Color              string          `json:"color"`
	ButtonText         string          `json:"button_text"`
	CostPrice          decimal.Decimal `json:"cost_price"`
	SaleableAsMain     bool            `json:"saleable_as_main"`
	SaleableAsAddin    bool            `json:"saleable_as_addin"`
	SoldByWeight       bool            `json:"sold_by_weight"`
	AskPreparationNote bool            `json:"ask_preparation_notes"`
	AskForAddins       bool            `json:"ask_for_addins"`
	PrintZero          bool            `json:"print_zero"`
	IsMenu             bool            `json:"is_menu"`
	IsDiscount         bool            `json:"is_discount"`
	StockTracked       bool            `json:"stock_tracked"`
	Addins             []AddinRole     `json:"addins"`
}

// IsFormat reports whether the product is a sale format of another product.
func (p *Product) IsFormat() bool {
	return p.ParentID != nil && *p.ParentID != 0
}

// ProductSync is the POS-facing extension of a product.
type ProductSync struct {
	store.Record
	ProductID    int64      `json:"product_id"`
	ConnectionID int64      `json:"connection_id"`
	ExternalID   int64      `json:"external_id"`
	BaseFormatID int64      `json:"base_format_id"`
	SaleFormatID int64      `json:"sale_format_id"`
	Status       SyncStatus `json:"sync_status"`
	EverSynced   bool       `json:"ever_synced"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	LastError    string     `json:"last_error"`
}

// ProductAccounting is the ledger-facing extension of a product.
type ProductAccounting struct {
	store.Record
	ProductID       int64 `json:"product_id"`
	IncomeAccountID int64 `json:"income_account_id"`
	RefundAccountID int64 `json:"refund_account_id"`
}

// BOMLine links a format to the base product it consumes.
type BOMLine struct {
	store.Record
	ProductID   int64           `json:"product_id"`
	ComponentID int64           `json:"component_id"`
	Ratio       decimal.Decimal `json:"ratio"`
}

type Category struct {
	store.Record
	ExternalID int64      `json:"external_id"`
	Name       string     `json:"name"`
	Color      string     `json:"color"`
	SyncStatus SyncStatus `json:"sync_status"`
}

type Pricelist struct {
	store.Record
	ExternalID int64      `json:"external_id"`
	Name       string     `json:"name"`
	SyncStatus SyncStatus `json:"sync_status"`
}

// PricelistItem is one dated price of a product on a pricelist. At most one
// item per (product, pricelist) has a nil DateEnd.
type PricelistItem struct {
	store.Record
	PricelistID   int64           `json:"pricelist_id"`
	ProductID     int64           `json:"product_id"`
	MainPrice     decimal.Decimal `json:"main_price"`
	AddinPrice    decimal.Decimal `json:"addin_price"`
	MenuItemPrice decimal.Decimal `json:"menu_item_price"`
	DateStart     time.Time       `json:"date_start"`
	DateEnd       *time.Time      `json:"date_end"`
}

// Open reports whether the item is the current price.
func (i *PricelistItem) Open() bool { return i.DateEnd == nil }

type SaleCenter struct {
	store.Record
	ExternalID  int64      `json:"external_id"`
	Name        string     `json:"name"`
	ButtonText  string     `json:"button_text"`
	Color       string     `json:"color"`
	PricelistID int64      `json:"pricelist_id"`
	VatIncluded bool       `json:"vat_included"`
	SyncStatus  SyncStatus `json:"sync_status"`
}

type SaleLocation struct {
	store.Record
	SaleCenterID int64  `json:"sale_center_id"`
	ExternalID   int64  `json:"external_id"`
	Name         string `json:"name"`
}

type WorkPlace struct {
	store.Record
	ExternalID int64  `json:"external_id"`
	Name       string `json:"name"`
}

// TaxMapping binds a POS VAT to its rate. Products carry at most one.
type TaxMapping struct {
	store.Record
	ExternalID int64           `json:"external_id"`
	Name       string          `json:"name"`
	Rate       decimal.Decimal `json:"rate"`
	Surcharge  decimal.Decimal `json:"surcharge"`
}

type PreparationType struct {
	store.Record
	ExternalID int64  `json:"external_id"`
	Name       string `json:"name"`
}

type PreparationOrder struct {
	store.Record
	ExternalID int64  `json:"external_id"`
	Name       string `json:"name"`
	Priority   int    `json:"priority"`
}

// PaymentMethod is a POS payment method. Code is the POS method name folded
// for matching; unknown methods are registered on first sight.
type PaymentMethod struct {
	store.Record
	ExternalID int64  `json:"external_id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
}

// MethodCode is the matching key of a POS payment method display name:
// case-folded with runs of whitespace collapsed.
func MethodCode(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}
