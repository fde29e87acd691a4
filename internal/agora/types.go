package agora

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MasterFilter selects a master-data collection on export-master.
type MasterFilter string

const (
	FilterProducts          MasterFilter = "Products"
	FilterFamilies          MasterFilter = "Families"
	FilterSaleCenters       MasterFilter = "SaleCenters"
	FilterPriceLists        MasterFilter = "PriceLists"
	FilterWorkplaces        MasterFilter = "WorkplacesSummary"
	FilterSeries            MasterFilter = "Series"
	FilterVats              MasterFilter = "Vats"
	FilterPreparationTypes  MasterFilter = "PreparationTypes"
	FilterPreparationOrders MasterFilter = "PreparationOrders"
	FilterPaymentMethods    MasterFilter = "PaymentMethods"
)

// Deletable carries the POS soft-delete marker.
type Deletable struct {
	DeletionDate *string `json:"DeletionDate,omitempty"`
}

// Deleted reports whether the record carries a deletion marker.
func (d Deletable) Deleted() bool {
	return d.DeletionDate != nil && strings.TrimSpace(*d.DeletionDate) != ""
}

type PriceList struct {
	ID   int64  `json:"Id"`
	Name string `json:"Name"`
	Deletable
}

type Vat struct {
	ID            int64           `json:"Id"`
	Name          string          `json:"Name"`
	VatRate       decimal.Decimal `json:"VatRate"`
	SurchargeRate decimal.Decimal `json:"SurchargeRate"`
	Deletable
}

type PreparationType struct {
	ID   int64  `json:"Id"`
	Name string `json:"Name"`
	Deletable
}

type PreparationOrder struct {
	ID    int64  `json:"Id"`
	Name  string `json:"Name"`
	Order int    `json:"Order"`
	Deletable
}

type Workplace struct {
	ID   int64  `json:"Id"`
	Name string `json:"Name"`
	Deletable
}

type SaleLocation struct {
	ID   int64  `json:"Id,omitempty"`
	Name string `json:"Name"`
}

type SaleCenter struct {
	ID            int64          `json:"Id"`
	Name          string         `json:"Name"`
	ButtonText    string         `json:"ButtonText,omitempty"`
	Color         string         `json:"Color,omitempty"`
	PriceListID   int64          `json:"PriceListId,omitempty"`
	VatIncluded   bool           `json:"VatIncluded"`
	SaleLocations []SaleLocation `json:"SaleLocations,omitempty"`
	Deletable
}

type Family struct {
	ID    int64  `json:"Id"`
	Name  string `json:"Name"`
	Color string `json:"Color,omitempty"`
	Deletable
}

type PaymentMethod struct {
	ID   int64  `json:"Id"`
	Name string `json:"Name"`
	Deletable
}

// Price is one price-list entry of a product or sale format.
type Price struct {
	PriceListID   int64           `json:"PriceListId"`
	MainPrice     decimal.Decimal `json:"MainPrice"`
	AddinPrice    decimal.Decimal `json:"AddinPrice"`
	MenuItemPrice decimal.Decimal `json:"MenuItemPrice"`
}

// SaleFormat is an alternate sellable unit of a product.
type SaleFormat struct {
	ID     int64           `json:"Id"`
	Name   string          `json:"Name"`
	Ratio  decimal.Decimal `json:"Ratio"`
	Prices []Price         `json:"Prices,omitempty"`
	Deletable
}

type AddinRef struct {
	ProductID    int64 `json:"ProductId,omitempty"`
	SaleFormatID int64 `json:"SaleFormatId,omitempty"`
}

type AddinRole struct {
	Name      string     `json:"Name,omitempty"`
	MinAddins int        `json:"MinAddins"`
	MaxAddins int        `json:"MaxAddins"`
	Addins    []AddinRef `json:"Addins"`
}

// Product is the POS product record, used for both export and import.
type Product struct {
	ID                     int64           `json:"Id"`
	Name                   string          `json:"Name"`
	FamilyID               int64           `json:"FamilyId,omitempty"`
	VatID                  int64           `json:"VatId,omitempty"`
	PreparationTypeID      int64           `json:"PreparationTypeId,omitempty"`
	PreparationOrderID     int64           `json:"PreparationOrderId,omitempty"`
	Color                  string          `json:"Color,omitempty"`
	ButtonText             string          `json:"ButtonText,omitempty"`
	CostPrice              decimal.Decimal `json:"CostPrice"`
	BaseSaleFormatID       int64           `json:"BaseSaleFormatId"`
	SaleableAsMain         bool            `json:"SaleableAsMain"`
	SaleableAsAddin        bool            `json:"SaleableAsAddin"`
	SoldByWeight           bool            `json:"SoldByWeight"`
	AskForPreparationNotes bool            `json:"AskForPreparationNotes"`
	AskForAddins           bool            `json:"AskForAddins"`
	PrintWhenPriceIsZero   bool            `json:"PrintWhenPriceIsZero"`
	Prices                 []Price         `json:"Prices,omitempty"`
	AdditionalSaleFormats  []SaleFormat    `json:"AdditionalSaleFormats,omitempty"`
	AddinRoles             []AddinRole     `json:"AddinRoles,omitempty"`
	Deletable
}

// ImportPayload is the body of POST /import. Exactly one collection is set.
type ImportPayload struct {
	Products    []Product    `json:"Products,omitempty"`
	PriceLists  []PriceList  `json:"PriceLists,omitempty"`
	SaleCenters []SaleCenter `json:"SaleCenters,omitempty"`
}

// DocumentKind classifies a POS ticket.
type DocumentKind int

const (
	KindUnknown DocumentKind = iota
	KindInvoice
	KindRefund
)

// Document types emitted by the POS.
const (
	DocBasicInvoice    = "BasicInvoice"
	DocStandardInvoice = "StandardInvoice"
	DocBasicRefund     = "BasicRefund"
	DocStandardRefund  = "StandardRefund"
)

// Line types.
const (
	LineStandard   = "Standard"
	LineMenuHeader = "MenuHeader"
	LineMenuItem   = "MenuItem"
	LineLoss       = "Loss"
)

// Customer is the optional fiscal customer of a ticket.
type Customer struct {
	ID         int64  `json:"Id"`
	FiscalName string `json:"FiscalName"`
	FiscalID   string `json:"Cif"`
	Email      string `json:"Email,omitempty"`
}

// Line is one ticket line. Addins are nested under their parent line.
type Line struct {
	Index        int             `json:"Index"`
	Type         string          `json:"Type"`
	ProductID    int64           `json:"ProductId"`
	SaleFormatID int64           `json:"SaleFormatId"`
	ProductName  string          `json:"ProductName"`
	Quantity     decimal.Decimal `json:"Quantity"`
	UnitPrice    decimal.Decimal `json:"UnitPrice"`
	DiscountRate decimal.Decimal `json:"DiscountRate"`
	LossID       int64           `json:"LossId,omitempty"`
	Addins       []Line          `json:"Addins,omitempty"`
}

// IsLoss reports whether the line records a write-off rather than a sale.
func (l Line) IsLoss() bool {
	return l.LossID != 0 || l.Type == LineLoss
}

type InvoiceItem struct {
	SaleCenterID int64  `json:"SaleCenterId"`
	Lines        []Line `json:"Lines"`
}

type Payment struct {
	MethodID   int64           `json:"MethodId"`
	MethodName string          `json:"MethodName"`
	Amount     decimal.Decimal `json:"Amount"`
	Tip        decimal.Decimal `json:"Tip"`
}

type InvoiceRef struct {
	Serie  string `json:"Serie"`
	Number int64  `json:"Number"`
}

type Discounts struct {
	DiscountRate decimal.Decimal `json:"DiscountRate"`
	CashDiscount decimal.Decimal `json:"CashDiscount"`
}

type Totals struct {
	GrossAmount decimal.Decimal `json:"GrossAmount"`
	NetAmount   decimal.Decimal `json:"NetAmount"`
	VatAmount   decimal.Decimal `json:"VatAmount"`
}

// Invoice is a POS ticket as exported by /export.
type Invoice struct {
	Serie          string        `json:"Serie"`
	Number         int64         `json:"Number"`
	DocumentType   string        `json:"DocumentType"`
	BusinessDay    string        `json:"BusinessDay"`
	Date           string        `json:"Date"`
	WorkplaceID    int64         `json:"WorkplaceId,omitempty"`
	Customer       *Customer     `json:"Customer,omitempty"`
	InvoiceItems   []InvoiceItem `json:"InvoiceItems"`
	Payments       []Payment     `json:"Payments"`
	Discounts      Discounts     `json:"Discounts"`
	Totals         Totals        `json:"Totals"`
	RelatedInvoice *InvoiceRef   `json:"RelatedInvoice,omitempty"`
}

// Kind classifies the ticket by document type.
func (inv Invoice) Kind() DocumentKind {
	switch inv.DocumentType {
	case DocBasicInvoice, DocStandardInvoice:
		return KindInvoice
	case DocBasicRefund, DocStandardRefund:
		return KindRefund
	}
	return KindUnknown
}

// Simplified reports whether the ticket is a simplified (basic) document.
func (inv Invoice) Simplified() bool {
	return inv.DocumentType == DocBasicInvoice || inv.DocumentType == DocBasicRefund
}

// Ref renders the ticket identity as SERIE-NUMBER.
func (inv Invoice) Ref() string {
	return fmt.Sprintf("%s-%d", inv.Serie, inv.Number)
}

// SaleCenterID returns the sale center of the first invoice item.
func (inv Invoice) SaleCenterID() int64 {
	for _, item := range inv.InvoiceItems {
		if item.SaleCenterID != 0 {
			return item.SaleCenterID
		}
	}
	return 0
}

// TipTotal sums tips across payments.
func (inv Invoice) TipTotal() decimal.Decimal {
	total := decimal.Zero
	for _, p := range inv.Payments {
		total = total.Add(p.Tip)
	}
	return total
}

// BusinessDate parses BusinessDay.
func (inv Invoice) BusinessDate() (time.Time, error) {
	return ParseDate(inv.BusinessDay)
}

// TicketTime parses Date, falling back to the business day.
func (inv Invoice) TicketTime() (time.Time, error) {
	if inv.Date == "" {
		return inv.BusinessDate()
	}
	return ParseDate(inv.Date)
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", DayLayout}

// DayLayout is the business-day format used in query strings.
const DayLayout = "2006-01-02"

// ParseDate accepts the date shapes the POS emits. Values without a zone
// are read as UTC.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("agora: unparseable date %q", value)
}
