// Package sales holds customers and the sale orders built from POS tickets.
package sales

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

const (
	KindCustomer    store.Kind = "customer"
	KindOrder       store.Kind = "sale_order"
	KindOrderTicket store.Kind = "order_ticket"
	KindOrderLine   store.Kind = "order_line"
)

var (
	// ErrInvalidState is returned for a transition the order state forbids.
	ErrInvalidState = errors.New("sales: invalid order state")
	// ErrDuplicateTicket is returned when a ticket already produced an order.
	ErrDuplicateTicket = errors.New("sales: ticket already has an order")
)

// ============================================================================
// CUSTOMER
// ============================================================================

// Customer is a fiscal customer. Generic marks the per-company fallback used
// for anonymous tickets.
type Customer struct {
	store.Record
	Name       string `json:"name"`
	ExternalID int64  `json:"external_id"`
	FiscalID   string `json:"fiscal_id"`
	Email      string `json:"email"`
	Generic    bool   `json:"generic"`
}

// CustomerRef identifies a customer as the POS sends it.
type CustomerRef struct {
	ExternalID int64
	FiscalID   string
	Name       string
	Email      string
}

// ============================================================================
// SALE ORDER
// ============================================================================

type OrderState string

const (
	OrderDraft  OrderState = "draft"
	OrderSale   OrderState = "sale"
	OrderDone   OrderState = "done"
	OrderCancel OrderState = "cancel"
)

// CanConfirm checks if the order can be confirmed.
func (s OrderState) CanConfirm() bool { return s == OrderDraft }

// CanCancel checks if the order can be cancelled.
func (s OrderState) CanCancel() bool { return s == OrderDraft || s == OrderSale }

type SaleOrder struct {
	store.Record
	Name         string          `json:"name"`
	CustomerID   int64           `json:"customer_id"`
	SaleCenterID int64           `json:"sale_center_id"`
	PricelistID  int64           `json:"pricelist_id"`
	WorkPlaceID  int64           `json:"work_place_id"`
	OrderDate    time.Time       `json:"order_date"`
	BusinessDay  string          `json:"business_day"`
	State        OrderState      `json:"state"`
	AmountTotal  decimal.Decimal `json:"amount_total"`
}

// OrderTicket is the POS-facing extension of a sale order. (Serie, Number)
// is unique per company.
type OrderTicket struct {
	store.Record
	OrderID      int64           `json:"order_id"`
	ConnectionID int64           `json:"connection_id"`
	Serie        string          `json:"serie"`
	Number       int64           `json:"number"`
	DocumentType string          `json:"document_type"`
	TipAmount    decimal.Decimal `json:"tip_amount"`
	TipMoveID    int64           `json:"tip_move_id"`
	InvoiceIDs   []int64         `json:"invoice_ids"`
	DeliveryID   int64           `json:"delivery_id"`
}

// OrderLine is one order line. Add-in lines point at their parent through
// ParentLine, the parent's Index.
type OrderLine struct {
	store.Record
	OrderID      int64           `json:"order_id"`
	ProductID    int64           `json:"product_id"`
	Name         string          `json:"name"`
	Quantity     decimal.Decimal `json:"quantity"`
	PriceUnit    decimal.Decimal `json:"price_unit"`
	Discount     decimal.Decimal `json:"discount"`
	IsAddin      bool            `json:"is_addin"`
	ParentLine   int             `json:"parent_line"`
	IsMenuHeader bool            `json:"is_menu_header"`
	Index        int             `json:"index"`
	LossID       int64           `json:"loss_id"`
}

var hundred = decimal.NewFromInt(100)

// Subtotal is quantity times unit price less the line discount percentage,
// rounded to cents.
func (l *OrderLine) Subtotal() decimal.Decimal {
	gross := l.Quantity.Mul(l.PriceUnit)
	if l.Discount.IsZero() {
		return gross.Round(2)
	}
	return gross.Mul(hundred.Sub(l.Discount)).Div(hundred).Round(2)
}
