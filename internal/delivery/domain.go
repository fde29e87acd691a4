// Package delivery reserves and moves stock for confirmed sale orders.
package delivery

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

const (
	KindDelivery   store.Kind = "delivery"
	KindStockLevel store.Kind = "stock_level"
	KindScrap      store.Kind = "stock_scrap"
)

// ErrInvalidState is returned for a transition the delivery state forbids.
var ErrInvalidState = errors.New("delivery: invalid state")

// State is the lifecycle of a delivery.
type State string

const (
	StateDraft     State = "draft"
	StateConfirmed State = "confirmed"
	StateAssigned  State = "assigned"
	StateDone      State = "done"
	StateCancel    State = "cancel"
	StateReturned  State = "returned"
)

// Open reports whether the delivery still waits for stock or validation.
func (s State) Open() bool {
	return s == StateDraft || s == StateConfirmed || s == StateAssigned
}

// CanConfirm checks if the delivery can be confirmed.
func (s State) CanConfirm() bool { return s == StateDraft }

// CanAssign checks if stock can be reserved for the delivery.
func (s State) CanAssign() bool { return s == StateConfirmed }

// CanValidate checks if the delivery can be completed.
func (s State) CanValidate() bool { return s == StateAssigned }

// Move is one product quantity leaving stock.
type Move struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type Delivery struct {
	store.Record
	OrderID       int64      `json:"order_id"`
	Origin        string     `json:"origin"`
	State         State      `json:"state"`
	Moves         []Move     `json:"moves"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	LastError     string     `json:"last_error"`
	DoneAt        *time.Time `json:"done_at"`
}

// StockLevel tracks on-hand and reserved quantities of one product.
// Products without a tracked level are never short.
type StockLevel struct {
	store.Record
	ProductID int64           `json:"product_id"`
	OnHand    decimal.Decimal `json:"on_hand"`
	Reserved  decimal.Decimal `json:"reserved"`
	Tracked   bool            `json:"tracked"`
}

// Available is the unreserved on-hand quantity.
func (l *StockLevel) Available() decimal.Decimal {
	return l.OnHand.Sub(l.Reserved)
}

// Scrap is a stock write-off, keyed by the POS loss id.
type Scrap struct {
	store.Record
	LossID      int64           `json:"loss_id"`
	ProductID   int64           `json:"product_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	BusinessDay string          `json:"business_day"`
	Reason      string          `json:"reason"`
}
