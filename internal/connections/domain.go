package connections

import (
	"time"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

// Kind is the store kind of Connection records.
const Kind store.Kind = "connection"

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

// SaleFlow tells the ingestion engine how far to drive an order.
type SaleFlow string

const (
	FlowQuotation    SaleFlow = "quotation"
	FlowConfirmed    SaleFlow = "confirmed"
	FlowPicking      SaleFlow = "picking"
	FlowDraftInvoice SaleFlow = "draft_invoice"
	FlowInvoice      SaleFlow = "invoice"
	FlowPayment      SaleFlow = "payment"
)

var flowOrder = map[SaleFlow]int{
	FlowQuotation:    0,
	FlowConfirmed:    1,
	FlowPicking:      2,
	FlowDraftInvoice: 3,
	FlowInvoice:      4,
	FlowPayment:      5,
}

// Reaches reports whether the policy drives orders at least up to step.
func (f SaleFlow) Reaches(step SaleFlow) bool {
	return flowOrder[f] >= flowOrder[step]
}

// TipPolicy controls the tip ledger entry.
type TipPolicy string

const (
	TipLedger TipPolicy = "ledger"
	TipIgnore TipPolicy = "ignore"
)

// DatePolicy selects which ticket date stamps orders and invoices.
type DatePolicy string

const (
	DateBusinessDay DatePolicy = "business_day"
	DateTicket      DatePolicy = "ticket_date"
)

// ReportType identifies a custom query configured on the POS side.
type ReportType string

const (
	ReportLastIDs ReportType = "last_ids"
	ReportLoss    ReportType = "loss"
)

// ReportConfig binds a report type to its query GUID.
type ReportConfig struct {
	Type ReportType `json:"type" validate:"oneof=last_ids loss"`
	GUID string     `json:"guid" validate:"required"`
}

// Connection is one POS instance configured for a company.
type Connection struct {
	store.Record
	Name          string     `json:"name" validate:"required"`
	BaseURL       string     `json:"base_url" validate:"required,url"`
	APIToken      string     `json:"api_token" validate:"required"`
	State         State      `json:"state" validate:"oneof=disconnected connected"`
	LastProductID *int64     `json:"last_product_id"`
	LastFormatID  *int64     `json:"last_format_id"`
	SaleFlow      SaleFlow   `json:"sale_flow" validate:"oneof=quotation confirmed picking draft_invoice invoice payment"`
	TipPolicy     TipPolicy  `json:"tip_policy" validate:"oneof=ledger ignore"`
	DatePolicy    DatePolicy `json:"date_policy" validate:"oneof=business_day ticket_date"`

	// PreservePriceHistory defaults to true when unset.
	PreservePriceHistory *bool `json:"preserve_price_history"`
	// Deprecated: LegacySilentPull downgrades failed master pulls to warnings.
	LegacySilentPull bool `json:"legacy_silent_pull"`

	DefaultCustomerID int64          `json:"default_customer_id"`
	MenuProductID     int64          `json:"menu_product_id"`
	DiscountProductID int64          `json:"discount_product_id"`
	Reports           []ReportConfig `json:"reports" validate:"dive"`

	LastConnection *time.Time `json:"last_connection"`
	StatusMessage  string     `json:"status_message"`
}

// Connected reports whether the connection is live.
func (c *Connection) Connected() bool {
	return c != nil && c.Active && c.State == StateConnected
}

// PreservesPriceHistory reports whether price changes version pricelist
// items instead of overwriting them.
func (c *Connection) PreservesPriceHistory() bool {
	return c.PreservePriceHistory == nil || *c.PreservePriceHistory
}

// Report returns the configured report of type t.
func (c *Connection) Report(t ReportType) (ReportConfig, bool) {
	for _, r := range c.Reports {
		if r.Type == t {
			return r, true
		}
	}
	return ReportConfig{}, false
}

// applyDefaults fills empty policy fields.
func (c *Connection) applyDefaults() {
	if c.State == "" {
		c.State = StateDisconnected
	}
	if c.SaleFlow == "" {
		c.SaleFlow = FlowQuotation
	}
	if c.TipPolicy == "" {
		c.TipPolicy = TipLedger
	}
	if c.DatePolicy == "" {
		c.DatePolicy = DateBusinessDay
	}
}
