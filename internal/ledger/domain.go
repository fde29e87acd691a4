// Package ledger holds journals, accounting moves and payments, and posts
// and reconciles them.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

const (
	KindJournal  store.Kind = "journal"
	KindMove     store.Kind = "move"
	KindPayment  store.Kind = "payment"
	KindBatch    store.Kind = "payment_batch"
	KindMapping  store.Kind = "account_mapping"
	KindSequence store.Kind = "sequence"
)

var (
	ErrTooFewLines  = errors.New("ledger: move needs at least two lines")
	ErrUnbalanced   = errors.New("ledger: debit and credit differ")
	ErrInvalidState = errors.New("ledger: invalid state")
)

type JournalType string

const (
	JournalSale    JournalType = "sale"
	JournalBank    JournalType = "bank"
	JournalCash    JournalType = "cash"
	JournalGeneral JournalType = "general"
)

// MethodLine is a payment method enabled on a bank or cash journal.
type MethodLine struct {
	ID                int64  `json:"id"`
	PaymentMethodCode string `json:"payment_method_code"`
}

type Journal struct {
	store.Record
	Code             string       `json:"code"`
	Name             string       `json:"name"`
	Type             JournalType  `json:"type"`
	DefaultAccountID int64        `json:"default_account_id"`
	MethodLines      []MethodLine `json:"method_lines"`
}

// MethodLineFor returns the id of the journal's line for a method code.
func (j *Journal) MethodLineFor(code string) int64 {
	for _, l := range j.MethodLines {
		if l.PaymentMethodCode == code {
			return l.ID
		}
	}
	return 0
}

// ============================================================================
// MOVES
// ============================================================================

type MoveKind string

const (
	MoveInvoice MoveKind = "out_invoice"
	MoveRefund  MoveKind = "out_refund"
	MoveEntry   MoveKind = "entry"
	MovePayment MoveKind = "payment"
)

type MoveState string

const (
	MoveDraft  MoveState = "draft"
	MovePosted MoveState = "posted"
	MoveCancel MoveState = "cancel"
)

type PaymentState string

const (
	NotPaid  PaymentState = "not_paid"
	Partial  PaymentState = "partial"
	Paid     PaymentState = "paid"
	Reversed PaymentState = "reversed"
)

// Line keys. Only receivable lines carry a residual.
const (
	LineReceivable = "receivable"
	LineIncome     = "income"
	LineTax        = "tax"
	LineLiquidity  = "liquidity"
	LineTip        = "tip"
)

// MoveLine is one journal item. Residual is the signed open amount
// (debit positive) still to reconcile.
type MoveLine struct {
	Key        string          `json:"key"`
	AccountID  int64           `json:"account_id"`
	Debit      decimal.Decimal `json:"debit"`
	Credit     decimal.Decimal `json:"credit"`
	Residual   decimal.Decimal `json:"residual"`
	Reconciled bool            `json:"reconciled"`
	ProductID  int64           `json:"product_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Name       string          `json:"name"`
}

// Balance is debit minus credit.
func (l MoveLine) Balance() decimal.Decimal { return l.Debit.Sub(l.Credit) }

type Move struct {
	store.Record
	Name            string       `json:"name"`
	Kind            MoveKind     `json:"kind"`
	State           MoveState    `json:"state"`
	PaymentState    PaymentState `json:"payment_state"`
	JournalID       int64        `json:"journal_id"`
	CustomerID      int64        `json:"customer_id"`
	OrderID         int64        `json:"order_id"`
	Ref             string       `json:"ref"`
	Date            time.Time    `json:"date"`
	SaleCenterID    int64        `json:"sale_center_id"`
	SourceID        string       `json:"source_id"`
	ReversedEntryID int64        `json:"reversed_entry_id"`
	Lines           []MoveLine   `json:"lines"`
}

// Total is the sum of the debit side.
func (m *Move) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range m.Lines {
		total = total.Add(l.Debit)
	}
	return total
}

// Validate checks the move can be posted.
func (m *Move) Validate() error {
	if len(m.Lines) < 2 {
		return ErrTooFewLines
	}
	debit, credit := decimal.Zero, decimal.Zero
	for idx, line := range m.Lines {
		if line.AccountID == 0 {
			return fmt.Errorf("ledger: line %d missing account", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("ledger: line %d negative amount", idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("ledger: line %d cannot be both debit and credit", idx)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Round(2).Equal(credit.Round(2)) {
		return ErrUnbalanced
	}
	return nil
}

// SourceID derives the idempotency key of a document created from an
// external event.
func SourceID(parts ...any) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprint(parts...))).String()
}

// ============================================================================
// PAYMENTS
// ============================================================================

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type PaymentStatus string

const (
	PaymentDraft      PaymentStatus = "draft"
	PaymentPosted     PaymentStatus = "posted"
	PaymentReconciled PaymentStatus = "reconciled"
)

type Payment struct {
	store.Record
	Name          string          `json:"name"`
	Direction     Direction       `json:"direction"`
	CustomerID    int64           `json:"customer_id"`
	Amount        decimal.Decimal `json:"amount"`
	Tip           decimal.Decimal `json:"tip"`
	Date          time.Time       `json:"date"`
	JournalID     int64           `json:"journal_id"`
	MethodCode    string          `json:"method_code"`
	MethodLineID  int64           `json:"method_line_id"`
	MoveID        int64           `json:"move_id"`
	InvoiceMoveID int64           `json:"invoice_move_id"`
	BatchID       int64           `json:"batch_id"`
	State         PaymentStatus   `json:"state"`
	SourceID      string          `json:"source_id"`
}

type BatchState string

const (
	BatchOpen BatchState = "open"
	BatchSent BatchState = "sent"
)

// PaymentBatch groups same-day inbound payments of one method for deposit.
type PaymentBatch struct {
	store.Record
	Name         string          `json:"name"`
	Date         string          `json:"date"`
	MethodCode   string          `json:"method_code"`
	JournalID    int64           `json:"journal_id"`
	MethodLineID int64           `json:"method_line_id"`
	PaymentIDs   []int64         `json:"payment_ids"`
	Amount       decimal.Decimal `json:"amount"`
	State        BatchState      `json:"state"`
}

// Sequence numbers documents per company, prefix and year.
type Sequence struct {
	store.Record
	Prefix string `json:"prefix"`
	Year   int    `json:"year"`
	Next   int64  `json:"next"`
}
