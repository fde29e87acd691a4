package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/shared"
)

var hundred = decimal.NewFromInt(100)

// InvoiceLine is one sold line. PriceUnit is tax included when the invoice
// says so.
type InvoiceLine struct {
	ProductID int64
	Name      string
	Quantity  decimal.Decimal
	PriceUnit decimal.Decimal
	Discount  decimal.Decimal
	TaxRate   decimal.Decimal
	AccountID int64
}

// InvoiceInput carries the identity and lines of a customer invoice or
// refund.
type InvoiceInput struct {
	CompanyID           int64
	Kind                MoveKind
	Name                string
	Ref                 string
	Date                time.Time
	JournalID           int64
	CustomerID          int64
	OrderID             int64
	SaleCenterID        int64
	SourceID            string
	ReceivableAccountID int64
	IncomeAccountID     int64
	TaxAccountID        int64
	TaxIncluded         bool
	Lines               []InvoiceLine
}

// NewInvoice builds a draft invoice: one income line per sold line, one
// tax line per rate and the receivable for the total. Refunds mirror the
// sides.
func NewInvoice(in InvoiceInput) (*Move, error) {
	if in.ReceivableAccountID == 0 {
		return nil, &shared.ConfigurationError{Setting: "receivable_account_id", Detail: "no receivable account configured"}
	}
	kind := in.Kind
	if kind == "" {
		kind = MoveInvoice
	}
	move := &Move{
		Name:         in.Name,
		Kind:         kind,
		State:        MoveDraft,
		JournalID:    in.JournalID,
		CustomerID:   in.CustomerID,
		OrderID:      in.OrderID,
		Ref:          in.Ref,
		Date:         in.Date,
		SaleCenterID: in.SaleCenterID,
		SourceID:     in.SourceID,
	}
	move.CompanyID = in.CompanyID

	total := decimal.Zero
	taxes := make(map[string]decimal.Decimal)
	var rates []string
	for _, l := range in.Lines {
		gross := l.Quantity.Mul(l.PriceUnit).Mul(hundred.Sub(l.Discount)).Div(hundred).Round(2)
		if gross.IsZero() {
			continue
		}
		net, tax := splitTax(gross, l.TaxRate, in.TaxIncluded)
		account := l.AccountID
		if account == 0 {
			account = in.IncomeAccountID
		}
		if account == 0 {
			return nil, &shared.ConfigurationError{Setting: "income_account_id", Detail: fmt.Sprintf("no income account for %q", l.Name)}
		}
		move.Lines = append(move.Lines, side(MoveLine{
			Key:       LineIncome,
			AccountID: account,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			Name:      l.Name,
		}, net.Neg()))
		if !tax.IsZero() {
			key := l.TaxRate.String()
			if _, ok := taxes[key]; !ok {
				rates = append(rates, key)
			}
			taxes[key] = taxes[key].Add(tax)
		}
		total = total.Add(net).Add(tax)
	}
	for _, rate := range rates {
		if in.TaxAccountID == 0 {
			return nil, &shared.ConfigurationError{Setting: "tax_account_id", Detail: "taxed lines need a tax account"}
		}
		move.Lines = append(move.Lines, side(MoveLine{
			Key:       LineTax,
			AccountID: in.TaxAccountID,
			Name:      "VAT " + rate + "%",
		}, taxes[rate].Neg()))
	}
	move.Lines = append(move.Lines, side(MoveLine{
		Key:       LineReceivable,
		AccountID: in.ReceivableAccountID,
		Name:      in.Name,
	}, total))
	if kind == MoveRefund {
		move.Lines = reverseLines(move.Lines)
	}
	return move, nil
}

// splitTax returns the net and tax parts of amount.
func splitTax(amount, rate decimal.Decimal, included bool) (decimal.Decimal, decimal.Decimal) {
	if rate.IsZero() {
		return amount, decimal.Zero
	}
	if included {
		net := amount.Mul(hundred).Div(hundred.Add(rate)).Round(2)
		return net, amount.Sub(net)
	}
	return amount, amount.Mul(rate).Div(hundred).Round(2)
}

// side puts a signed balance on the debit or credit side of l.
func side(l MoveLine, balance decimal.Decimal) MoveLine {
	if balance.IsNegative() {
		l.Credit = balance.Neg()
		l.Debit = decimal.Zero
	} else {
		l.Debit = balance
		l.Credit = decimal.Zero
	}
	return l
}
