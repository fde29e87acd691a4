package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/delivery"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/sales"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

var hundred = decimal.NewFromInt(100)

// ingestInvoice creates the order of an invoice-kind ticket, or resumes
// the flow of an order created by an earlier run.
func (e *Engine) ingestInvoice(ctx context.Context, conn *connections.Connection, inv agora.Invoice, log *TicketLog) (outcome, error) {
	out := outcomeCreated
	order, ticket, err := e.existingOrder(ctx, conn.CompanyID, inv.Serie, inv.Number)
	if err != nil {
		return 0, err
	}
	if order != nil {
		out = outcomeResumed
	} else {
		order, ticket, err = e.createOrder(ctx, conn, inv)
		if err != nil {
			return 0, err
		}
	}
	log.OrderID = order.ID
	if err := e.drive(ctx, conn, inv, order, ticket); err != nil {
		return 0, fmt.Errorf("order %s: %w", order.Name, err)
	}
	return out, nil
}

func (e *Engine) existingOrder(ctx context.Context, companyID int64, serie string, number int64) (*sales.SaleOrder, *sales.OrderTicket, error) {
	ticket, err := e.Sales.TicketByRef(ctx, companyID, serie, number)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	order, err := e.Sales.Repos().Orders.Get(ctx, ticket.OrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("order of ticket %s-%d: %w", serie, number, err)
	}
	return order, ticket, nil
}

func (e *Engine) createOrder(ctx context.Context, conn *connections.Connection, inv agora.Invoice) (*sales.SaleOrder, *sales.OrderTicket, error) {
	lines, err := e.buildLines(ctx, conn, inv)
	if err != nil {
		return nil, nil, err
	}
	customerID, err := e.customerFor(ctx, conn, inv)
	if err != nil {
		return nil, nil, err
	}
	date, err := orderDate(conn, inv)
	if err != nil {
		return nil, nil, err
	}
	order := &sales.SaleOrder{
		Name:        inv.Ref(),
		CustomerID:  customerID,
		OrderDate:   date,
		BusinessDay: inv.BusinessDay,
	}
	order.CompanyID = conn.CompanyID
	if err := e.placeOrder(ctx, order, inv); err != nil {
		return nil, nil, err
	}
	ticket := &sales.OrderTicket{
		ConnectionID: conn.ID,
		Serie:        inv.Serie,
		Number:       inv.Number,
		DocumentType: inv.DocumentType,
		TipAmount:    inv.TipTotal(),
	}
	if err := e.Sales.CreateOrder(ctx, order, lines, ticket); err != nil {
		return nil, nil, err
	}
	e.logger.Debug("order created",
		slog.String("ticket", inv.Ref()),
		slog.Int64("order_id", order.ID),
		slog.Int("lines", len(lines)))
	return order, ticket, nil
}

// placeOrder resolves the sale center, its pricelist and the work place.
func (e *Engine) placeOrder(ctx context.Context, order *sales.SaleOrder, inv agora.Invoice) error {
	centerID, ok, err := e.Mapper.Resolve(ctx, order.CompanyID, idmap.KindSaleCenter, inv.SaleCenterID())
	if err != nil {
		return err
	}
	if ok {
		order.SaleCenterID = centerID
		center, err := e.Catalog.SaleCenters.Get(ctx, centerID)
		if err != nil {
			return fmt.Errorf("sale center %d: %w", centerID, err)
		}
		order.PricelistID = center.PricelistID
	}
	placeID, _, err := e.Mapper.Resolve(ctx, order.CompanyID, idmap.KindWorkPlace, inv.WorkplaceID)
	if err != nil {
		return err
	}
	order.WorkPlaceID = placeID
	return nil
}

// customerFor matches the ticket customer or falls back to the connection
// default, then to the company's generic customer.
func (e *Engine) customerFor(ctx context.Context, conn *connections.Connection, inv agora.Invoice) (int64, error) {
	if c := inv.Customer; c != nil && (c.ID != 0 || strings.TrimSpace(c.FiscalID) != "") {
		customer, err := e.Sales.MatchCustomer(ctx, conn.CompanyID, sales.CustomerRef{
			ExternalID: c.ID,
			FiscalID:   c.FiscalID,
			Name:       c.FiscalName,
			Email:      c.Email,
		})
		if err != nil {
			return 0, err
		}
		return customer.ID, nil
	}
	if conn.DefaultCustomerID != 0 {
		return conn.DefaultCustomerID, nil
	}
	customer, err := e.Sales.GenericCustomer(ctx, conn.CompanyID)
	if err != nil {
		return 0, err
	}
	return customer.ID, nil
}

// lineBuilder flattens ticket lines into order lines.
type lineBuilder struct {
	e          *Engine
	conn       *connections.Connection
	rate       decimal.Decimal
	lines      []*sales.OrderLine
	unresolved []string
}

// buildLines resolves every ticket line. A single unresolved product
// aborts the ticket with a ResolutionError naming all of them.
func (e *Engine) buildLines(ctx context.Context, conn *connections.Connection, inv agora.Invoice) ([]*sales.OrderLine, error) {
	b := &lineBuilder{e: e, conn: conn, rate: inv.Discounts.DiscountRate}
	for _, item := range inv.InvoiceItems {
		for _, l := range item.Lines {
			if err := b.add(ctx, l, nil); err != nil {
				return nil, err
			}
		}
	}
	if len(b.unresolved) > 0 {
		return nil, &shared.ResolutionError{Kind: "product", Names: b.unresolved}
	}
	if cash := inv.Discounts.CashDiscount; !cash.IsZero() {
		if conn.DiscountProductID == 0 {
			return nil, &shared.ConfigurationError{
				Setting: "discount_product_id",
				Detail:  fmt.Sprintf("ticket %s has a cash discount and no discount product is configured", inv.Ref()),
			}
		}
		b.lines = append(b.lines, &sales.OrderLine{
			ProductID: conn.DiscountProductID,
			Name:      "Cash discount",
			Quantity:  decimal.NewFromInt(1),
			PriceUnit: cash.Abs().Neg(),
			Index:     len(b.lines) + 1,
		})
	}
	return b.lines, nil
}

func (b *lineBuilder) add(ctx context.Context, l agora.Line, parent *sales.OrderLine) error {
	line := &sales.OrderLine{
		Name:      l.ProductName,
		Quantity:  l.Quantity,
		PriceUnit: l.UnitPrice,
		Discount:  combineDiscounts(l.DiscountRate, b.rate),
		LossID:    l.LossID,
		Index:     len(b.lines) + 1,
	}
	switch {
	case l.Type == agora.LineMenuHeader:
		if b.conn.MenuProductID == 0 {
			return &shared.ConfigurationError{
				Setting: "menu_product_id",
				Detail:  fmt.Sprintf("menu line %q needs a menu product", l.ProductName),
			}
		}
		line.ProductID = b.conn.MenuProductID
		line.IsMenuHeader = true
	default:
		id, ok, err := b.e.Mapper.ResolveSold(ctx, b.conn.CompanyID, l.ProductID, l.SaleFormatID)
		if err != nil {
			return err
		}
		if !ok {
			name := l.ProductName
			if name == "" {
				name = fmt.Sprintf("format %d", l.SaleFormatID)
			}
			b.unresolved = append(b.unresolved, name)
		}
		line.ProductID = id
	}
	if parent != nil {
		line.IsAddin = true
		line.ParentLine = parent.Index
		line.Quantity = parent.Quantity
		line.PriceUnit = decimal.Zero
	}
	if l.IsLoss() {
		line.PriceUnit = decimal.Zero
	}
	b.lines = append(b.lines, line)
	for _, addin := range l.Addins {
		if err := b.add(ctx, addin, line); err != nil {
			return err
		}
	}
	return nil
}

// combineDiscounts stacks a line discount and a ticket discount, both in
// percent.
func combineDiscounts(line, ticket decimal.Decimal) decimal.Decimal {
	switch {
	case ticket.IsZero():
		return line
	case line.IsZero():
		return ticket
	}
	kept := hundred.Sub(line).Mul(hundred.Sub(ticket)).Div(hundred)
	return hundred.Sub(kept)
}

// ============================================================================
// FLOW
// ============================================================================

// drive takes the order as far as the connection's sales flow asks. Every
// step is idempotent so a failed run can resume.
func (e *Engine) drive(ctx context.Context, conn *connections.Connection, inv agora.Invoice, order *sales.SaleOrder, ticket *sales.OrderTicket) error {
	flow := conn.SaleFlow
	if !flow.Reaches(connections.FlowConfirmed) {
		return nil
	}
	confirmed, err := e.Sales.Confirm(ctx, order.ID)
	if err != nil {
		return err
	}
	*order = *confirmed

	lines, err := e.Sales.Lines(ctx, order.ID)
	if err != nil {
		return err
	}
	if flow.Reaches(connections.FlowPicking) {
		if err := e.fulfil(ctx, order, ticket, lines); err != nil {
			return err
		}
	}
	if !flow.Reaches(connections.FlowDraftInvoice) {
		return nil
	}
	invoice, err := e.invoice(ctx, conn, inv, order, ticket, lines)
	if err != nil {
		return err
	}
	if invoice == nil || !flow.Reaches(connections.FlowInvoice) {
		return nil
	}
	if err := e.Poster.Post(ctx, invoice); err != nil {
		return err
	}
	if err := e.Sales.Close(ctx, order.ID); err != nil {
		return err
	}
	if !flow.Reaches(connections.FlowPayment) {
		return nil
	}
	groups, err := e.Payments.GroupByMethod(ctx, order.CompanyID, inv.Payments)
	if err != nil {
		return err
	}
	if _, err := e.Payments.Register(ctx, conn, invoice, groups, order.OrderDate); err != nil {
		return err
	}
	if ticket.TipMoveID == 0 && !ticket.TipAmount.IsZero() {
		tip, err := e.Payments.RecordTip(ctx, conn, order, ticket.TipAmount)
		if err != nil {
			return err
		}
		if tip != nil {
			ticket.TipMoveID = tip.ID
			return e.Sales.UpdateTicket(ctx, ticket)
		}
	}
	return nil
}

// fulfil creates the order's delivery once and drives it. Short stock
// leaves it pending for the retry sweep.
func (e *Engine) fulfil(ctx context.Context, order *sales.SaleOrder, ticket *sales.OrderTicket, lines []*sales.OrderLine) error {
	var d *delivery.Delivery
	if ticket.DeliveryID != 0 {
		existing, err := e.Stock.Get(ctx, ticket.DeliveryID)
		if err != nil {
			return err
		}
		d = existing
	} else {
		moves := make([]delivery.Move, 0, len(lines))
		for _, l := range lines {
			if l.IsMenuHeader || l.ProductID == 0 || l.PriceUnit.IsNegative() {
				continue
			}
			moves = append(moves, delivery.Move{ProductID: l.ProductID, Quantity: l.Quantity})
		}
		created, err := e.Stock.Create(ctx, order.CompanyID, order.ID, order.Name, moves)
		if err != nil {
			return err
		}
		d = created
		ticket.DeliveryID = d.ID
		if err := e.Sales.UpdateTicket(ctx, ticket); err != nil {
			return err
		}
	}
	if !d.State.Open() {
		return nil
	}
	done, err := e.Stock.Fulfil(ctx, d)
	if err != nil {
		return err
	}
	if !done {
		e.logger.Info("fulfillment pending",
			slog.String("order", order.Name),
			slog.Int64("delivery_id", d.ID),
			slog.String("reason", d.LastError))
	}
	return nil
}

// invoice returns the ticket's invoice, drafting it on first call. An
// order with nothing to invoice yields nil.
func (e *Engine) invoice(ctx context.Context, conn *connections.Connection, inv agora.Invoice, order *sales.SaleOrder, ticket *sales.OrderTicket, lines []*sales.OrderLine) (*ledger.Move, error) {
	source := ledger.SourceID("INVOICE:", order.CompanyID, ":", inv.Serie, ":", inv.Number)
	if existing, ok, err := e.Poster.BySource(ctx, order.CompanyID, source); err != nil {
		return nil, err
	} else if ok {
		return existing, nil
	}
	if order.AmountTotal.IsZero() {
		e.logger.Info("nothing to invoice", slog.String("order", order.Name))
		return nil, nil
	}
	move, err := e.buildInvoice(ctx, conn, inv, order, lines)
	if err != nil {
		return nil, err
	}
	move.SourceID = source
	if err := e.Poster.Draft(ctx, move); err != nil {
		return nil, err
	}
	ticket.InvoiceIDs = append(ticket.InvoiceIDs, move.ID)
	if err := e.Sales.UpdateTicket(ctx, ticket); err != nil {
		return nil, err
	}
	return move, nil
}

// buildInvoice maps order lines onto a ledger invoice using the
// connection's account mapping and the products' taxes.
func (e *Engine) buildInvoice(ctx context.Context, conn *connections.Connection, inv agora.Invoice, order *sales.SaleOrder, lines []*sales.OrderLine) (*ledger.Move, error) {
	mapping, err := e.Poster.Mapping(ctx, order.CompanyID, conn.ID)
	if err != nil {
		return nil, err
	}
	taxIncluded := true
	if order.SaleCenterID != 0 {
		center, err := e.Catalog.SaleCenters.Get(ctx, order.SaleCenterID)
		if err != nil {
			return nil, fmt.Errorf("sale center %d: %w", order.SaleCenterID, err)
		}
		taxIncluded = center.VatIncluded
	}
	in := ledger.InvoiceInput{
		CompanyID:           order.CompanyID,
		Kind:                ledger.MoveInvoice,
		Name:                inv.Ref(),
		Ref:                 order.Name,
		Date:                order.OrderDate,
		JournalID:           mapping.JournalFor(inv.Simplified()),
		CustomerID:          order.CustomerID,
		OrderID:             order.ID,
		SaleCenterID:        order.SaleCenterID,
		ReceivableAccountID: mapping.ReceivableFor(order.SaleCenterID),
		IncomeAccountID:     mapping.IncomeAccountID,
		TaxAccountID:        mapping.TaxAccountID,
		TaxIncluded:         taxIncluded,
	}
	for _, l := range lines {
		rate, account, err := e.productTerms(ctx, l.ProductID)
		if err != nil {
			return nil, err
		}
		in.Lines = append(in.Lines, ledger.InvoiceLine{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			PriceUnit: l.PriceUnit,
			Discount:  l.Discount,
			TaxRate:   rate,
			AccountID: account,
		})
	}
	return ledger.NewInvoice(in)
}

// productTerms returns the tax rate and income account of a product.
func (e *Engine) productTerms(ctx context.Context, productID int64) (decimal.Decimal, int64, error) {
	rate := decimal.Zero
	if productID == 0 {
		return rate, 0, nil
	}
	product, err := e.Catalog.Products.Get(ctx, productID)
	if errors.Is(err, shared.ErrNotFound) {
		return rate, 0, nil
	}
	if err != nil {
		return rate, 0, err
	}
	if product.TaxID != 0 {
		tax, err := e.Catalog.Taxes.Get(ctx, product.TaxID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return rate, 0, err
		}
		if tax != nil {
			rate = tax.Rate
		}
	}
	acct, err := e.Catalog.ProductAccounting.First(ctx, store.Where().Eq("product_id", productID))
	if errors.Is(err, shared.ErrNotFound) {
		return rate, 0, nil
	}
	if err != nil {
		return rate, 0, err
	}
	return rate, acct.IncomeAccountID, nil
}
