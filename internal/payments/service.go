// Package payments turns ticket payments into posted payment records,
// reconciles them with invoices and batches them for bank deposit.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/sales"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// DefaultCardKeywords mark card-type payment methods by display name.
var DefaultCardKeywords = []string{"card", "tarjeta", "visa", "mastercard"}

// Group is the sum of one method's payments on a ticket.
type Group struct {
	Method string
	Code   string
	Total  decimal.Decimal
	Tip    decimal.Decimal
	Card   bool
}

// Service registers payments against invoices.
type Service struct {
	poster   *ledger.Poster
	methods  store.Repository[catalog.PaymentMethod]
	keywords []string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a payment service. Empty keywords fall back to
// DefaultCardKeywords.
func NewService(poster *ledger.Poster, methods store.Repository[catalog.PaymentMethod], keywords []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if len(keywords) == 0 {
		keywords = DefaultCardKeywords
	}
	folded := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			folded = append(folded, cases.Fold().String(k))
		}
	}
	return &Service{
		poster:   poster,
		methods:  methods,
		keywords: folded,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// IsCard reports whether a method display name contains a card keyword.
func (s *Service) IsCard(name string) bool {
	folded := cases.Fold().String(name)
	for _, k := range s.keywords {
		if strings.Contains(folded, k) {
			return true
		}
	}
	return false
}

// GroupByMethod sums ticket payments per method, registering methods seen
// for the first time. Tips stay only on card groups.
func (s *Service) GroupByMethod(ctx context.Context, companyID int64, pays []agora.Payment) ([]Group, error) {
	var groups []Group
	index := make(map[string]int)
	for _, p := range pays {
		name := strings.TrimSpace(p.MethodName)
		if name == "" {
			name = fmt.Sprintf("Method %d", p.MethodID)
		}
		code := catalog.MethodCode(name)
		i, ok := index[code]
		if !ok {
			if err := s.ensureMethod(ctx, companyID, code, name, p.MethodID); err != nil {
				return nil, err
			}
			groups = append(groups, Group{Method: name, Code: code, Total: decimal.Zero, Tip: decimal.Zero, Card: s.IsCard(name)})
			i = len(groups) - 1
			index[code] = i
		}
		groups[i].Total = groups[i].Total.Add(p.Amount)
		if groups[i].Card {
			groups[i].Tip = groups[i].Tip.Add(p.Tip)
		}
	}
	return groups, nil
}

func (s *Service) ensureMethod(ctx context.Context, companyID int64, code, name string, externalID int64) error {
	found, err := store.Exists(ctx, s.methods, store.Where().Company(companyID).Eq("code", code).WithArchived(store.IncludeArchived))
	if err != nil {
		return fmt.Errorf("payment method %q: %w", code, err)
	}
	if found {
		return nil
	}
	method := &catalog.PaymentMethod{ExternalID: externalID, Code: code, Name: name}
	method.CompanyID = companyID
	if err := s.methods.Create(ctx, method); err != nil {
		return fmt.Errorf("register payment method %q: %w", code, err)
	}
	s.logger.Info("payment method registered", slog.Int64("company_id", companyID), slog.String("code", code))
	return nil
}

// Register creates, posts and reconciles one payment per group against the
// receivable of invoice. Refunds produce outbound payments. Registering the
// same invoice twice returns the existing payments.
func (s *Service) Register(ctx context.Context, conn *connections.Connection, invoice *ledger.Move, groups []Group, date time.Time) ([]*ledger.Payment, error) {
	if invoice.State != ledger.MovePosted {
		return nil, fmt.Errorf("%w: invoice %q is not posted", ledger.ErrInvalidState, invoice.Name)
	}
	mapping, err := s.poster.Mapping(ctx, invoice.CompanyID, conn.ID)
	if err != nil {
		return nil, err
	}
	receivable := mapping.ReceivableFor(invoice.SaleCenterID)
	direction := ledger.Inbound
	if invoice.Kind == ledger.MoveRefund {
		direction = ledger.Outbound
	}

	var out []*ledger.Payment
	err = s.poster.Tx().WithTx(ctx, func(ctx context.Context) error {
		for _, g := range groups {
			amount := g.Total.Abs()
			if amount.IsZero() {
				continue
			}
			payment, err := s.register(ctx, mapping, invoice, g, amount, receivable, direction, date)
			if err != nil {
				return err
			}
			out = append(out, payment)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register payments for %q: %w", invoice.Name, err)
	}
	return out, nil
}

func (s *Service) register(ctx context.Context, mapping *ledger.AccountMapping, invoice *ledger.Move, g Group, amount decimal.Decimal, receivable int64, direction ledger.Direction, date time.Time) (*ledger.Payment, error) {
	source := ledger.SourceID("PAYMENT:", invoice.ID, ":", g.Code)
	existing, err := s.poster.Repos().Payments.First(ctx, store.Where().Company(invoice.CompanyID).Eq("source_id", source))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	route, ok := mapping.Method(g.Code)
	if !ok {
		return nil, &shared.ConfigurationError{
			Setting: "account_mapping.methods",
			Detail:  fmt.Sprintf("payment method %q has no journal", g.Method),
		}
	}
	journal, err := s.poster.Journal(ctx, route.JournalID)
	if err != nil {
		return nil, err
	}

	liquidity := ledger.MoveLine{Key: ledger.LineLiquidity, AccountID: route.AccountID, Name: g.Method}
	counterpart := ledger.MoveLine{Key: ledger.LineReceivable, AccountID: receivable, Name: invoice.Name}
	if direction == ledger.Inbound {
		liquidity.Debit, counterpart.Credit = amount, amount
	} else {
		liquidity.Credit, counterpart.Debit = amount, amount
	}
	move := &ledger.Move{
		Kind:         ledger.MovePayment,
		JournalID:    journal.ID,
		CustomerID:   invoice.CustomerID,
		OrderID:      invoice.OrderID,
		Ref:          invoice.Name,
		Date:         date,
		SaleCenterID: invoice.SaleCenterID,
		SourceID:     source,
		Lines:        []ledger.MoveLine{liquidity, counterpart},
	}
	move.CompanyID = invoice.CompanyID
	if err := s.poster.Post(ctx, move); err != nil {
		return nil, err
	}

	payment := &ledger.Payment{
		Name:          move.Name,
		Direction:     direction,
		CustomerID:    invoice.CustomerID,
		Amount:        amount,
		Tip:           g.Tip,
		Date:          date,
		JournalID:     journal.ID,
		MethodCode:    g.Code,
		MethodLineID:  journal.MethodLineFor(g.Code),
		MoveID:        move.ID,
		InvoiceMoveID: invoice.ID,
		State:         ledger.PaymentPosted,
		SourceID:      source,
	}
	payment.CompanyID = invoice.CompanyID
	matched, err := s.poster.Reconcile(ctx, move, invoice)
	if err != nil {
		return nil, err
	}
	if matched.IsPositive() {
		payment.State = ledger.PaymentReconciled
	}
	if err := s.poster.Repos().Payments.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	s.logger.Debug("payment registered",
		slog.String("payment", payment.Name),
		slog.String("invoice", invoice.Name),
		slog.String("amount", amount.String()))
	return payment, nil
}

// RecordTip writes the tip entry of an order: debit the counterpart, credit
// the sale center's tip account. It returns nil when the connection ignores
// tips or the amount is zero.
func (s *Service) RecordTip(ctx context.Context, conn *connections.Connection, order *sales.SaleOrder, amount decimal.Decimal) (*ledger.Move, error) {
	if amount.IsZero() || conn.TipPolicy == connections.TipIgnore {
		return nil, nil
	}
	source := ledger.SourceID("TIP:", order.ID)
	if existing, ok, err := s.poster.BySource(ctx, order.CompanyID, source); err != nil {
		return nil, err
	} else if ok {
		return existing, nil
	}
	mapping, err := s.poster.Mapping(ctx, order.CompanyID, conn.ID)
	if err != nil {
		return nil, err
	}
	tip, ok := mapping.Tip(order.SaleCenterID)
	if !ok {
		return nil, &shared.ConfigurationError{
			Setting: "account_mapping.tips",
			Detail:  fmt.Sprintf("sale center %d has no tip accounts", order.SaleCenterID),
		}
	}
	amount = amount.Abs()
	move := &ledger.Move{
		Kind:         ledger.MoveEntry,
		JournalID:    tip.JournalID,
		CustomerID:   order.CustomerID,
		OrderID:      order.ID,
		Ref:          order.Name,
		Date:         order.OrderDate,
		SaleCenterID: order.SaleCenterID,
		SourceID:     source,
		Lines: []ledger.MoveLine{
			{Key: ledger.LineLiquidity, AccountID: tip.CounterpartAccountID, Debit: amount, Name: "Tip " + order.Name},
			{Key: ledger.LineTip, AccountID: tip.AccountID, Credit: amount, Name: "Tip " + order.Name},
		},
	}
	move.CompanyID = order.CompanyID
	if err := s.poster.Post(ctx, move); err != nil {
		return nil, fmt.Errorf("tip for %q: %w", order.Name, err)
	}
	return move, nil
}

// PaymentsOf lists the payments registered against an invoice.
func (s *Service) PaymentsOf(ctx context.Context, companyID, invoiceID int64) ([]*ledger.Payment, error) {
	return s.poster.Repos().Payments.Find(ctx, store.Where().
		Company(companyID).
		Eq("invoice_move_id", invoiceID).
		OrderBy("id", false, false))
}
