package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// GenericCustomerName names the per-company customer of anonymous tickets.
const GenericCustomerName = "Generic customer"

// Service creates and drives sale orders.
type Service struct {
	repos  Repos
	tx     store.Transactor
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a sales service.
func NewService(repos Repos, tx store.Transactor, logger *slog.Logger) *Service {
	if tx == nil {
		tx = store.NoTx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repos: repos, tx: tx, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Repos exposes the underlying repositories.
func (s *Service) Repos() Repos { return s.repos }

// TicketByRef returns the ticket extension for (serie, number) in company.
func (s *Service) TicketByRef(ctx context.Context, companyID int64, serie string, number int64) (*OrderTicket, error) {
	t, err := s.repos.Tickets.First(ctx, store.Where().
		Company(companyID).
		Eq("serie", serie).
		Eq("number", number).
		WithArchived(store.IncludeArchived))
	if err != nil {
		return nil, fmt.Errorf("ticket %s-%d: %w", serie, number, err)
	}
	return t, nil
}

// CreateOrder stores a draft order with its lines and ticket extension in
// one unit of work. A ticket that already has an order is rejected.
func (s *Service) CreateOrder(ctx context.Context, order *SaleOrder, lines []*OrderLine, ticket *OrderTicket) error {
	if order.CustomerID == 0 {
		return fmt.Errorf("%w: order customer is required", shared.ErrValidation)
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if ticket != nil {
			_, err := s.TicketByRef(ctx, order.CompanyID, ticket.Serie, ticket.Number)
			if err == nil {
				return fmt.Errorf("%w: %s-%d", ErrDuplicateTicket, ticket.Serie, ticket.Number)
			}
			if !errors.Is(err, shared.ErrNotFound) {
				return err
			}
		}
		total := decimal.Zero
		for _, l := range lines {
			total = total.Add(l.Subtotal())
		}
		order.State = OrderDraft
		order.AmountTotal = total
		if err := s.repos.Orders.Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		for _, l := range lines {
			l.CompanyID = order.CompanyID
			l.OrderID = order.ID
			if err := s.repos.Lines.Create(ctx, l); err != nil {
				return fmt.Errorf("create order line %d: %w", l.Index, err)
			}
		}
		if ticket == nil {
			return nil
		}
		ticket.CompanyID = order.CompanyID
		ticket.OrderID = order.ID
		if err := s.repos.Tickets.Create(ctx, ticket); err != nil {
			return fmt.Errorf("create order ticket: %w", err)
		}
		return nil
	})
}

// Confirm moves a draft order to sale. Confirming a confirmed order is a
// no-op.
func (s *Service) Confirm(ctx context.Context, orderID int64) (*SaleOrder, error) {
	order, err := s.repos.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", orderID, err)
	}
	if order.State == OrderSale || order.State == OrderDone {
		return order, nil
	}
	if !order.State.CanConfirm() {
		return nil, fmt.Errorf("%w: confirm %s order %d", ErrInvalidState, order.State, orderID)
	}
	order.State = OrderSale
	if err := s.repos.Orders.Update(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Close marks a confirmed order done once it is fully invoiced.
func (s *Service) Close(ctx context.Context, orderID int64) error {
	order, err := s.repos.Orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("order %d: %w", orderID, err)
	}
	if order.State == OrderDone {
		return nil
	}
	if order.State != OrderSale {
		return fmt.Errorf("%w: close %s order %d", ErrInvalidState, order.State, orderID)
	}
	order.State = OrderDone
	return s.repos.Orders.Update(ctx, order)
}

// Cancel cancels a draft or confirmed order.
func (s *Service) Cancel(ctx context.Context, orderID int64) error {
	order, err := s.repos.Orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("order %d: %w", orderID, err)
	}
	if order.State == OrderCancel {
		return nil
	}
	if !order.State.CanCancel() {
		return fmt.Errorf("%w: cancel %s order %d", ErrInvalidState, order.State, orderID)
	}
	order.State = OrderCancel
	return s.repos.Orders.Update(ctx, order)
}

// Lines returns the order lines in ticket order.
func (s *Service) Lines(ctx context.Context, orderID int64) ([]*OrderLine, error) {
	return s.repos.Lines.Find(ctx, store.Where().Eq("order_id", orderID).OrderBy("index", false, false))
}

// UpdateTicket persists changes to a ticket extension.
func (s *Service) UpdateTicket(ctx context.Context, t *OrderTicket) error {
	return s.repos.Tickets.Update(ctx, t)
}

// MatchCustomer finds the customer of ref by POS id, then by fiscal id,
// and creates it when neither matches.
func (s *Service) MatchCustomer(ctx context.Context, companyID int64, ref CustomerRef) (*Customer, error) {
	if ref.ExternalID != 0 {
		c, err := s.repos.Customers.First(ctx, store.Where().Company(companyID).Eq("external_id", ref.ExternalID))
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
	}
	fiscalID := strings.ToUpper(strings.TrimSpace(ref.FiscalID))
	if fiscalID != "" {
		c, err := s.repos.Customers.First(ctx, store.Where().Company(companyID).Eq("fiscal_id", fiscalID))
		if err == nil {
			if c.ExternalID == 0 && ref.ExternalID != 0 {
				c.ExternalID = ref.ExternalID
				if err := s.repos.Customers.Update(ctx, c); err != nil {
					return nil, err
				}
			}
			return c, nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
	}
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		name = fiscalID
	}
	c := &Customer{Name: name, ExternalID: ref.ExternalID, FiscalID: fiscalID, Email: ref.Email}
	c.CompanyID = companyID
	if err := s.repos.Customers.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	s.logger.Info("customer created", slog.Int64("customer_id", c.ID), slog.Int64("company_id", companyID))
	return c, nil
}

// GenericCustomer returns the company's anonymous customer, creating it on
// first use.
func (s *Service) GenericCustomer(ctx context.Context, companyID int64) (*Customer, error) {
	c, err := s.repos.Customers.First(ctx, store.Where().Company(companyID).Eq("generic", true))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	c = &Customer{Name: GenericCustomerName, Generic: true}
	c.CompanyID = companyID
	if err := s.repos.Customers.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create generic customer: %w", err)
	}
	return c, nil
}

// ProductInUse reports whether any order line references productID. It
// serves as a catalog deletion check.
func (s *Service) ProductInUse(ctx context.Context, companyID, productID int64) (string, bool, error) {
	used, err := store.Exists(ctx, s.repos.Lines, store.Where().
		Company(companyID).
		Eq("product_id", productID).
		WithArchived(store.IncludeArchived))
	if err != nil || !used {
		return "", false, err
	}
	return "used on sale order lines", true, nil
}
