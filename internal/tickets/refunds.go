package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/payments"
)

// ingestRefund reverses the paid invoices of the refunded ticket, pays the
// customer back and cancels or returns the delivery. A refund whose
// invoices are all reversed already is settled with a note. A refund whose
// original order or paid invoice does not exist yet stays pending with no
// side effect and is retried by the next run.
func (e *Engine) ingestRefund(ctx context.Context, conn *connections.Connection, inv agora.Invoice, log *TicketLog) (outcome, string, error) {
	related := inv.RelatedInvoice
	if related == nil {
		return outcomeSkipped, "refund carries no related invoice", nil
	}
	ref := fmt.Sprintf("%s-%d", related.Serie, related.Number)
	order, ticket, err := e.existingOrder(ctx, conn.CompanyID, related.Serie, related.Number)
	if err != nil {
		return 0, "", err
	}
	if order == nil {
		return outcomePending, fmt.Sprintf("original ticket %s not found", ref), nil
	}
	log.OrderID = order.ID

	var (
		eligible []*ledger.Move
		reversed int
	)
	for _, id := range ticket.InvoiceIDs {
		move, err := e.Poster.Repos().Moves.Get(ctx, id)
		if err != nil {
			return 0, "", fmt.Errorf("invoice %d: %w", id, err)
		}
		if move.Kind != ledger.MoveInvoice {
			continue
		}
		_, done, err := e.Poster.ReversalOf(ctx, move.CompanyID, move.ID)
		if err != nil {
			return 0, "", err
		}
		switch {
		case done:
			reversed++
		case reversible(move):
			eligible = append(eligible, move)
		}
	}
	if len(eligible) == 0 {
		if reversed > 0 {
			return outcomeSkipped, fmt.Sprintf("nothing to reverse for %s", ref), nil
		}
		return outcomePending, fmt.Sprintf("no paid invoice for %s yet", ref), nil
	}

	date, err := orderDate(conn, inv)
	if err != nil {
		return 0, "", err
	}
	err = e.Poster.Tx().WithTx(ctx, func(ctx context.Context) error {
		for i, original := range eligible {
			reversal, err := e.Poster.Reverse(ctx, original, date)
			if err != nil {
				return err
			}
			groups, err := e.refundGroups(ctx, inv, original, i == 0)
			if err != nil {
				return err
			}
			if _, err := e.Payments.Register(ctx, conn, reversal, groups, date); err != nil {
				return err
			}
			e.logger.Info("invoice reversed",
				slog.String("ticket", inv.Ref()),
				slog.String("invoice", original.Name),
				slog.String("reversal", reversal.Name))
		}
		if ticket.DeliveryID == 0 {
			return nil
		}
		d, err := e.Stock.Get(ctx, ticket.DeliveryID)
		if err != nil {
			return err
		}
		_, err = e.Stock.Cancel(ctx, d)
		return err
	})
	if err != nil {
		return 0, "", err
	}
	return outcomeRefunded, "", nil
}

// reversible reports whether a move is a posted invoice with payments.
func reversible(m *ledger.Move) bool {
	if m.Kind != ledger.MoveInvoice || m.State != ledger.MovePosted {
		return false
	}
	return m.PaymentState == ledger.Paid || m.PaymentState == ledger.Partial
}

// refundGroups takes the refund ticket's own payments for the first
// reversal, or regenerates the original invoice's payments.
func (e *Engine) refundGroups(ctx context.Context, inv agora.Invoice, original *ledger.Move, first bool) ([]payments.Group, error) {
	if first && len(inv.Payments) > 0 {
		return e.Payments.GroupByMethod(ctx, original.CompanyID, inv.Payments)
	}
	paid, err := e.Payments.PaymentsOf(ctx, original.CompanyID, original.ID)
	if err != nil {
		return nil, err
	}
	var groups []payments.Group
	for _, p := range paid {
		if p.Direction != ledger.Inbound {
			continue
		}
		groups = append(groups, payments.Group{
			Method: p.MethodCode,
			Code:   p.MethodCode,
			Total:  p.Amount,
			Tip:    p.Tip,
		})
	}
	if len(groups) == 0 {
		return nil, errors.New("tickets: original invoice has no payments to refund")
	}
	return groups, nil
}
