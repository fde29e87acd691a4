// Package tickets ingests POS tickets into sale orders and drives them as
// far as the connection's sales flow asks: confirmation, fulfillment,
// invoicing and payment. Refund tickets reverse the original invoices.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/delivery"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/observability"
	"github.com/odyssey-erp/agora-connector/internal/payments"
	"github.com/odyssey-erp/agora-connector/internal/sales"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

const metricsOperation = "orders_import"

var (
	// ErrFutureDate rejects downloads for a business day that has not
	// started yet.
	ErrFutureDate = fmt.Errorf("%w: business day is in the future", shared.ErrValidation)
	// ErrUnsupportedDocument marks tickets of an unknown document type.
	ErrUnsupportedDocument = errors.New("tickets: unsupported document type")
)

// Deps are the collaborators of the engine.
type Deps struct {
	Logs     store.Repository[TicketLog]
	Catalog  catalog.Repos
	Mapper   *idmap.Mapper
	Sales    *sales.Service
	Stock    *delivery.Service
	Poster   *ledger.Poster
	Payments *payments.Service
	Clients  connections.ClientFactory
}

// Engine is the sales order ingestion engine.
type Engine struct {
	Deps
	metrics *observability.SyncMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Deps: deps, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithMetrics enables sync counters.
func (e *Engine) WithMetrics(m *observability.SyncMetrics) *Engine {
	e.metrics = m
	return e
}

// WithNow overrides the clock.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// TicketError is the diagnostic of one failed ticket.
type TicketError struct {
	Ticket  string `json:"ticket"`
	Message string `json:"message"`
}

// Report summarizes one IngestDay run.
type Report struct {
	RunID       string        `json:"run_id"`
	BusinessDay string        `json:"business_day"`
	Tickets     int           `json:"tickets"`
	Created     int           `json:"created"`
	Resumed     int           `json:"resumed"`
	Refunded    int           `json:"refunded"`
	Duplicates  int           `json:"duplicates"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Errors      []TicketError `json:"errors,omitempty"`
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeResumed
	outcomeRefunded
	outcomeDuplicate
	outcomeSkipped
	// outcomePending leaves the log open so a later run retries the ticket.
	outcomePending
)

// IngestDay downloads the tickets of businessDay and processes each one in
// isolation. Failures are recorded on the ticket log and the loop goes on;
// only a failed download aborts the run.
func (e *Engine) IngestDay(ctx context.Context, conn *connections.Connection, businessDay time.Time) (Report, error) {
	day := truncateDay(businessDay)
	rep := Report{RunID: uuid.NewString(), BusinessDay: day.Format(agora.DayLayout)}
	if day.After(truncateDay(e.now())) {
		return rep, ErrFutureDate
	}
	logger := e.logger.With(
		slog.String("run_id", rep.RunID),
		slog.Int64("connection_id", conn.ID),
		slog.String("business_day", rep.BusinessDay))

	client, err := e.Clients(conn)
	if err != nil {
		return rep, fmt.Errorf("orders import: %w", err)
	}
	invoices, err := client.ExportInvoices(ctx, day)
	if err != nil {
		e.metrics.Failure(metricsOperation, "download")
		logger.Error("orders download failed", slog.Any("error", err))
		return rep, fmt.Errorf("orders import: %w", err)
	}
	rep.Tickets = len(invoices)
	slices.SortStableFunc(invoices, func(a, b agora.Invoice) int {
		return kindRank(a) - kindRank(b)
	})

	for _, inv := range invoices {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, err := e.ingest(ctx, conn, inv)
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, TicketError{Ticket: inv.Ref(), Message: err.Error()})
			e.metrics.Failure(metricsOperation, "tickets")
			logger.Warn("ticket failed", slog.String("ticket", inv.Ref()), slog.Any("error", err))
			continue
		}
		switch out {
		case outcomeCreated:
			rep.Created++
		case outcomeResumed:
			rep.Resumed++
		case outcomeRefunded:
			rep.Refunded++
		case outcomeDuplicate:
			rep.Duplicates++
		case outcomeSkipped, outcomePending:
			rep.Skipped++
		}
	}
	e.metrics.Record(metricsOperation, "tickets", "created", rep.Created)
	e.metrics.Record(metricsOperation, "tickets", "resumed", rep.Resumed)
	e.metrics.Record(metricsOperation, "tickets", "refunded", rep.Refunded)
	e.metrics.Record(metricsOperation, "tickets", "duplicate", rep.Duplicates)
	logger.Info("orders import finished",
		slog.Int("tickets", rep.Tickets),
		slog.Int("created", rep.Created),
		slog.Int("refunded", rep.Refunded),
		slog.Int("duplicates", rep.Duplicates),
		slog.Int("failed", rep.Failed))
	return rep, nil
}

// ingest processes one ticket and settles its log.
func (e *Engine) ingest(ctx context.Context, conn *connections.Connection, inv agora.Invoice) (outcome, error) {
	log, err := e.logFor(ctx, conn, inv)
	if err != nil {
		return 0, err
	}
	if log.State == LogDone {
		return outcomeDuplicate, nil
	}

	var (
		out  outcome
		note string
	)
	switch inv.Kind() {
	case agora.KindInvoice:
		out, err = e.ingestInvoice(ctx, conn, inv, log)
	case agora.KindRefund:
		out, note, err = e.ingestRefund(ctx, conn, inv, log)
	default:
		err = fmt.Errorf("%w %q", ErrUnsupportedDocument, inv.DocumentType)
	}
	if err != nil {
		log.State = LogFail
		log.Message = err.Error()
		if uerr := e.Logs.Update(ctx, log); uerr != nil {
			return 0, errors.Join(err, uerr)
		}
		return 0, err
	}
	log.State = LogDone
	if out == outcomePending {
		log.State = LogDraft
	}
	log.Message = note
	if err := e.Logs.Update(ctx, log); err != nil {
		return 0, fmt.Errorf("ticket %s: %w", inv.Ref(), err)
	}
	return out, nil
}

// kindRank orders sales ahead of refunds so a refund exported next to its
// original finds the order already built.
func kindRank(inv agora.Invoice) int {
	if inv.Kind() == agora.KindRefund {
		return 1
	}
	return 0
}

// logFor returns the audit record of inv, creating it on first sight and
// counting the export otherwise.
func (e *Engine) logFor(ctx context.Context, conn *connections.Connection, inv agora.Invoice) (*TicketLog, error) {
	now := e.now()
	log, err := e.Logs.First(ctx, store.Where().
		Company(conn.CompanyID).
		Eq("serie", inv.Serie).
		Eq("number", inv.Number))
	if errors.Is(err, shared.ErrNotFound) {
		log = &TicketLog{
			ConnectionID: conn.ID,
			Serie:        inv.Serie,
			Number:       inv.Number,
			DocumentType: inv.DocumentType,
			BusinessDay:  inv.BusinessDay,
			State:        LogDraft,
			Seen:         1,
			LastSeenAt:   &now,
		}
		log.CompanyID = conn.CompanyID
		if err := e.Logs.Create(ctx, log); err != nil {
			return nil, fmt.Errorf("ticket %s log: %w", inv.Ref(), err)
		}
		return log, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ticket %s log: %w", inv.Ref(), err)
	}
	log.Seen++
	log.LastSeenAt = &now
	if err := e.Logs.Update(ctx, log); err != nil {
		return nil, fmt.Errorf("ticket %s log: %w", inv.Ref(), err)
	}
	return log, nil
}

// Log returns the audit record of a ticket.
func (e *Engine) Log(ctx context.Context, companyID int64, serie string, number int64) (*TicketLog, error) {
	return e.Logs.First(ctx, store.Where().Company(companyID).Eq("serie", serie).Eq("number", number))
}

// orderDate applies the connection's date policy.
func orderDate(conn *connections.Connection, inv agora.Invoice) (time.Time, error) {
	var (
		t   time.Time
		err error
	)
	if conn.DatePolicy == connections.DateTicket {
		t, err = inv.TicketTime()
	} else {
		t, err = inv.BusinessDate()
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: ticket date: %v", shared.ErrValidation, err)
	}
	return t, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
