package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	jobmetrics "github.com/odyssey-erp/agora-connector/internal/jobs"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/masterdata"
	"github.com/odyssey-erp/agora-connector/internal/publisher"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/tickets"
)

const dayLayout = agora.DayLayout

// ConnectionLister returns the connections a scheduled run visits and
// records a lost POS.
type ConnectionLister interface {
	ActiveConnections(ctx context.Context) ([]*connections.Connection, error)
	MarkDisconnected(ctx context.Context, id int64, cause error) error
}

// MasterSyncer pulls master data for a connection.
type MasterSyncer interface {
	SyncAll(ctx context.Context, conn *connections.Connection) (masterdata.Report, error)
}

// CatalogPublisher pushes locally edited records to the POS.
type CatalogPublisher interface {
	PushPricelists(ctx context.Context, conn *connections.Connection) (publisher.Report, error)
	PushSaleCenters(ctx context.Context, conn *connections.Connection) (publisher.Report, error)
	PushProducts(ctx context.Context, conn *connections.Connection, productIDs []int64) (publisher.Report, error)
}

// TicketIngester imports tickets and stock movements.
type TicketIngester interface {
	IngestDay(ctx context.Context, conn *connections.Connection, businessDay time.Time) (tickets.Report, error)
	RetryFulfillments(ctx context.Context, companyID int64, limit int) (tickets.RetryReport, error)
	ImportLosses(ctx context.Context, conn *connections.Connection, businessDay time.Time) (tickets.LossReport, error)
}

// DepositBatcher groups card payments into deposit batches.
type DepositBatcher interface {
	BatchDeposits(ctx context.Context, companyID int64, from, to time.Time) ([]*ledger.PaymentBatch, error)
}

// ConnectionLocker serialises runs per connection.
type ConnectionLocker interface {
	WithConnectionLock(ctx context.Context, connectionID int64, fn func(context.Context) error) error
}

// SyncDeps collects the engines driven by the scheduler.
type SyncDeps struct {
	Connections ConnectionLister
	MasterData  MasterSyncer
	Publisher   CatalogPublisher
	Tickets     TicketIngester
	Payments    DepositBatcher
	Locker      ConnectionLocker
	RetryLimit  int
}

// SyncJob runs the connector's periodic tasks for every active connection.
type SyncJob struct {
	deps    SyncDeps
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSyncJob constructs the job handlers.
func NewSyncJob(deps SyncDeps, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncJob {
	if deps.RetryLimit <= 0 {
		deps.RetryLimit = 50
	}
	return &SyncJob{
		deps:    deps,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock used for the default business day.
func (j *SyncJob) WithClock(clock func() time.Time) *SyncJob {
	if clock != nil {
		j.clock = clock
	}
	return j
}

// Handlers returns the task handlers to register on the worker.
func (j *SyncJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskMasterSync, Handler: j.HandleMasterSync},
		{Type: TaskOrdersImport, Handler: j.HandleOrdersImport},
		{Type: TaskFulfillmentRetry, Handler: j.HandleFulfillmentRetry},
		{Type: TaskProductsPush, Handler: j.HandleProductsPush},
		{Type: TaskBatchPayments, Handler: j.HandleBatchPayments},
		{Type: TaskLossImport, Handler: j.HandleLossImport},
	}
}

// HandleMasterSync pulls every master data kind.
func (j *SyncJob) HandleMasterSync(ctx context.Context, task *asynq.Task) error {
	return j.perConnection(ctx, task, func(ctx context.Context, conn *connections.Connection, _ Payload) error {
		rep, err := j.deps.MasterData.SyncAll(ctx, conn)
		if err != nil {
			return err
		}
		j.log().Info("master data synced", slog.Int64("connection_id", conn.ID), slog.String("run_id", rep.RunID))
		return nil
	})
}

// HandleOrdersImport ingests the tickets of the payload's business day.
func (j *SyncJob) HandleOrdersImport(ctx context.Context, task *asynq.Task) error {
	return j.perConnection(ctx, task, func(ctx context.Context, conn *connections.Connection, payload Payload) error {
		day, err := j.businessDay(payload)
		if err != nil {
			return err
		}
		rep, err := j.deps.Tickets.IngestDay(ctx, conn, day)
		if err != nil {
			return err
		}
		if rep.Failed > 0 {
			j.log().Warn("tickets failed",
				slog.Int64("connection_id", conn.ID),
				slog.String("business_day", rep.BusinessDay),
				slog.Int("failed", rep.Failed))
		}
		return nil
	})
}

// HandleProductsPush publishes pricelists and sale centers before products,
// which reference them.
func (j *SyncJob) HandleProductsPush(ctx context.Context, task *asynq.Task) error {
	return j.perConnection(ctx, task, func(ctx context.Context, conn *connections.Connection, _ Payload) error {
		if _, err := j.deps.Publisher.PushPricelists(ctx, conn); err != nil {
			return err
		}
		if _, err := j.deps.Publisher.PushSaleCenters(ctx, conn); err != nil {
			return err
		}
		rep, err := j.deps.Publisher.PushProducts(ctx, conn, nil)
		if err != nil {
			return err
		}
		j.log().Info("products pushed", slog.Int64("connection_id", conn.ID), slog.Int("pushed", len(rep.Pushed)))
		return nil
	})
}

// HandleBatchPayments batches the company's deposits for the business day.
func (j *SyncJob) HandleBatchPayments(ctx context.Context, task *asynq.Task) error {
	return j.perConnection(ctx, task, func(ctx context.Context, conn *connections.Connection, payload Payload) error {
		day, err := j.businessDay(payload)
		if err != nil {
			return err
		}
		batches, err := j.deps.Payments.BatchDeposits(ctx, conn.CompanyID, day, day)
		if err != nil {
			return err
		}
		j.log().Info("deposits batched", slog.Int64("company_id", conn.CompanyID), slog.Int("batches", len(batches)))
		return nil
	})
}

// HandleLossImport writes the business day's losses off stock.
func (j *SyncJob) HandleLossImport(ctx context.Context, task *asynq.Task) error {
	return j.perConnection(ctx, task, func(ctx context.Context, conn *connections.Connection, payload Payload) error {
		day, err := j.businessDay(payload)
		if err != nil {
			return err
		}
		rep, err := j.deps.Tickets.ImportLosses(ctx, conn, day)
		if err != nil {
			return err
		}
		if len(rep.Unresolved) > 0 {
			j.log().Warn("losses with unknown products", slog.Int64("connection_id", conn.ID), slog.Any("products", rep.Unresolved))
		}
		return nil
	})
}

// HandleFulfillmentRetry sweeps deliveries that are still waiting on stock.
// It is scoped by company rather than connection.
func (j *SyncJob) HandleFulfillmentRetry(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskFulfillmentRetry)
	rep, err := j.deps.Tickets.RetryFulfillments(ctx, payload.CompanyID, j.deps.RetryLimit)
	if err != nil {
		j.log().Error("fulfillment retry", slog.Any("error", err))
	}
	if rep.Attempted > 0 {
		j.log().Info("fulfillment retry", slog.Int("completed", rep.Completed), slog.Int("pending", rep.Pending))
	}
	return tracker.End(err)
}

type connectionRun func(ctx context.Context, conn *connections.Connection, payload Payload) error

// perConnection runs fn for each targeted connection under its sync lock. A
// held lock skips the connection; other failures are collected and the loop
// goes on.
func (j *SyncJob) perConnection(ctx context.Context, task *asynq.Task, fn connectionRun) (resultErr error) {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(task.Type())
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	conns, err := j.deps.Connections.ActiveConnections(ctx)
	if err != nil {
		return fmt.Errorf("%s: list connections: %w", task.Type(), err)
	}
	var errs []error
	for _, conn := range conns {
		if payload.ConnectionID != 0 && conn.ID != payload.ConnectionID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := j.lock(ctx, conn.ID, func(ctx context.Context) error {
			return fn(ctx, conn, payload)
		})
		switch {
		case errors.Is(err, shared.ErrLocked):
			j.Metrics.Skipped(task.Type())
			j.log().Info("connection busy, skipped", slog.String("task", task.Type()), slog.Int64("connection_id", conn.ID))
		case err != nil:
			j.log().Error("connection run failed", slog.String("task", task.Type()), slog.Int64("connection_id", conn.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("connection %d: %w", conn.ID, err))
			if agora.IsUnreachable(err) {
				if merr := j.deps.Connections.MarkDisconnected(ctx, conn.ID, err); merr != nil {
					errs = append(errs, merr)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (j *SyncJob) lock(ctx context.Context, id int64, fn func(context.Context) error) error {
	if j.deps.Locker == nil {
		return fn(ctx)
	}
	return j.deps.Locker.WithConnectionLock(ctx, id, fn)
}

func (j *SyncJob) businessDay(payload Payload) (time.Time, error) {
	if payload.BusinessDay == "" {
		return j.clock().Truncate(24 * time.Hour), nil
	}
	day, err := time.Parse(dayLayout, payload.BusinessDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("business day %q: %v: %w", payload.BusinessDay, err, asynq.SkipRetry)
	}
	return day, nil
}

func (j *SyncJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
