package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/delivery"
	"github.com/odyssey-erp/agora-connector/internal/shared"
)

// RetryReport summarizes a fulfillment sweep.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
}

// RetryFulfillments retries up to limit open deliveries of a company, the
// least recently attempted first. A zero company sweeps every company.
func (e *Engine) RetryFulfillments(ctx context.Context, companyID int64, limit int) (RetryReport, error) {
	var rep RetryReport
	open, err := e.Stock.Pending(ctx, companyID, limit)
	if err != nil {
		return rep, fmt.Errorf("fulfillment retry: %w", err)
	}
	var errs []error
	for _, d := range open {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Attempted++
		done, err := e.Stock.Fulfil(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("delivery %d: %w", d.ID, err))
			e.logger.Warn("fulfillment retry failed", slog.Int64("delivery_id", d.ID), slog.Any("error", err))
			continue
		}
		if done {
			rep.Completed++
		} else {
			rep.Pending++
		}
	}
	e.metrics.Record("fulfillment_retry", "deliveries", "completed", rep.Completed)
	if rep.Attempted > 0 {
		e.logger.Info("fulfillment retry finished",
			slog.Int("attempted", rep.Attempted),
			slog.Int("completed", rep.Completed),
			slog.Int("pending", rep.Pending))
	}
	return rep, errors.Join(errs...)
}

// LossReport summarizes a loss import.
type LossReport struct {
	Rows       int      `json:"rows"`
	Created    int      `json:"created"`
	Duplicates int      `json:"duplicates"`
	Unresolved []string `json:"unresolved,omitempty"`
}

type lossRow struct {
	LossID       int64           `json:"LossId"`
	ProductID    int64           `json:"ProductId"`
	SaleFormatID int64           `json:"SaleFormatId"`
	ProductName  string          `json:"ProductName"`
	Quantity     decimal.Decimal `json:"Quantity"`
	Reason       string          `json:"Reason"`
}

// ImportLosses runs the connection's loss report for businessDay and writes
// each loss off stock once.
func (e *Engine) ImportLosses(ctx context.Context, conn *connections.Connection, businessDay time.Time) (LossReport, error) {
	var rep LossReport
	report, ok := conn.Report(connections.ReportLoss)
	if !ok {
		return rep, &shared.ConfigurationError{
			Setting: string(connections.ReportLoss),
			Detail:  fmt.Sprintf("connection %q has no loss report", conn.Name),
		}
	}
	client, err := e.Clients(conn)
	if err != nil {
		return rep, fmt.Errorf("loss import: %w", err)
	}
	day := truncateDay(businessDay).Format(agora.DayLayout)
	rows, err := client.CustomQuery(ctx, report.GUID, map[string]any{"BusinessDay": day})
	if err != nil {
		return rep, fmt.Errorf("loss import: %w", err)
	}
	rep.Rows = len(rows)
	for i, raw := range rows {
		var row lossRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return rep, fmt.Errorf("loss import row %d: %w", i, err)
		}
		productID, ok, err := e.Mapper.ResolveSold(ctx, conn.CompanyID, row.ProductID, row.SaleFormatID)
		if err != nil {
			return rep, err
		}
		if !ok {
			rep.Unresolved = append(rep.Unresolved, row.ProductName)
			e.logger.Warn("loss product not found",
				slog.Int64("loss_id", row.LossID),
				slog.String("product", row.ProductName))
			continue
		}
		scrap := delivery.Scrap{
			LossID:      row.LossID,
			ProductID:   productID,
			Quantity:    row.Quantity,
			BusinessDay: day,
			Reason:      row.Reason,
		}
		scrap.CompanyID = conn.CompanyID
		_, created, err := e.Stock.WriteOff(ctx, scrap)
		if err != nil {
			return rep, err
		}
		if created {
			rep.Created++
		} else {
			rep.Duplicates++
		}
	}
	e.metrics.Record("loss_import", "losses", "created", rep.Created)
	e.logger.Info("loss import finished",
		slog.Int64("connection_id", conn.ID),
		slog.String("business_day", day),
		slog.Int("created", rep.Created),
		slog.Int("duplicates", rep.Duplicates),
		slog.Int("unresolved", len(rep.Unresolved)))
	return rep, nil
}
