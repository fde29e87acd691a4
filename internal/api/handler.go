// Package api exposes the connector's manual triggers over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/catalog"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	"github.com/odyssey-erp/agora-connector/internal/idmap"
	"github.com/odyssey-erp/agora-connector/internal/masterdata"
	"github.com/odyssey-erp/agora-connector/internal/payments"
	"github.com/odyssey-erp/agora-connector/internal/platform/httpx"
	"github.com/odyssey-erp/agora-connector/internal/publisher"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/tickets"
)

// Deps are the services the admin API drives.
type Deps struct {
	Connections *connections.Service
	Mapper      *idmap.Mapper
	Sync        *masterdata.Synchronizer
	Publisher   *publisher.Publisher
	Engine      *tickets.Engine
	Payments    *payments.Service
	Catalog     *catalog.Service
	Locker      *shared.Locker
	Audit       *AuditLogger
}

// Handler serves the admin endpoints.
type Handler struct {
	Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs the admin API handler.
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// MountRoutes attaches the admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/connections/{id}", func(r chi.Router) {
		r.Post("/test", h.testConnection)
		r.Post("/disconnect", h.disconnect)
		r.Post("/counters/refresh", h.refreshCounters)
		r.Post("/import/{kind}", h.importKind)
		r.Post("/orders", h.importOrders)
		r.Post("/losses", h.importLosses)
		r.Post("/push/{target}", h.push)
	})
	r.Post("/payments/batches", h.batchPayments)
	r.Post("/payments/batches/{id}/send", h.sendBatch)
	r.Post("/fulfillments/retry", h.retryFulfillments)
	r.Delete("/products/{id}", h.deleteProduct)
	r.Post("/products/{id}/archive", h.archiveProduct)
}

// ============================================================================
// CONNECTIONS
// ============================================================================

// connectionView is the public shape of a connection. The POS token never
// leaves the server.
type connectionView struct {
	ID             int64                      `json:"id"`
	CompanyID      int64                      `json:"company_id"`
	Name           string                     `json:"name"`
	BaseURL        string                     `json:"base_url"`
	State          connections.State          `json:"state"`
	SaleFlow       connections.SaleFlow       `json:"sale_flow"`
	LastProductID  *int64                     `json:"last_product_id"`
	LastFormatID   *int64                     `json:"last_format_id"`
	LastConnection *time.Time                 `json:"last_connection"`
	StatusMessage  string                     `json:"status_message"`
	Reports        []connections.ReportConfig `json:"reports"`
}

func newConnectionView(c *connections.Connection) connectionView {
	return connectionView{
		ID:             c.ID,
		CompanyID:      c.CompanyID,
		Name:           c.Name,
		BaseURL:        c.BaseURL,
		State:          c.State,
		SaleFlow:       c.SaleFlow,
		LastProductID:  c.LastProductID,
		LastFormatID:   c.LastFormatID,
		LastConnection: c.LastConnection,
		StatusMessage:  c.StatusMessage,
		Reports:        c.Reports,
	}
}

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	conn, err := h.Connections.TestConnection(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.audit(r.Context(), conn.CompanyID, "connection.test", "connection", id, nil)
	httpx.JSON(w, http.StatusOK, newConnectionView(conn))
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	conn, err := h.Connections.Disconnect(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.audit(r.Context(), conn.CompanyID, "connection.disconnect", "connection", id, nil)
	httpx.JSON(w, http.StatusOK, newConnectionView(conn))
}

func (h *Handler) refreshCounters(w http.ResponseWriter, r *http.Request) {
	h.withConnection(w, r, func(ctx context.Context, conn *connections.Connection) (any, error) {
		if err := h.Mapper.RefreshCounters(ctx, conn); err != nil {
			return nil, err
		}
		return map[string]any{
			"last_product_id": conn.LastProductID,
			"last_format_id":  conn.LastFormatID,
		}, nil
	})
}

func (h *Handler) importKind(w http.ResponseWriter, r *http.Request) {
	kind, err := masterdata.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	h.withConnection(w, r, func(ctx context.Context, conn *connections.Connection) (any, error) {
		rep, err := h.Sync.Import(ctx, conn, kind)
		if err != nil {
			return nil, err
		}
		h.audit(ctx, conn.CompanyID, "masterdata.import", "connection", conn.ID, map[string]any{"kind": kind})
		return rep, nil
	})
}

func (h *Handler) importOrders(w http.ResponseWriter, r *http.Request) {
	day, err := queryDay(r, "date")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.withConnection(w, r, func(ctx context.Context, conn *connections.Connection) (any, error) {
		rep, err := h.Engine.IngestDay(ctx, conn, day)
		if err != nil {
			return nil, err
		}
		h.audit(ctx, conn.CompanyID, "orders.import", "connection", conn.ID, map[string]any{"business_day": rep.BusinessDay})
		return rep, nil
	})
}

func (h *Handler) importLosses(w http.ResponseWriter, r *http.Request) {
	day, err := queryDay(r, "date")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.withConnection(w, r, func(ctx context.Context, conn *connections.Connection) (any, error) {
		return h.Engine.ImportLosses(ctx, conn, day)
	})
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var run func(context.Context, *connections.Connection) (publisher.Report, error)
	switch target {
	case "products":
		run = func(ctx context.Context, conn *connections.Connection) (publisher.Report, error) {
			return h.Publisher.PushProducts(ctx, conn, nil)
		}
	case "pricelists":
		run = h.Publisher.PushPricelists
	case "salecenters":
		run = h.Publisher.PushSaleCenters
	default:
		httpx.RespondError(w, fmt.Errorf("%w: unknown push target %q", httpx.ErrBadRequest, target))
		return
	}
	h.withConnection(w, r, func(ctx context.Context, conn *connections.Connection) (any, error) {
		rep, err := run(ctx, conn)
		if err != nil {
			return nil, err
		}
		h.audit(ctx, conn.CompanyID, "push."+target, "connection", conn.ID, map[string]any{"pushed": len(rep.Pushed)})
		return rep, nil
	})
}

// withConnection loads the connected connection of the path and runs fn
// under its sync lock.
func (h *Handler) withConnection(w http.ResponseWriter, r *http.Request, fn func(context.Context, *connections.Connection) (any, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	conn, err := h.Connections.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !conn.Connected() {
		httpx.RespondError(w, &shared.ConfigurationError{
			Setting: "state",
			Detail:  fmt.Sprintf("connection %q is not connected", conn.Name),
		})
		return
	}
	var out any
	err = h.Locker.WithConnectionLock(r.Context(), conn.ID, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx, conn)
		return err
	})
	if err != nil {
		h.logger.Warn("admin run failed", slog.Int64("connection_id", conn.ID), slog.String("path", r.URL.Path), slog.Any("error", err))
		if agora.IsUnreachable(err) {
			if merr := h.Connections.MarkDisconnected(r.Context(), conn.ID, err); merr != nil {
				h.logger.Warn("mark disconnected", slog.Int64("connection_id", conn.ID), slog.Any("error", merr))
			}
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

// ============================================================================
// PAYMENTS
// ============================================================================

type batchRequest struct {
	CompanyID int64  `json:"company_id" validate:"required,gt=0"`
	From      string `json:"from" validate:"required,datetime=2006-01-02"`
	To        string `json:"to" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) batchPayments(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrValidation, err))
		return
	}
	from, _ := time.Parse(agora.DayLayout, req.From)
	to, _ := time.Parse(agora.DayLayout, req.To)
	batches, err := h.Payments.BatchDeposits(r.Context(), req.CompanyID, from, to)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.audit(r.Context(), req.CompanyID, "payments.batch", "company", req.CompanyID, map[string]any{"from": req.From, "to": req.To, "batches": len(batches)})
	httpx.JSON(w, http.StatusOK, batches)
}

func (h *Handler) sendBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, err := h.Payments.SendBatch(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.audit(r.Context(), batch.CompanyID, "payments.batch.send", "payment_batch", id, nil)
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) retryFulfillments(w http.ResponseWriter, r *http.Request) {
	companyID, err := queryID(r, "company_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid limit %q", httpx.ErrBadRequest, raw))
			return
		}
	}
	rep, err := h.Engine.RetryFulfillments(r.Context(), companyID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rep)
}

// ============================================================================
// PRODUCTS
// ============================================================================

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id, companyID, err := productTarget(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.Catalog.DeleteProduct(r.Context(), companyID, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.audit(r.Context(), companyID, "product.delete", "product", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) archiveProduct(w http.ResponseWriter, r *http.Request) {
	id, companyID, err := productTarget(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.Catalog.ArchiveProduct(r.Context(), companyID, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.audit(r.Context(), companyID, "product.archive", "product", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func productTarget(r *http.Request) (int64, int64, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return 0, 0, err
	}
	companyID, err := queryID(r, "company_id")
	if err != nil {
		return 0, 0, err
	}
	return id, companyID, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) audit(ctx context.Context, companyID int64, action, entity string, id int64, meta map[string]any) {
	entry := AuditEntry{Action: action, Entity: entity, EntityID: strconv.FormatInt(id, 10), Details: meta}
	if err := h.Audit.Record(ctx, companyID, entry); err != nil {
		h.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", httpx.ErrBadRequest, name, raw)
	}
	return id, nil
}

func queryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s is required", httpx.ErrBadRequest, name)
	}
	return id, nil
}

func queryDay(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", httpx.ErrBadRequest, name)
	}
	day, err := time.Parse(agora.DayLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must look like 2006-01-02", httpx.ErrBadRequest, name)
	}
	return day, nil
}
