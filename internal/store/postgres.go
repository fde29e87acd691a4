package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/agora-connector/internal/platform/db"
	"github.com/odyssey-erp/agora-connector/internal/shared"
)

// Schema creates the document table backing every Postgres repository.
const Schema = `
CREATE TABLE IF NOT EXISTS connector_records (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	company_id BIGINT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS connector_records_kind_company ON connector_records (kind, company_id);
CREATE INDEX IF NOT EXISTS connector_records_doc ON connector_records USING GIN (doc jsonb_path_ops);
CREATE UNIQUE INDEX IF NOT EXISTS connector_order_tickets_key
	ON connector_records (company_id, (doc->>'serie'), (doc->>'number'))
	WHERE kind = 'order_ticket';
CREATE UNIQUE INDEX IF NOT EXISTS connector_ticket_logs_key
	ON connector_records (company_id, (doc->>'serie'), (doc->>'number'))
	WHERE kind = 'ticket_log';
`

// ErrConflict is returned when a write collides with a unique index.
var ErrConflict = &shared.DuplicateConfigurationError{Rule: "unique record"}

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// TxManager opens RepeatableRead transactions and exposes them to the
// Postgres repositories through the context.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager constructs a Transactor over pool.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithTx runs fn inside a transaction. Nested calls join the outer one.
func (m *TxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return db.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Postgres stores entities of one kind as JSONB documents.
type Postgres[T any, P interface {
	*T
	Entity
}] struct {
	pool *pgxpool.Pool
	kind Kind
	now  func() time.Time
}

// NewPostgres constructs a repository for kind.
func NewPostgres[T any, P interface {
	*T
	Entity
}](pool *pgxpool.Pool, kind Kind) *Postgres[T, P] {
	return &Postgres[T, P]{pool: pool, kind: kind, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Postgres[T, P]) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

const selectColumns = `SELECT id, company_id, active, created_at, updated_at, doc FROM connector_records`

// Find returns every record matching q.
func (r *Postgres[T, P]) Find(ctx context.Context, q Query) ([]*T, error) {
	where, args, err := r.where(q)
	if err != nil {
		return nil, err
	}
	sql := selectColumns + where + orderClause(q)
	if q.limit > 0 {
		sql += " LIMIT " + strconv.Itoa(q.limit)
	}
	rows, err := r.db(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store/%s: find: %w", r.kind, err)
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/%s: rows: %w", r.kind, err)
	}
	return out, nil
}

// First returns the first record matching q or ErrNotFound.
func (r *Postgres[T, P]) First(ctx context.Context, q Query) (*T, error) {
	found, err := r.Find(ctx, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

// Get loads a record by id regardless of its archived state.
func (r *Postgres[T, P]) Get(ctx context.Context, id int64) (*T, error) {
	row := r.db(ctx).QueryRow(ctx, selectColumns+` WHERE kind = $1 AND id = $2`, string(r.kind), id)
	rec, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Count returns the number of records matching q.
func (r *Postgres[T, P]) Count(ctx context.Context, q Query) (int, error) {
	where, args, err := r.where(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db(ctx).QueryRow(ctx, `SELECT count(*) FROM connector_records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store/%s: count: %w", r.kind, err)
	}
	return n, nil
}

// Create inserts rec, assigning its id and timestamps.
func (r *Postgres[T, P]) Create(ctx context.Context, rec *T) error {
	meta := P(rec).Meta()
	now := r.now()
	meta.Active = true
	meta.CreatedAt = now
	meta.UpdatedAt = now
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store/%s: encode: %w", r.kind, err)
	}
	err = r.db(ctx).QueryRow(ctx, `INSERT INTO connector_records (kind, company_id, active, created_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6::text::jsonb) RETURNING id`,
		string(r.kind), meta.CompanyID, meta.Active, meta.CreatedAt, meta.UpdatedAt, string(doc)).Scan(&meta.ID)
	if err != nil {
		return r.writeErr("create", err)
	}
	return nil
}

// Update replaces the stored document of rec.
func (r *Postgres[T, P]) Update(ctx context.Context, rec *T) error {
	meta := P(rec).Meta()
	meta.UpdatedAt = r.now()
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store/%s: encode: %w", r.kind, err)
	}
	tag, err := r.db(ctx).Exec(ctx, `UPDATE connector_records
		SET company_id = $3, active = $4, updated_at = $5, doc = $6::text::jsonb
		WHERE kind = $1 AND id = $2`,
		string(r.kind), meta.ID, meta.CompanyID, meta.Active, meta.UpdatedAt, string(doc))
	if err != nil {
		return r.writeErr("update", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive marks rec inactive.
func (r *Postgres[T, P]) Archive(ctx context.Context, rec *T) error {
	P(rec).Meta().Active = false
	return r.Update(ctx, rec)
}

// Delete removes the record permanently.
func (r *Postgres[T, P]) Delete(ctx context.Context, id int64) error {
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM connector_records WHERE kind = $1 AND id = $2`, string(r.kind), id)
	if err != nil {
		return fmt.Errorf("store/%s: delete: %w", r.kind, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Postgres[T, P]) writeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("store/%s: %s: %w", r.kind, op, ErrConflict)
	}
	return fmt.Errorf("store/%s: %s: %w", r.kind, op, err)
}

func (r *Postgres[T, P]) scan(row pgx.Row) (*T, error) {
	var (
		meta Record
		doc  []byte
	)
	if err := row.Scan(&meta.ID, &meta.CompanyID, &meta.Active, &meta.CreatedAt, &meta.UpdatedAt, &doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store/%s: scan: %w", r.kind, err)
	}
	rec := new(T)
	if err := json.Unmarshal(doc, rec); err != nil {
		return nil, fmt.Errorf("store/%s: decode: %w", r.kind, err)
	}
	*P(rec).Meta() = meta
	return rec, nil
}

func (r *Postgres[T, P]) where(q Query) (string, []any, error) {
	args := []any{string(r.kind)}
	clauses := []string{"kind = $1"}
	param := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.hasCompany {
		clauses = append(clauses, "company_id = "+param(q.companyID))
	}
	switch q.archived {
	case ActiveOnly:
		clauses = append(clauses, "active")
	case ArchivedOnly:
		clauses = append(clauses, "NOT active")
	}
	for _, c := range q.conds {
		expr := fieldExpr(c.field)
		switch c.op {
		case opEq, opNe:
			raw, err := json.Marshal(c.values[0])
			if err != nil {
				return "", nil, fmt.Errorf("store/%s: encode %s: %w", r.kind, c.field, err)
			}
			if c.op == opEq {
				clauses = append(clauses, expr+" = "+param(string(raw))+"::text::jsonb")
			} else {
				clauses = append(clauses, expr+" IS DISTINCT FROM "+param(string(raw))+"::text::jsonb")
			}
		case opIn:
			if len(c.values) == 0 {
				clauses = append(clauses, "FALSE")
				continue
			}
			raw, err := json.Marshal(c.values)
			if err != nil {
				return "", nil, fmt.Errorf("store/%s: encode %s: %w", r.kind, c.field, err)
			}
			clauses = append(clauses, expr+" IN (SELECT jsonb_array_elements("+param(string(raw))+"::text::jsonb))")
		case opNull:
			clauses = append(clauses, "("+expr+" IS NULL OR "+expr+" = 'null'::jsonb)")
		case opNotNull:
			clauses = append(clauses, "("+expr+" IS NOT NULL AND "+expr+" <> 'null'::jsonb)")
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func orderClause(q Query) string {
	if q.orderBy == "" {
		return " ORDER BY id"
	}
	dir := " ASC"
	if q.desc {
		dir = " DESC"
	}
	nulls := " NULLS LAST"
	if q.nullsFirst {
		nulls = " NULLS FIRST"
	}
	keys := orderKeys(q.orderBy)
	for i, k := range keys {
		keys[i] = k + dir + nulls
	}
	return " ORDER BY " + strings.Join(keys, ", ") + ", id"
}

// orderKeys returns the sort expressions of a field. Timestamps are stored
// as RFC 3339 text with a variable-width fraction, so they sort on their
// parsed value before the raw jsonb value is consulted.
func orderKeys(field string) []string {
	switch field {
	case "id", "company_id", "active", "created_at", "updated_at":
		return []string{field}
	}
	text := "(doc ->> '" + strings.ReplaceAll(field, "'", "''") + "')"
	return []string{
		"(CASE WHEN " + text + " ~ '^[0-9]{4}-[0-9]{2}-[0-9]{2}T' THEN " + text + "::timestamptz END)",
		"nullif(" + fieldExpr(field) + ", 'null'::jsonb)",
	}
}

// fieldExpr maps a JSON field name onto a jsonb expression. Shared columns
// are read from the table so they stay authoritative.
func fieldExpr(field string) string {
	switch field {
	case "id", "company_id", "active", "created_at", "updated_at":
		return "to_jsonb(" + field + ")"
	}
	return "(doc -> '" + strings.ReplaceAll(field, "'", "''") + "')"
}
