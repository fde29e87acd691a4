// Package store provides the generic persistence layer used by the sync
// engines: one repository per entity kind with a typed query builder.
package store

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/agora-connector/internal/shared"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = fmt.Errorf("store: record %w", shared.ErrNotFound)

// Record carries the columns every persisted entity shares.
type Record struct {
	ID        int64     `json:"id"`
	CompanyID int64     `json:"company_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Meta exposes the shared columns to the repositories.
func (r *Record) Meta() *Record { return r }

// Entity is satisfied by any pointer to a struct embedding Record.
type Entity interface {
	Meta() *Record
}

// Kind names an entity table. It doubles as the discriminator in the
// Postgres document table.
type Kind string
