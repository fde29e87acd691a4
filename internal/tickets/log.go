package tickets

import (
	"time"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

// KindLog is the store kind of ticket audit records.
const KindLog store.Kind = "ticket_log"

// LogState is the processing state of one POS ticket.
type LogState string

const (
	LogDraft LogState = "draft"
	LogDone  LogState = "done"
	LogFail  LogState = "fail"
)

// TicketLog audits every ticket the POS exported. (Serie, Number) is
// unique per company; Seen counts repeated exports.
type TicketLog struct {
	store.Record
	ConnectionID int64      `json:"connection_id"`
	Serie        string     `json:"serie"`
	Number       int64      `json:"number"`
	DocumentType string     `json:"document_type"`
	BusinessDay  string     `json:"business_day"`
	State        LogState   `json:"state"`
	Message      string     `json:"message"`
	OrderID      int64      `json:"order_id"`
	Seen         int        `json:"seen"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
}
