package ledger

import (
	"fmt"

	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// MethodAccount routes one payment method to its journal and account.
type MethodAccount struct {
	MethodCode string `json:"method_code" validate:"required"`
	JournalID  int64  `json:"journal_id" validate:"required"`
	AccountID  int64  `json:"account_id" validate:"required"`
}

// SaleCenterAccount overrides the receivable account of one sale center.
type SaleCenterAccount struct {
	SaleCenterID        int64 `json:"sale_center_id" validate:"required"`
	ReceivableAccountID int64 `json:"receivable_account_id" validate:"required"`
}

// TipAccount configures the tip entry of one sale center.
type TipAccount struct {
	SaleCenterID         int64 `json:"sale_center_id" validate:"required"`
	AccountID            int64 `json:"account_id" validate:"required"`
	CounterpartAccountID int64 `json:"counterpart_account_id" validate:"required"`
	JournalID            int64 `json:"journal_id" validate:"required"`
}

// AccountMapping is the accounting configuration of one connection.
type AccountMapping struct {
	store.Record
	ConnectionID        int64               `json:"connection_id" validate:"required"`
	ReceivableAccountID int64               `json:"receivable_account_id" validate:"required"`
	IncomeAccountID     int64               `json:"income_account_id" validate:"required"`
	TaxAccountID        int64               `json:"tax_account_id"`
	SimplifiedJournalID int64               `json:"simplified_journal_id" validate:"required"`
	RegularJournalID    int64               `json:"regular_journal_id" validate:"required"`
	Methods             []MethodAccount     `json:"methods" validate:"dive"`
	SaleCenters         []SaleCenterAccount `json:"sale_centers" validate:"dive"`
	Tips                []TipAccount        `json:"tips" validate:"dive"`
}

// CheckDuplicates rejects repeated methods, sale centers or tip sale
// centers.
func (m *AccountMapping) CheckDuplicates() error {
	methods := make(map[string]bool)
	for _, ma := range m.Methods {
		if methods[ma.MethodCode] {
			return &shared.DuplicateConfigurationError{Rule: "payment method", Detail: fmt.Sprintf("method %q mapped twice", ma.MethodCode)}
		}
		methods[ma.MethodCode] = true
	}
	centers := make(map[int64]bool)
	for _, sc := range m.SaleCenters {
		if centers[sc.SaleCenterID] {
			return &shared.DuplicateConfigurationError{Rule: "sale center", Detail: fmt.Sprintf("sale center %d mapped twice", sc.SaleCenterID)}
		}
		centers[sc.SaleCenterID] = true
	}
	tips := make(map[int64]bool)
	for _, t := range m.Tips {
		if tips[t.SaleCenterID] {
			return &shared.DuplicateConfigurationError{Rule: "tip account", Detail: fmt.Sprintf("sale center %d has two tip accounts", t.SaleCenterID)}
		}
		tips[t.SaleCenterID] = true
	}
	return nil
}

// Method returns the routing of a payment method code.
func (m *AccountMapping) Method(code string) (MethodAccount, bool) {
	for _, ma := range m.Methods {
		if ma.MethodCode == code {
			return ma, true
		}
	}
	return MethodAccount{}, false
}

// ReceivableFor returns the receivable account of a sale center, falling
// back to the connection default.
func (m *AccountMapping) ReceivableFor(saleCenterID int64) int64 {
	for _, sc := range m.SaleCenters {
		if sc.SaleCenterID == saleCenterID {
			return sc.ReceivableAccountID
		}
	}
	return m.ReceivableAccountID
}

// Tip returns the tip configuration of a sale center.
func (m *AccountMapping) Tip(saleCenterID int64) (TipAccount, bool) {
	for _, t := range m.Tips {
		if t.SaleCenterID == saleCenterID {
			return t, true
		}
	}
	return TipAccount{}, false
}

// JournalFor picks the sale journal of simplified or regular tickets.
func (m *AccountMapping) JournalFor(simplified bool) int64 {
	if simplified {
		return m.SimplifiedJournalID
	}
	return m.RegularJournalID
}
