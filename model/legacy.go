package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegacyRecord is the flattened view of the old per-kind representation
// (cashouts, exchange orders, escrows lived in three separate tables). The
// dual-write adapter mirrors unified transactions into these rows during
// migration and compares them field-by-field when checking consistency.
type LegacyRecord struct {
	TransactionID string          `json:"transaction_id"`
	Kind          TransactionKind `json:"kind"`
	OwnerID       string          `json:"owner_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Destination   string          `json:"destination,omitempty"`
	Description   string          `json:"description,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FieldDrift names one field that differs between the unified and legacy
// representations of the same transaction.
type FieldDrift struct {
	Field   string `json:"field"`
	Unified string `json:"unified"`
	Legacy  string `json:"legacy"`
}

// ConsistencyReport is the outcome of comparing both representations.
type ConsistencyReport struct {
	TransactionID string       `json:"transaction_id"`
	Consistent    bool         `json:"consistent"`
	Drift         []FieldDrift `json:"drift,omitempty"`
	CheckedAt     time.Time    `json:"checked_at"`
}
