package models

import (
	"database/sql"
	"time"
)

// Transfer request states. Declined, completed and failed are terminal.
const (
	TransferStatePending   = "pending"
	TransferStateApproved  = "approved"
	TransferStateDeclined  = "declined"
	TransferStateCompleted = "completed"
	TransferStateFailed    = "failed"
)

// TransferRequest is the durable record of an intended fund movement and its
// approval/execution state. Created once by intake, advanced by the approval
// gateway (pending -> approved/declined) and the processor
// (approved -> completed/failed), never deleted.
type TransferRequest struct {
	ID               string         `json:"id" db:"id"`
	InitiatorID      int            `json:"initiator_id" db:"initiator_id"`
	FromAccountID    string         `json:"from_account_id" db:"from_account_id"`
	ToAccountID      string         `json:"to_account_id" db:"to_account_id"`
	Amount           int64          `json:"amount" db:"amount"` // in cents
	State            string         `json:"state" db:"state"`
	RequiresApproval bool           `json:"requires_approval" db:"requires_approval"`
	ApprovedBy       sql.NullInt64  `json:"approved_by,omitempty" db:"approved_by"`
	DeclineReason    sql.NullString `json:"decline_reason,omitempty" db:"decline_reason"`
	TransactionID    sql.NullString `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether no further state transitions are permitted.
func (t *TransferRequest) Terminal() bool {
	switch t.State {
	case TransferStateDeclined, TransferStateCompleted, TransferStateFailed:
		return true
	}
	return false
}
