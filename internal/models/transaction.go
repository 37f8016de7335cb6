package models

import (
	"database/sql"
	"time"
)

// Transaction is an append-only ledger record of a completed fund movement.
// FromAccountID is absent for pure deposits, ToAccountID for pure
// withdrawals. Never mutated once created.
type Transaction struct {
	ID            string         `json:"id" db:"id"`
	InitiatorID   int            `json:"initiator_id" db:"initiator_id"`
	FromAccountID sql.NullString `json:"from_account,omitempty" db:"from_bank_account_id"`
	ToAccountID   sql.NullString `json:"to_account,omitempty" db:"to_bank_account_id"`
	Amount        int64          `json:"amount" db:"amount"` // in cents
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}
