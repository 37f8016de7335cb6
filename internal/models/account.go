package models

import (
	"time"
)

// Account represents a bank account holding a balance in minor currency units
type Account struct {
	ID            string    `json:"id" db:"id"`
	OwnerID       int       `json:"owner_id" db:"owner_id"`
	AccountNumber string    `json:"account_number" db:"account_number"`
	Type          string    `json:"type" db:"type"` // checking or savings
	Balance       int64     `json:"balance_cents" db:"balance_cents"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
