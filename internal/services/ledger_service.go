package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds is returned when a conditional debit matches no
	// rows because the balance is below the requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyExecuted is returned when the terminal state update matches
	// no rows because the transfer already left the approved state.
	ErrAlreadyExecuted = errors.New("transfer already executed")
)

// LedgerService performs the balance mutations behind transfers, deposits
// and withdrawals. Every movement is a single bounded database transaction
// that debits conditionally (balance must cover the amount at execution
// time) and appends exactly one ledger transaction row.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// ExecuteTransfer atomically moves funds for an approved transfer request:
// debit source, credit destination, append the ledger transaction, and flip
// the transfer to completed. The debit and the terminal update are both
// conditional, so a concurrent execution or a drained balance surfaces as an
// error here instead of a partial write.
func (s *LedgerService) ExecuteTransfer(ctx context.Context, transferID string, initiatorID int, fromAccountID, toAccountID string, amount int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transfer execution: %w", err)
	}
	defer tx.Rollback()

	// Debit iff the balance still covers the amount
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance_cents = balance_cents - $1, updated_at = $2
		WHERE id = $3 AND balance_cents >= $1
	`, amount, time.Now(), fromAccountID)
	if err != nil {
		return "", fmt.Errorf("debit account %s: %w", fromAccountID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return "", ErrInsufficientFunds
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance_cents = balance_cents + $1, updated_at = $2
		WHERE id = $3
	`, amount, time.Now(), toAccountID)
	if err != nil {
		return "", fmt.Errorf("credit account %s: %w", toAccountID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return "", fmt.Errorf("destination account %s not found", toAccountID)
	}

	transactionID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, initiator_id, from_bank_account_id, to_bank_account_id, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, transactionID, initiatorID, fromAccountID, toAccountID, amount, time.Now(), time.Now())
	if err != nil {
		return "", fmt.Errorf("append ledger transaction: %w", err)
	}

	// Terminal update only from approved; zero rows means a duplicate
	// delivery beat us to it
	result, err = tx.ExecContext(ctx, `
		UPDATE transfer_requests
		SET state = 'completed', transaction_id = $1, updated_at = $2
		WHERE id = $3 AND state = 'approved'
	`, transactionID, time.Now(), transferID)
	if err != nil {
		return "", fmt.Errorf("complete transfer %s: %w", transferID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return "", ErrAlreadyExecuted
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transfer %s: %w", transferID, err)
	}

	return transactionID, nil
}

// Deposit credits an account and appends a ledger transaction with no source
// account.
func (s *LedgerService) Deposit(ctx context.Context, accountID string, initiatorID int, amount int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin deposit: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance_cents = balance_cents + $1, updated_at = $2
		WHERE id = $3
	`, amount, time.Now(), accountID)
	if err != nil {
		return "", fmt.Errorf("credit account %s: %w", accountID, err)
	}

	transactionID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, initiator_id, to_bank_account_id, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, transactionID, initiatorID, accountID, amount, time.Now(), time.Now())
	if err != nil {
		return "", fmt.Errorf("append ledger transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit deposit: %w", err)
	}

	return transactionID, nil
}

// Withdraw conditionally debits an account and appends a ledger transaction
// with no destination account.
func (s *LedgerService) Withdraw(ctx context.Context, accountID string, initiatorID int, amount int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin withdrawal: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance_cents = balance_cents - $1, updated_at = $2
		WHERE id = $3 AND balance_cents >= $1
	`, amount, time.Now(), accountID)
	if err != nil {
		return "", fmt.Errorf("debit account %s: %w", accountID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return "", ErrInsufficientFunds
	}

	transactionID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, initiator_id, from_bank_account_id, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, transactionID, initiatorID, accountID, amount, time.Now(), time.Now())
	if err != nil {
		return "", fmt.Errorf("append ledger transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit withdrawal: %w", err)
	}

	return transactionID, nil
}
