package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bookkeep/backend/internal/middleware"
	"github.com/bookkeep/backend/internal/models"
)

// AccountService handles account CRUD and the synchronous deposit/withdraw
// paths. Balance mutations go through the ledger service.
type AccountService struct {
	db        *sql.DB
	ledger    *LedgerService
	notifier  Notifier
	validator *ValidationHelper
}

// CreateAccountRequest is the account creation request body
type CreateAccountRequest struct {
	Type           string `json:"type" validate:"omitempty,oneof=checking savings"`
	InitialBalance int64  `json:"balance_cents" validate:"omitempty,gte=0"`
}

// AmountPayload carries a deposit or withdrawal amount
type AmountPayload struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

func NewAccountService(db *sql.DB, notifier Notifier) *AccountService {
	return &AccountService{
		db:        db,
		ledger:    NewLedgerService(db),
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

// CreateAccount opens a new account for the caller
// @Summary Create a bank account
// @Tags accounts
// @Accept json
// @Produce json
// @Success 201 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Router /accounts [post]
func (s *AccountService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateAccountRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return
		}
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Type == "" {
		req.Type = "checking"
	}

	accountID := uuid.NewString()
	accountNumber := uuid.NewString()
	now := time.Now()

	_, err := s.db.Exec(`
		INSERT INTO accounts (id, owner_id, account_number, type, balance_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, accountID, userID, accountNumber, req.Type, req.InitialBalance, now, now)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to create account for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[ACCOUNT] Account %s created for user %d", accountID, userID)
	SendJSONResponse(w, http.StatusCreated, map[string]string{
		"id":             accountID,
		"account_number": accountNumber,
	})
}

// ListAccounts returns the caller's accounts
// @Summary List accounts
// @Tags accounts
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /accounts [get]
func (s *AccountService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, owner_id, account_number, type, balance_cents, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to list accounts for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to list accounts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.AccountNumber, &a.Type, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
			log.Printf("[ACCOUNT] Failed to scan account row: %v", err)
			SendErrorResponse(w, "Failed to list accounts", http.StatusInternalServerError, nil)
			return
		}
		accounts = append(accounts, a)
	}

	SendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// GetBalance returns the current balance of an owned account
// @Summary Get account balance
// @Tags accounts
// @Produce json
// @Param accountID path string true "Account ID"
// @Success 200 {object} map[string]interface{}
// @Failure 403 {object} ErrorResponse
// @Router /accounts/{accountID}/balance [get]
func (s *AccountService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accountID := chi.URLParam(r, "accountID")

	var balance int64
	err := s.db.QueryRow(`
		SELECT balance_cents FROM accounts
		WHERE id = $1 AND owner_id = $2
	`, accountID, userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found or unauthorized", http.StatusForbidden, nil)
			return
		}
		log.Printf("[ACCOUNT] Balance lookup failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	SendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"account_id":    accountID,
		"balance_cents": balance,
	})
}

// Deposit credits an owned account synchronously
// @Summary Deposit funds
// @Tags transactions
// @Accept json
// @Produce json
// @Param accountID path string true "Account ID"
// @Param request body AmountPayload true "Deposit amount"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /transactions/{accountID}/deposit [post]
func (s *AccountService) Deposit(w http.ResponseWriter, r *http.Request) {
	s.move(w, r, "deposit")
}

// Withdraw debits an owned account synchronously
// @Summary Withdraw funds
// @Tags transactions
// @Accept json
// @Produce json
// @Param accountID path string true "Account ID"
// @Param request body AmountPayload true "Withdrawal amount"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /transactions/{accountID}/withdraw [post]
func (s *AccountService) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.move(w, r, "withdrawal")
}

func (s *AccountService) move(w http.ResponseWriter, r *http.Request, kind string) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accountID := chi.URLParam(r, "accountID")

	var req AmountPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, err)
		return
	}

	// Ownership check
	var accountNumber string
	var balance int64
	err := s.db.QueryRow(`
		SELECT account_number, balance_cents FROM accounts
		WHERE id = $1 AND owner_id = $2
	`, accountID, userID).Scan(&accountNumber, &balance)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found or unauthorized", http.StatusForbidden, nil)
			return
		}
		log.Printf("[ACCOUNT] Account lookup failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
		return
	}

	var transactionID string
	if kind == "deposit" {
		transactionID, err = s.ledger.Deposit(r.Context(), accountID, userID, req.Amount)
	} else {
		transactionID, err = s.ledger.Withdraw(r.Context(), accountID, userID, req.Amount)
	}
	if err != nil {
		if err == ErrInsufficientFunds {
			SendJSONResponse(w, http.StatusBadRequest, map[string]interface{}{
				"error":           "Insufficient funds",
				"current_balance": balance,
			})
			return
		}
		log.Printf("[ACCOUNT] %s failed for account %s: %v", kind, accountID, err)
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
		return
	}

	go s.notifyMove(userID, kind, req.Amount, accountNumber)

	log.Printf("[ACCOUNT] %s of %d on account %s completed: %s", kind, req.Amount, accountID, transactionID)
	SendJSONResponse(w, http.StatusOK, map[string]string{
		"message":        kind + " successful",
		"transaction_id": transactionID,
	})
}

func (s *AccountService) notifyMove(userID int, kind string, amount int64, accountNumber string) {
	var email string
	if err := s.db.QueryRow(`SELECT email FROM users WHERE id = $1`, userID).Scan(&email); err != nil {
		log.Printf("[ACCOUNT] Failed to look up email for user %d: %v", userID, err)
		return
	}

	ctx, cancel := notifyContext()
	defer cancel()
	s.notifier.NotifyTransaction(ctx, TransactionNotification{
		Type:          kind,
		Amount:        amount,
		UserEmail:     email,
		AccountNumber: accountNumber,
	})
}

// TransactionHistory lists ledger transactions touching an owned account
// @Summary Get transaction history
// @Tags transactions
// @Produce json
// @Param accountID path string true "Account ID"
// @Success 200 {object} map[string]interface{}
// @Failure 403 {object} ErrorResponse
// @Router /transactions/{accountID}/history [get]
func (s *AccountService) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accountID := chi.URLParam(r, "accountID")

	var owned string
	err := s.db.QueryRow(`SELECT id FROM accounts WHERE id = $1 AND owner_id = $2`, accountID, userID).Scan(&owned)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found or unauthorized", http.StatusForbidden, nil)
			return
		}
		log.Printf("[ACCOUNT] Account lookup failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, from_bank_account_id, to_bank_account_id, amount, created_at
		FROM transactions
		WHERE from_bank_account_id = $1 OR to_bank_account_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to fetch history for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	history := []map[string]interface{}{}
	for rows.Next() {
		var id string
		var from, to sql.NullString
		var amount int64
		var createdAt time.Time
		if err := rows.Scan(&id, &from, &to, &amount, &createdAt); err != nil {
			log.Printf("[ACCOUNT] Failed to scan transaction row: %v", err)
			SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
			return
		}

		kind := "deposit"
		if from.Valid && from.String == accountID {
			kind = "withdrawal"
		}

		entry := map[string]interface{}{
			"id":         id,
			"type":       kind,
			"amount":     amount,
			"created_at": createdAt.Format(time.RFC3339),
		}
		if from.Valid {
			entry["from_account"] = from.String
		}
		if to.Valid {
			entry["to_account"] = to.String
		}
		history = append(history, entry)
	}

	SendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"transactions": history,
	})
}
