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
	"github.com/spf13/viper"

	"github.com/bookkeep/backend/internal/broker"
	"github.com/bookkeep/backend/internal/cache"
	"github.com/bookkeep/backend/internal/middleware"
	"github.com/bookkeep/backend/internal/models"
)

// TransferService accepts transfer requests and answers status queries. It
// never moves funds itself; execution belongs to the processor.
type TransferService struct {
	db        *sql.DB
	cache     *cache.StatusCache
	publisher broker.Publisher
	validator *ValidationHelper
	threshold int64
}

// TransferRequestPayload is the intake request body
type TransferRequestPayload struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	ToAccountID string `json:"to_account_id" validate:"required"`
}

func NewTransferService(db *sql.DB, statusCache *cache.StatusCache, publisher broker.Publisher) *TransferService {
	viper.SetDefault("transfer.approval_threshold", int64(20000))

	return &TransferService{
		db:        db,
		cache:     statusCache,
		publisher: publisher,
		validator: NewValidationHelper(),
		threshold: viper.GetInt64("transfer.approval_threshold"),
	}
}

// CreateTransfer accepts a transfer request for asynchronous execution
// @Summary Create a transfer request
// @Description Validate a transfer, persist the request, and hand it to the async pipeline
// @Tags transfers
// @Accept json
// @Produce json
// @Param accountID path string true "Source account ID"
// @Param request body TransferRequestPayload true "Transfer details"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{accountID}/transfer [post]
func (s *TransferService) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	fromAccountID := chi.URLParam(r, "accountID")

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req TransferRequestPayload
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[TRANSFER] Validation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.ToAccountID == fromAccountID {
		SendErrorResponse(w, "Cannot transfer to same account", http.StatusBadRequest, nil)
		return
	}

	log.Printf("[TRANSFER] Transfer request: user=%d, from=%s, to=%s, amount=%d",
		userID, fromAccountID, req.ToAccountID, req.Amount)

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[TRANSFER] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to create transfer request", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	// Source must exist and belong to the caller
	var balance int64
	err = tx.QueryRow(`
		SELECT balance_cents FROM accounts
		WHERE id = $1 AND owner_id = $2
	`, fromAccountID, userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Source account not found or unauthorized", http.StatusForbidden, nil)
			return
		}
		log.Printf("[TRANSFER] Source account lookup failed: %v", err)
		SendErrorResponse(w, "Failed to create transfer request", http.StatusInternalServerError, nil)
		return
	}

	// Advisory check only; the processor re-checks at execution time
	if balance < req.Amount {
		log.Printf("[TRANSFER] Insufficient funds at request time: %d < %d", balance, req.Amount)
		SendJSONResponse(w, http.StatusBadRequest, map[string]interface{}{
			"error":           "Insufficient funds",
			"current_balance": balance,
		})
		return
	}

	var toAccountID string
	err = tx.QueryRow(`SELECT id FROM accounts WHERE id = $1`, req.ToAccountID).Scan(&toAccountID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Destination account not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[TRANSFER] Destination account lookup failed: %v", err)
		SendErrorResponse(w, "Failed to create transfer request", http.StatusInternalServerError, nil)
		return
	}

	requiresApproval := req.Amount > s.threshold
	initialState := models.TransferStateApproved
	if requiresApproval {
		initialState = models.TransferStatePending
	}

	transferID := uuid.NewString()
	now := time.Now()
	_, err = tx.Exec(`
		INSERT INTO transfer_requests
		(id, initiator_id, from_account_id, to_account_id, amount, state, requires_approval, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, transferID, userID, fromAccountID, req.ToAccountID, req.Amount, initialState, requiresApproval, now, now)
	if err != nil {
		log.Printf("[TRANSFER] Failed to persist transfer request: %v", err)
		SendErrorResponse(w, "Failed to create transfer request", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[TRANSFER] Failed to commit transfer request: %v", err)
		SendErrorResponse(w, "Failed to create transfer request", http.StatusInternalServerError, nil)
		return
	}

	// Best-effort mirror; the store row is already the source of truth
	if err := s.cache.Put(r.Context(), transferID, cache.Entry{
		State:            initialState,
		Amount:           req.Amount,
		FromAccountID:    fromAccountID,
		ToAccountID:      req.ToAccountID,
		RequiresApproval: requiresApproval,
	}); err != nil {
		log.Printf("[TRANSFER] Failed to cache transfer %s: %v", transferID, err)
	}

	event := models.TransferRequestedEvent{
		TransferRequestID: transferID,
		InitiatorID:       userID,
		FromAccountID:     fromAccountID,
		ToAccountID:       req.ToAccountID,
		Amount:            req.Amount,
		State:             initialState,
		RequiresApproval:  requiresApproval,
		Timestamp:         now.Format(time.RFC3339),
	}
	if err := s.publisher.Publish(r.Context(), models.QueueTransferRequests, event); err != nil {
		log.Printf("[TRANSFER] Failed to publish requested event for %s: %v", transferID, err)
	}

	log.Printf("[TRANSFER] Transfer request %s created: state=%s, requires_approval=%t",
		transferID, initialState, requiresApproval)

	SendJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"message":             "Transfer request created",
		"transfer_request_id": transferID,
		"state":               initialState,
		"requires_approval":   requiresApproval,
	})
}

// GetTransferStatus returns the current state of a transfer request
// @Summary Get transfer status
// @Description Read the transfer state from the cache, falling back to the store
// @Tags transfers
// @Produce json
// @Param id path string true "Transfer request ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /transfers/{id}/status [get]
func (s *TransferService) GetTransferStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	transferID := chi.URLParam(r, "id")

	// Fast path: cached projection
	entry, err := s.cache.Get(r.Context(), transferID)
	if err != nil {
		log.Printf("[TRANSFER] Cache read failed for %s: %v", transferID, err)
	}
	if entry != nil {
		resp := map[string]interface{}{
			"transfer_request_id": transferID,
			"state":               entry.State,
			"amount":              entry.Amount,
			"requires_approval":   entry.RequiresApproval,
			"source":              "cache",
		}
		if entry.TransactionID != "" {
			resp["transaction_id"] = entry.TransactionID
		}
		SendJSONResponse(w, http.StatusOK, resp)
		return
	}

	// Fallback: authoritative store, restricted to the initiator
	var transfer models.TransferRequest
	err = s.db.QueryRow(`
		SELECT id, state, amount, requires_approval, transaction_id, created_at, updated_at
		FROM transfer_requests
		WHERE id = $1 AND initiator_id = $2
	`, transferID, userID).Scan(
		&transfer.ID, &transfer.State, &transfer.Amount, &transfer.RequiresApproval,
		&transfer.TransactionID, &transfer.CreatedAt, &transfer.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Transfer request not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[TRANSFER] Status lookup failed for %s: %v", transferID, err)
		SendErrorResponse(w, "Failed to fetch transfer status", http.StatusInternalServerError, nil)
		return
	}

	resp := map[string]interface{}{
		"transfer_request_id": transfer.ID,
		"state":               transfer.State,
		"amount":              transfer.Amount,
		"requires_approval":   transfer.RequiresApproval,
		"created_at":          transfer.CreatedAt.Format(time.RFC3339),
		"updated_at":          transfer.UpdatedAt.Format(time.RFC3339),
		"source":              "store",
	}
	if transfer.TransactionID.Valid {
		resp["transaction_id"] = transfer.TransactionID.String
	}
	SendJSONResponse(w, http.StatusOK, resp)
}
