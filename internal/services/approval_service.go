package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookkeep/backend/internal/broker"
	"github.com/bookkeep/backend/internal/cache"
	"github.com/bookkeep/backend/internal/middleware"
	"github.com/bookkeep/backend/internal/models"
)

const defaultDeclineReason = "Declined by administrator"

// ApprovalService moves pending transfers to approved or declined. Both
// transitions are conditional updates so a transfer can only ever leave
// pending once.
type ApprovalService struct {
	db        *sql.DB
	cache     *cache.StatusCache
	publisher broker.Publisher
}

// DeclinePayload is the optional decline request body
type DeclinePayload struct {
	Reason string `json:"reason"`
}

func NewApprovalService(db *sql.DB, statusCache *cache.StatusCache, publisher broker.Publisher) *ApprovalService {
	return &ApprovalService{
		db:        db,
		cache:     statusCache,
		publisher: publisher,
	}
}

// Approve transitions a pending transfer to approved
// @Summary Approve a pending transfer
// @Tags transfers
// @Produce json
// @Param id path string true "Transfer request ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transfers/{id}/approve [post]
func (s *ApprovalService) Approve(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	transferID := chi.URLParam(r, "id")

	result, err := s.db.Exec(`
		UPDATE transfer_requests
		SET state = 'approved', approved_by = $1, updated_at = $2
		WHERE id = $3 AND state = 'pending'
	`, userID, time.Now(), transferID)
	if err != nil {
		log.Printf("[APPROVAL] Failed to approve transfer %s: %v", transferID, err)
		SendErrorResponse(w, "Failed to approve transfer", http.StatusInternalServerError, nil)
		return
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		s.sendStateConflict(w, transferID, "approve")
		return
	}

	if err := s.cache.SetState(r.Context(), transferID, models.TransferStateApproved); err != nil {
		log.Printf("[APPROVAL] Failed to update cache for %s: %v", transferID, err)
	}

	event := models.TransferApprovalEvent{
		TransferRequestID: transferID,
		State:             models.TransferStateApproved,
		ApprovedBy:        userID,
		Timestamp:         time.Now().Format(time.RFC3339),
	}
	if err := s.publisher.Publish(r.Context(), models.QueueTransferApprovals, event); err != nil {
		// The store already says approved; a lost event is left to the
		// operator sweep over stuck approved rows
		log.Printf("[APPROVAL] Failed to publish approval event for %s: %v", transferID, err)
	}

	log.Printf("[APPROVAL] Transfer %s approved by user %d", transferID, userID)
	SendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"message":             "Transfer approved",
		"transfer_request_id": transferID,
		"state":               models.TransferStateApproved,
	})
}

// Decline transitions a pending transfer to declined (terminal)
// @Summary Decline a pending transfer
// @Tags transfers
// @Accept json
// @Produce json
// @Param id path string true "Transfer request ID"
// @Param request body DeclinePayload false "Decline reason"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transfers/{id}/decline [post]
func (s *ApprovalService) Decline(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	transferID := chi.URLParam(r, "id")

	reason := defaultDeclineReason
	if r.Body != nil {
		var payload DeclinePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
			SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return
		}
		if payload.Reason != "" {
			reason = payload.Reason
		}
	}

	result, err := s.db.Exec(`
		UPDATE transfer_requests
		SET state = 'declined', decline_reason = $1, updated_at = $2
		WHERE id = $3 AND state = 'pending'
	`, reason, time.Now(), transferID)
	if err != nil {
		log.Printf("[APPROVAL] Failed to decline transfer %s: %v", transferID, err)
		SendErrorResponse(w, "Failed to decline transfer", http.StatusInternalServerError, nil)
		return
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		s.sendStateConflict(w, transferID, "decline")
		return
	}

	if err := s.cache.SetState(r.Context(), transferID, models.TransferStateDeclined); err != nil {
		log.Printf("[APPROVAL] Failed to update cache for %s: %v", transferID, err)
	}

	event := models.TransferDeclineEvent{
		TransferRequestID: transferID,
		State:             models.TransferStateDeclined,
		DeclineReason:     reason,
		Timestamp:         time.Now().Format(time.RFC3339),
	}
	if err := s.publisher.Publish(r.Context(), models.QueueTransferDeclines, event); err != nil {
		log.Printf("[APPROVAL] Failed to publish decline event for %s: %v", transferID, err)
	}

	log.Printf("[APPROVAL] Transfer %s declined by user %d: %s", transferID, userID, reason)
	SendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"message":             "Transfer declined",
		"transfer_request_id": transferID,
		"state":               models.TransferStateDeclined,
		"reason":              reason,
	})
}

// sendStateConflict distinguishes a missing transfer from one that already
// left the pending state.
func (s *ApprovalService) sendStateConflict(w http.ResponseWriter, transferID, verb string) {
	var state string
	err := s.db.QueryRow(`SELECT state FROM transfer_requests WHERE id = $1`, transferID).Scan(&state)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Transfer request not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[APPROVAL] State lookup failed for %s: %v", transferID, err)
		SendErrorResponse(w, "Failed to read transfer state", http.StatusInternalServerError, nil)
		return
	}

	SendErrorResponse(w,
		fmt.Sprintf("Transfer is in '%s' state, cannot %s", state, verb),
		http.StatusBadRequest, nil)
}
