package services

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/bookkeep/backend/internal/cache"
	"github.com/bookkeep/backend/internal/models"
)

func TestApprovalService_Approve(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	newRouter := func(publisher *MockPublisher) *chi.Mux {
		service := NewApprovalService(db, cache.NewStatusCache(nil), publisher)
		r := chi.NewRouter()
		r.Post("/transfers/{id}/approve", service.Approve)
		return r
	}

	t.Run("pending transfer is approved", func(t *testing.T) {
		publisher := &MockPublisher{}
		publisher.On("Publish", mock.Anything, models.QueueTransferApprovals, mock.AnythingOfType("models.TransferApprovalEvent")).
			Return(nil)

		dbMock.ExpectExec("UPDATE transfer_requests").
			WithArgs(7, sqlmock.AnyArg(), "transfer1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := authedRequest("POST", "/transfers/transfer1/approve", nil, 7)
		w := httptest.NewRecorder()
		newRouter(publisher).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "approved", response["state"])
		assert.Equal(t, "transfer1", response["transfer_request_id"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
		publisher.AssertExpectations(t)
	})

	t.Run("second approve returns a state conflict", func(t *testing.T) {
		publisher := &MockPublisher{}

		dbMock.ExpectExec("UPDATE transfer_requests").
			WithArgs(7, sqlmock.AnyArg(), "transfer1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectQuery("SELECT state FROM transfer_requests").
			WithArgs("transfer1").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("approved"))

		req := authedRequest("POST", "/transfers/transfer1/approve", nil, 7)
		w := httptest.NewRecorder()
		newRouter(publisher).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "Transfer is in 'approved' state, cannot approve", response.Error)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		publisher.AssertNotCalled(t, "Publish")
	})

	t.Run("missing transfer returns not found", func(t *testing.T) {
		publisher := &MockPublisher{}

		dbMock.ExpectExec("UPDATE transfer_requests").
			WithArgs(7, sqlmock.AnyArg(), "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectQuery("SELECT state FROM transfer_requests").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		req := authedRequest("POST", "/transfers/ghost/approve", nil, 7)
		w := httptest.NewRecorder()
		newRouter(publisher).ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unauthenticated request", func(t *testing.T) {
		publisher := &MockPublisher{}

		req := httptest.NewRequest("POST", "/transfers/transfer1/approve", nil)
		w := httptest.NewRecorder()
		newRouter(publisher).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestApprovalService_Decline(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	newRouter := func(publisher *MockPublisher) *chi.Mux {
		service := NewApprovalService(db, cache.NewStatusCache(nil), publisher)
		r := chi.NewRouter()
		r.Post("/transfers/{id}/decline", service.Decline)
		return r
	}

	t.Run("decline with explicit reason", func(t *testing.T) {
		publisher := &MockPublisher{}
		publisher.On("Publish", mock.Anything, models.QueueTransferDeclines, mock.MatchedBy(func(e models.TransferDeclineEvent) bool {
			return e.DeclineReason == "suspicious activity"
		})).Return(nil)

		dbMock.ExpectExec("UPDATE transfer_requests").
			WithArgs("suspicious activity", sqlmock.AnyArg(), "transfer2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		body, _ := json.Marshal(map[string]string{"reason": "suspicious activity"})
		req := authedRequest("POST", "/transfers/transfer2/decline", body, 7)
		w := httptest.NewRecorder()
		newRouter(publisher).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "declined", response["state"])
		assert.Equal(t, "suspicious activity", response["reason"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
		publisher.AssertExpectations(t)
	})

	t.Run("decline without body uses the default reason", func(t *testing.T) {
		publisher := &MockPublisher{}
		publisher.On("Publish", mock.Anything, models.QueueTransferDeclines, mock.MatchedBy(func(e models.TransferDeclineEvent) bool {
			return e.DeclineReason == defaultDeclineReason
		})).Return(nil)

		dbMock.ExpectExec("UPDATE transfer_requests").
			WithArgs(defaultDeclineReason, sqlmock.AnyArg(), "transfer3").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := authedRequest("POST", "/transfers/transfer3/decline", nil, 7)
		w := httptest.NewRecorder()
		newRouter(publisher).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, defaultDeclineReason, response["reason"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
		publisher.AssertExpectations(t)
	})

	t.Run("declined transfer cannot be declined again", func(t *testing.T) {
		publisher := &MockPublisher{}

		dbMock.ExpectExec("UPDATE transfer_requests").
			WithArgs(defaultDeclineReason, sqlmock.AnyArg(), "transfer3").
			WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectQuery("SELECT state FROM transfer_requests").
			WithArgs("transfer3").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("declined"))

		req := authedRequest("POST", "/transfers/transfer3/decline", nil, 7)
		w := httptest.NewRecorder()
		newRouter(publisher).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "Transfer is in 'declined' state, cannot decline", response.Error)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		publisher.AssertNotCalled(t, "Publish")
	})
}
