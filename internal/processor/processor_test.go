package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/bookkeep/backend/internal/cache"
	"github.com/bookkeep/backend/internal/models"
	"github.com/bookkeep/backend/internal/services"
)

type stubNotifier struct {
	mock.Mock
}

func (m *stubNotifier) NotifyTransaction(ctx context.Context, n services.TransactionNotification) {
	m.Called(ctx, n)
}

func transferRow(id string, initiatorID int, from, to string, amount int64, state string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "initiator_id", "from_account_id", "to_account_id", "amount", "state"}).
		AddRow(id, initiatorID, from, to, amount, state)
}

func TestProcessor_handleApproval(t *testing.T) {
	t.Run("approved transfer is executed", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		notifier := &stubNotifier{}
		notifier.On("NotifyTransaction", mock.Anything, mock.MatchedBy(func(n services.TransactionNotification) bool {
			return n.Type == "transfer" && n.Amount == 10000 && n.UserEmail == "jane@example.com" &&
				n.AccountNumber == "numA" && n.ToAccountNumber == "numB"
		})).Return()

		p := New(db, cache.NewStatusCache(nil), notifier)

		dbMock.ExpectQuery("SELECT id, initiator_id, from_account_id, to_account_id, amount, state").
			WithArgs("transfer1").
			WillReturnRows(transferRow("transfer1", 1, "accA", "accB", 10000, "approved"))

		dbMock.ExpectQuery("SELECT balance_cents FROM accounts").
			WithArgs("accA").
			WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(50000))

		dbMock.ExpectBegin()
		dbMock.ExpectExec("UPDATE accounts").
			WithArgs(int64(10000), sqlmock.AnyArg(), "accA").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE accounts").
			WithArgs(int64(10000), sqlmock.AnyArg(), "accB").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), 1, "accA", "accB", int64(10000), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("UPDATE transfer_requests").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "transfer1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		dbMock.ExpectQuery("SELECT email FROM users").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("jane@example.com"))
		dbMock.ExpectQuery("SELECT account_number FROM accounts").
			WithArgs("accA").
			WillReturnRows(sqlmock.NewRows([]string{"account_number"}).AddRow("numA"))
		dbMock.ExpectQuery("SELECT account_number FROM accounts").
			WithArgs("accB").
			WillReturnRows(sqlmock.NewRows([]string{"account_number"}).AddRow("numB"))

		body, _ := json.Marshal(models.TransferApprovalEvent{TransferRequestID: "transfer1", State: "approved", ApprovedBy: 7})
		err = p.handleApproval(context.Background(), body)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		notifier.AssertExpectations(t)
	})

	t.Run("duplicate delivery of a completed transfer is a no-op", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		notifier := &stubNotifier{}
		p := New(db, cache.NewStatusCache(nil), notifier)

		dbMock.ExpectQuery("SELECT id, initiator_id, from_account_id, to_account_id, amount, state").
			WithArgs("transfer1").
			WillReturnRows(transferRow("transfer1", 1, "accA", "accB", 10000, "completed"))

		body, _ := json.Marshal(models.TransferApprovalEvent{TransferRequestID: "transfer1"})
		err = p.handleApproval(context.Background(), body)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		notifier.AssertNotCalled(t, "NotifyTransaction")
	})

	t.Run("insufficient funds at execution marks the transfer failed", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		notifier := &stubNotifier{}
		p := New(db, cache.NewStatusCache(nil), notifier)

		dbMock.ExpectQuery("SELECT id, initiator_id, from_account_id, to_account_id, amount, state").
			WithArgs("transfer1").
			WillReturnRows(transferRow("transfer1", 1, "accA", "accB", 10000, "approved"))

		// Balance drained since intake accepted the request
		dbMock.ExpectQuery("SELECT balance_cents FROM accounts").
			WithArgs("accA").
			WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(2000))

		dbMock.ExpectExec("UPDATE transfer_requests").
			WithArgs("Insufficient funds", sqlmock.AnyArg(), "transfer1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		body, _ := json.Marshal(models.TransferApprovalEvent{TransferRequestID: "transfer1"})
		err = p.handleApproval(context.Background(), body)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		notifier.AssertNotCalled(t, "NotifyTransaction")
	})

	t.Run("unknown transfer is logged and skipped", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		p := New(db, cache.NewStatusCache(nil), &stubNotifier{})

		dbMock.ExpectQuery("SELECT id, initiator_id, from_account_id, to_account_id, amount, state").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		body, _ := json.Marshal(models.TransferApprovalEvent{TransferRequestID: "ghost"})
		err = p.handleApproval(context.Background(), body)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("malformed message is an error", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		p := New(db, cache.NewStatusCache(nil), &stubNotifier{})
		err = p.handleApproval(context.Background(), []byte("not json"))
		assert.Error(t, err)
	})
}

func TestProcessor_handleRequested(t *testing.T) {
	t.Run("pending request waits for approval", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		p := New(db, cache.NewStatusCache(nil), &stubNotifier{})

		body, _ := json.Marshal(models.TransferRequestedEvent{
			TransferRequestID: "transfer1",
			State:             "pending",
			RequiresApproval:  true,
			Amount:            30000,
		})
		err = p.handleRequested(context.Background(), body)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("auto-approved request executes immediately", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		notifier := &stubNotifier{}
		notifier.On("NotifyTransaction", mock.Anything, mock.Anything).Return()
		p := New(db, cache.NewStatusCache(nil), notifier)

		dbMock.ExpectQuery("SELECT id, initiator_id, from_account_id, to_account_id, amount, state").
			WithArgs("transfer1").
			WillReturnRows(transferRow("transfer1", 1, "accA", "accB", 10000, "approved"))
		dbMock.ExpectQuery("SELECT balance_cents FROM accounts").
			WithArgs("accA").
			WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(50000))
		dbMock.ExpectBegin()
		dbMock.ExpectExec("UPDATE accounts").
			WithArgs(int64(10000), sqlmock.AnyArg(), "accA").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE accounts").
			WithArgs(int64(10000), sqlmock.AnyArg(), "accB").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("UPDATE transfer_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()
		dbMock.ExpectQuery("SELECT email FROM users").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("jane@example.com"))
		dbMock.ExpectQuery("SELECT account_number FROM accounts").
			WithArgs("accA").
			WillReturnRows(sqlmock.NewRows([]string{"account_number"}).AddRow("numA"))
		dbMock.ExpectQuery("SELECT account_number FROM accounts").
			WithArgs("accB").
			WillReturnRows(sqlmock.NewRows([]string{"account_number"}).AddRow("numB"))

		body, _ := json.Marshal(models.TransferRequestedEvent{
			TransferRequestID: "transfer1",
			State:             "approved",
			RequiresApproval:  false,
			Amount:            10000,
		})
		err = p.handleRequested(context.Background(), body)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestProcessor_handleDecline(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	p := New(db, cache.NewStatusCache(nil), &stubNotifier{})

	t.Run("decline is logged only", func(t *testing.T) {
		body, _ := json.Marshal(models.TransferDeclineEvent{
			TransferRequestID: "transfer1",
			State:             "declined",
			DeclineReason:     "suspicious activity",
		})
		assert.NoError(t, p.handleDecline(body))
	})

	t.Run("malformed decline message", func(t *testing.T) {
		assert.Error(t, p.handleDecline([]byte("{")))
	})
}
