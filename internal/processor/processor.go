package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bookkeep/backend/internal/broker"
	"github.com/bookkeep/backend/internal/cache"
	"github.com/bookkeep/backend/internal/models"
	"github.com/bookkeep/backend/internal/services"
)

// Processor drains the transfer lifecycle queues and executes approved
// transfers. It is the only component that mutates account balances for
// transfers and the only one that moves a transfer into completed or failed.
type Processor struct {
	db       *sql.DB
	cache    *cache.StatusCache
	ledger   *services.LedgerService
	notifier services.Notifier
}

func New(db *sql.DB, statusCache *cache.StatusCache, notifier services.Notifier) *Processor {
	return &Processor{
		db:       db,
		cache:    statusCache,
		ledger:   services.NewLedgerService(db),
		notifier: notifier,
	}
}

// Run consumes the requested, approval and decline queues until the context
// is cancelled or a delivery stream closes. Every message is acknowledged
// after handling; handler errors mark the transfer failed rather than
// requeueing, so one bad transfer never stalls the loop.
func (p *Processor) Run(ctx context.Context, conn *broker.Connection) error {
	requested, err := conn.Consume(models.QueueTransferRequests)
	if err != nil {
		return err
	}
	approvals, err := conn.Consume(models.QueueTransferApprovals)
	if err != nil {
		return err
	}
	declines, err := conn.Consume(models.QueueTransferDeclines)
	if err != nil {
		return err
	}

	log.Println("[PROCESSOR] Listening for transfer requests, approvals, and declines...")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-requested:
			if !ok {
				return fmt.Errorf("transfer-requests delivery stream closed")
			}
			p.acknowledge(d, p.handleRequested(ctx, d.Body))
		case d, ok := <-approvals:
			if !ok {
				return fmt.Errorf("transfer-approvals delivery stream closed")
			}
			p.acknowledge(d, p.handleApproval(ctx, d.Body))
		case d, ok := <-declines:
			if !ok {
				return fmt.Errorf("transfer-declines delivery stream closed")
			}
			p.acknowledge(d, p.handleDecline(d.Body))
		}
	}
}

func (p *Processor) acknowledge(d amqp.Delivery, err error) {
	if err != nil {
		log.Printf("[PROCESSOR] Error processing message: %v", err)
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Printf("[PROCESSOR] Failed to ack message: %v", ackErr)
	}
}

func (p *Processor) handleRequested(ctx context.Context, body []byte) error {
	var event models.TransferRequestedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode requested event: %w", err)
	}

	log.Printf("[PROCESSOR] Received transfer request %s: state=%s, amount=%d, requires_approval=%t",
		event.TransferRequestID, event.State, event.Amount, event.RequiresApproval)

	// Pending transfers wait for the approval gateway
	if event.RequiresApproval && event.State == models.TransferStatePending {
		log.Printf("[PROCESSOR] Transfer %s requires approval, waiting", event.TransferRequestID)
		return nil
	}

	return p.execute(ctx, event.TransferRequestID)
}

func (p *Processor) handleApproval(ctx context.Context, body []byte) error {
	var event models.TransferApprovalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode approval event: %w", err)
	}

	log.Printf("[PROCESSOR] Received approval for transfer %s", event.TransferRequestID)
	return p.execute(ctx, event.TransferRequestID)
}

// handleDecline only logs; the gateway already finalized the state in the
// store and no balance is affected.
func (p *Processor) handleDecline(body []byte) error {
	var event models.TransferDeclineEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode decline event: %w", err)
	}

	log.Printf("[PROCESSOR] Transfer %s declined: %s", event.TransferRequestID, event.DeclineReason)
	return nil
}

// execute runs the state machine for one transfer. The persisted state is
// reloaded first, so duplicate and re-ordered deliveries collapse into
// no-ops once the transfer is terminal.
func (p *Processor) execute(ctx context.Context, transferID string) error {
	var transfer models.TransferRequest
	err := p.db.QueryRowContext(ctx, `
		SELECT id, initiator_id, from_account_id, to_account_id, amount, state
		FROM transfer_requests
		WHERE id = $1
	`, transferID).Scan(
		&transfer.ID, &transfer.InitiatorID, &transfer.FromAccountID,
		&transfer.ToAccountID, &transfer.Amount, &transfer.State,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("[PROCESSOR] Transfer %s not found in database", transferID)
			return nil
		}
		return fmt.Errorf("reload transfer %s: %w", transferID, err)
	}

	switch transfer.State {
	case models.TransferStateCompleted:
		log.Printf("[PROCESSOR] Transfer %s already completed", transferID)
		return nil
	case models.TransferStateDeclined, models.TransferStateFailed:
		log.Printf("[PROCESSOR] Transfer %s is terminal (%s), no action", transferID, transfer.State)
		return nil
	case models.TransferStatePending:
		log.Printf("[PROCESSOR] Transfer %s still pending approval", transferID)
		return nil
	}

	// Balance may have moved since intake's advisory check
	var balance int64
	err = p.db.QueryRowContext(ctx, `
		SELECT balance_cents FROM accounts WHERE id = $1
	`, transfer.FromAccountID).Scan(&balance)
	if err != nil {
		p.markFailed(ctx, transferID, fmt.Sprintf("source account lookup failed: %v", err))
		return nil
	}

	if balance < transfer.Amount {
		log.Printf("[PROCESSOR] Insufficient funds for transfer %s: %d < %d", transferID, balance, transfer.Amount)
		p.markFailed(ctx, transferID, "Insufficient funds")
		return nil
	}

	log.Printf("[PROCESSOR] Executing transfer %s: %d from %s to %s",
		transferID, transfer.Amount, transfer.FromAccountID, transfer.ToAccountID)

	transactionID, err := p.ledger.ExecuteTransfer(ctx, transferID, transfer.InitiatorID,
		transfer.FromAccountID, transfer.ToAccountID, transfer.Amount)
	if err != nil {
		switch err {
		case services.ErrAlreadyExecuted:
			log.Printf("[PROCESSOR] Transfer %s already executed by another delivery", transferID)
			return nil
		case services.ErrInsufficientFunds:
			p.markFailed(ctx, transferID, "Insufficient funds")
			return nil
		default:
			log.Printf("[PROCESSOR] Execution failed for transfer %s: %v", transferID, err)
			p.markFailed(ctx, transferID, err.Error())
			return nil
		}
	}

	if err := p.cache.SetCompleted(ctx, transferID, transactionID); err != nil {
		log.Printf("[PROCESSOR] Failed to update cache for %s: %v", transferID, err)
	}

	log.Printf("[PROCESSOR] Transfer %s completed, transaction %s", transferID, transactionID)

	p.notifyCompleted(&transfer)
	return nil
}

// markFailed records a terminal failure on the transfer. If even this write
// fails the transfer is logged and left for manual reconciliation.
func (p *Processor) markFailed(ctx context.Context, transferID, reason string) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE transfer_requests
		SET state = 'failed', decline_reason = $1, updated_at = $2
		WHERE id = $3 AND state = 'approved'
	`, reason, time.Now(), transferID)
	if err != nil {
		log.Printf("[PROCESSOR] Failed to mark transfer %s failed, leaving for manual reconciliation: %v", transferID, err)
		return
	}

	if err := p.cache.SetState(ctx, transferID, models.TransferStateFailed); err != nil {
		log.Printf("[PROCESSOR] Failed to update cache for %s: %v", transferID, err)
	}
}

func (p *Processor) notifyCompleted(transfer *models.TransferRequest) {
	var email string
	if err := p.db.QueryRow(`SELECT email FROM users WHERE id = $1`, transfer.InitiatorID).Scan(&email); err != nil {
		log.Printf("[PROCESSOR] Failed to look up email for user %d: %v", transfer.InitiatorID, err)
		return
	}

	var fromNumber, toNumber string
	if err := p.db.QueryRow(`SELECT account_number FROM accounts WHERE id = $1`, transfer.FromAccountID).Scan(&fromNumber); err != nil {
		log.Printf("[PROCESSOR] Failed to look up account %s: %v", transfer.FromAccountID, err)
		return
	}
	if err := p.db.QueryRow(`SELECT account_number FROM accounts WHERE id = $1`, transfer.ToAccountID).Scan(&toNumber); err != nil {
		log.Printf("[PROCESSOR] Failed to look up account %s: %v", transfer.ToAccountID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.notifier.NotifyTransaction(ctx, services.TransactionNotification{
		Type:            "transfer",
		Amount:          transfer.Amount,
		UserEmail:       email,
		AccountNumber:   fromNumber,
		ToAccountNumber: toNumber,
	})
}
