package models

// Broker queue names. One durable queue per lifecycle event.
const (
	QueueTransferRequests  = "transfer-requests"
	QueueTransferApprovals = "transfer-approvals"
	QueueTransferDeclines  = "transfer-declines"
)

// TransferRequestedEvent is published by intake with the full request
// snapshot when a transfer is accepted.
type TransferRequestedEvent struct {
	TransferRequestID string `json:"transfer_request_id"`
	InitiatorID       int    `json:"initiator_id"`
	FromAccountID     string `json:"from_account_id"`
	ToAccountID       string `json:"to_account_id"`
	Amount            int64  `json:"amount"`
	State             string `json:"state"`
	RequiresApproval  bool   `json:"requires_approval"`
	Timestamp         string `json:"timestamp"`
}

// TransferApprovalEvent is published when a pending transfer is approved.
type TransferApprovalEvent struct {
	TransferRequestID string `json:"transfer_request_id"`
	State             string `json:"state"`
	ApprovedBy        int    `json:"approved_by"`
	Timestamp         string `json:"timestamp"`
}

// TransferDeclineEvent is published when a pending transfer is declined.
// The processor logs these; the decline is already final in the store.
type TransferDeclineEvent struct {
	TransferRequestID string `json:"transfer_request_id"`
	State             string `json:"state"`
	DeclineReason     string `json:"decline_reason"`
	Timestamp         string `json:"timestamp"`
}
