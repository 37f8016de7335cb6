package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

// TransactionNotification is the payload the notification collaborator
// accepts.
type TransactionNotification struct {
	Type            string `json:"type"` // deposit, withdrawal or transfer
	Amount          int64  `json:"amount"`
	UserEmail       string `json:"user_email"`
	AccountNumber   string `json:"account_number"`
	ToAccountNumber string `json:"to_account_number,omitempty"`
}

// Notifier delivers best-effort transaction notifications. Failures are
// logged and swallowed; a notification must never block or fail a transfer.
type Notifier interface {
	NotifyTransaction(ctx context.Context, n TransactionNotification)
}

// notifyContext bounds a best-effort notification call.
func notifyContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// NotificationClient posts notifications to the external notification
// service over HTTP with a short timeout.
type NotificationClient struct {
	baseURL string
	client  *http.Client
}

func NewNotificationClient() *NotificationClient {
	viper.SetDefault("notification.url", "http://localhost:5004")
	viper.SetDefault("notification.timeout", 5*time.Second)

	return &NotificationClient{
		baseURL: viper.GetString("notification.url"),
		client:  &http.Client{Timeout: viper.GetDuration("notification.timeout")},
	}
}

func (c *NotificationClient) NotifyTransaction(ctx context.Context, n TransactionNotification) {
	body, err := json.Marshal(n)
	if err != nil {
		log.Printf("[NOTIFY] Failed to encode notification: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/notifications/transaction", c.baseURL), bytes.NewReader(body))
	if err != nil {
		log.Printf("[NOTIFY] Failed to build notification request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("[NOTIFY] Failed to send notification: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[NOTIFY] Notification service returned status %d", resp.StatusCode)
		return
	}

	log.Printf("[NOTIFY] Notification sent to %s", n.UserEmail)
}
