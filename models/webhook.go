// models/webhook.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WebhookStatus string

const (
	WebhookStatusReceived   WebhookStatus = "received"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusProcessed  WebhookStatus = "processed"
	WebhookStatusFailed     WebhookStatus = "failed"
	// WebhookStatusRejected marks events that failed signature verification.
	// Terminal for the retrier: only a fresh, correctly signed delivery of
	// the same reference can revive the row.
	WebhookStatusRejected WebhookStatus = "rejected"
)

// MaxWebhookRetries bounds automatic reprocessing of failed webhooks;
// beyond it the event is left for manual reconciliation.
const MaxWebhookRetries = 3

// PaymentWebhook is a received gateway event. WebhookReference is the
// idempotency key: the same event is processed at most once to completion.
type PaymentWebhook struct {
	ID               uuid.UUID       `json:"id"`
	WebhookReference string          `json:"webhook_reference"`
	GatewayName      string          `json:"gateway_name"`
	EventType        string          `json:"event_type"`
	Payload          json.RawMessage `json:"payload"`
	Status           WebhookStatus   `json:"status"`
	RetryCount       int             `json:"retry_count"`
	LastError        string          `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Retryable reports whether a failed webhook is still eligible for
// automatic reprocessing.
func (w *PaymentWebhook) Retryable() bool {
	return w.Status == WebhookStatusFailed && w.RetryCount < MaxWebhookRetries
}
