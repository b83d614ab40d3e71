// models/payment.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSuccessful PaymentStatus = "successful"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusExpired    PaymentStatus = "expired"
)

// Terminal reports whether no further transitions are allowed from s.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusSuccessful, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal edge in the payment
// state machine. Terminal states have no outgoing edges; retries create a
// new Payment instead.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case PaymentStatusPending:
		return to == PaymentStatusProcessing || to.Terminal()
	case PaymentStatusProcessing:
		return to.Terminal()
	}
	return false
}

// Payment is one attempt to collect money for one book against one gateway.
// payment_reference is generated locally and doubles as the gateway
// idempotency key; gateway_reference is assigned by the provider.
type Payment struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	BookID           uuid.UUID       `json:"book_id"`
	PaymentReference string          `json:"payment_reference"`
	GatewayReference string          `json:"gateway_reference,omitempty"`
	GatewayName      string          `json:"gateway_name"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	Status           PaymentStatus   `json:"status"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	GatewayResponse  json.RawMessage `json:"gateway_response,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Entitlement grants a user access to a purchased book. The (user, book)
// pair is unique; concurrent success signals collapse onto one grant.
type Entitlement struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	BookID    uuid.UUID `json:"book_id"`
	OrderID   uuid.UUID `json:"order_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentEvent is an append-only audit record of payment/order transitions.
type PaymentEvent struct {
	ID        uuid.UUID     `json:"id"`
	PaymentID uuid.UUID     `json:"payment_id"`
	EventType string        `json:"event_type"`
	Status    PaymentStatus `json:"status"`
	Data      interface{}   `json:"data,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
