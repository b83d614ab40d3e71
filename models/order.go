// models/order.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string
type DeliveryStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"

	// Delivery runs on its own track; an order can be completed while
	// delivery is still pending.
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusProcessing DeliveryStatus = "processing"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)

// Cancellable reports whether an order in status s may still be cancelled.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing
}

// Order is one checkout transaction owning 1..N items and at most one payment.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	OrderNumber    string          `json:"order_number"`
	UserID         uuid.UUID       `json:"user_id"`
	PaymentID      uuid.UUID       `json:"payment_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	CouponCode     string          `json:"coupon_code,omitempty"`
	Currency       string          `json:"currency"`
	Status         OrderStatus     `json:"status"`
	DeliveryStatus DeliveryStatus  `json:"delivery_status"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	Items          []OrderItem     `json:"items,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	RefundedAt     *time.Time      `json:"refunded_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RemainingRefundable is the amount still eligible for refund.
func (o *Order) RemainingRefundable() decimal.Decimal {
	return o.TotalAmount.Sub(o.RefundedAmount)
}

// OrderItem snapshots a purchased book at checkout time.
type OrderItem struct {
	ID       uuid.UUID       `json:"id"`
	OrderID  uuid.UUID       `json:"order_id"`
	BookID   uuid.UUID       `json:"book_id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// Refund is one confirmed (possibly partial) monetary reversal on an order.
type Refund struct {
	ID        uuid.UUID       `json:"id"`
	OrderID   uuid.UUID       `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
