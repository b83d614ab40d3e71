// models/coupon.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CouponType string

const (
	CouponTypePercentage CouponType = "percentage"
	CouponTypeFixed      CouponType = "fixed"
	CouponTypeBOGO       CouponType = "bogo"
)

// Coupon is a redeemable discount rule. UsageLimit nil means unlimited;
// UsedCount is only ever advanced by a conditional update so concurrent
// redemptions cannot exceed the cap.
type Coupon struct {
	ID              uuid.UUID       `json:"id"`
	Code            string          `json:"code"`
	Type            CouponType      `json:"type"`
	Value           decimal.Decimal `json:"value"`
	MinAmount       decimal.Decimal `json:"min_amount"`
	MaxDiscount     decimal.Decimal `json:"max_discount"` // zero = uncapped
	UsageLimit      *int            `json:"usage_limit,omitempty"`
	UsedCount       int             `json:"used_count"`
	PerUserLimit    int             `json:"per_user_limit"`
	StartsAt        time.Time       `json:"starts_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	IsActive        bool            `json:"is_active"`
	ApplicableBooks []uuid.UUID     `json:"applicable_books,omitempty"`
	ExcludedBooks   []uuid.UUID     `json:"excluded_books,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CouponUsage is the immutable audit record of one redemption and the source
// of truth for per-user limits.
type CouponUsage struct {
	ID               uuid.UUID       `json:"id"`
	CouponID         uuid.UUID       `json:"coupon_id"`
	UserID           uuid.UUID       `json:"user_id"`
	OrderID          uuid.UUID       `json:"order_id"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	OrderTotalBefore decimal.Decimal `json:"order_total_before"`
	OrderTotalAfter  decimal.Decimal `json:"order_total_after"`
	CreatedAt        time.Time       `json:"created_at"`
}
