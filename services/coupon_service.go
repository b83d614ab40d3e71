// services/coupon_service.go
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/models"
	"github.com/quillshelf/bookpay/store"
)

// CouponService validates coupon redemptions and computes discounts.
type CouponService struct {
	store store.Store
}

// NewCouponService creates a new coupon service
func NewCouponService(s store.Store) *CouponService {
	return &CouponService{store: s}
}

var oneHundred = decimal.NewFromInt(100)

// Validate checks every redemption rule for code against the prospective
// order and returns the coupon plus the discount it grants. The usage-limit
// check here is advisory; the authoritative guard is the conditional
// increment inside the checkout transaction.
func (s *CouponService) Validate(ctx context.Context, code string, userID uuid.UUID, bookID uuid.UUID, orderTotal decimal.Decimal) (*models.Coupon, decimal.Decimal, error) {
	coupon, err := s.store.GetCouponByCode(ctx, code)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, decimal.Zero, errs.Ef(errs.KindValidation, "coupon %q does not exist", code)
		}
		return nil, decimal.Zero, errs.E(errs.KindInternal, "failed to look up coupon", err)
	}

	now := time.Now()
	switch {
	case !coupon.IsActive:
		return nil, decimal.Zero, errs.Ef(errs.KindValidation, "coupon %q is not active", code)
	case now.After(coupon.ExpiresAt):
		return nil, decimal.Zero, errs.Ef(errs.KindValidation, "coupon %q has expired", code)
	case now.Before(coupon.StartsAt):
		return nil, decimal.Zero, errs.Ef(errs.KindValidation, "coupon %q is not yet valid", code)
	}

	if orderTotal.LessThan(coupon.MinAmount) {
		return nil, decimal.Zero, errs.Ef(errs.KindValidation,
			"order total %s is below the %s minimum for coupon %q",
			orderTotal.String(), coupon.MinAmount.String(), code)
	}

	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return nil, decimal.Zero, errs.Ef(errs.KindValidation, "coupon %q has reached its usage limit", code)
	}

	if coupon.PerUserLimit > 0 {
		used, err := s.store.CountCouponUsageByUser(ctx, coupon.ID, userID)
		if err != nil {
			return nil, decimal.Zero, errs.E(errs.KindInternal, "failed to count coupon usage", err)
		}
		if used >= coupon.PerUserLimit {
			return nil, decimal.Zero, errs.Ef(errs.KindValidation,
				"coupon %q already used the maximum %d times by this user", code, coupon.PerUserLimit)
		}
	}

	if !couponApplies(coupon, bookID) {
		return nil, decimal.Zero, errs.Ef(errs.KindValidation, "coupon %q does not apply to this book", code)
	}

	discount, err := computeDiscount(coupon, orderTotal)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return coupon, discount, nil
}

// couponApplies resolves book scoping. An exclusion always wins over an
// applicable list.
func couponApplies(coupon *models.Coupon, bookID uuid.UUID) bool {
	for _, excluded := range coupon.ExcludedBooks {
		if excluded == bookID {
			return false
		}
	}
	if len(coupon.ApplicableBooks) == 0 {
		return true
	}
	for _, applicable := range coupon.ApplicableBooks {
		if applicable == bookID {
			return true
		}
	}
	return false
}

// computeDiscount maps the coupon type to a discount amount, clamped to the
// order total and, when set, to the coupon's cap.
func computeDiscount(coupon *models.Coupon, orderTotal decimal.Decimal) (decimal.Decimal, error) {
	var discount decimal.Decimal
	switch coupon.Type {
	case models.CouponTypePercentage:
		discount = orderTotal.Mul(coupon.Value).Div(oneHundred).Round(2)
	case models.CouponTypeFixed:
		discount = coupon.Value
	case models.CouponTypeBOGO:
		return decimal.Zero, errs.Ef(errs.KindValidation,
			"coupon type %q is not supported for single-book checkout", coupon.Type)
	default:
		return decimal.Zero, errs.Ef(errs.KindValidation, "unknown coupon type %q", coupon.Type)
	}

	if coupon.MaxDiscount.IsPositive() && discount.GreaterThan(coupon.MaxDiscount) {
		discount = coupon.MaxDiscount
	}
	if discount.GreaterThan(orderTotal) {
		discount = orderTotal
	}
	return discount, nil
}
