// services/coupon_service_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/models"
)

func TestPercentageCouponWithCap(t *testing.T) {
	env := newTestEnv(t)
	env.addCoupon(&models.Coupon{
		Code:        "WELCOME10",
		Type:        models.CouponTypePercentage,
		Value:       decimal.NewFromInt(10),
		MinAmount:   decimal.NewFromInt(1000),
		MaxDiscount: decimal.NewFromInt(500),
		IsActive:    true,
	})

	// 10% of 6000 is 600; the cap brings it to 500
	_, discount, err := env.coupons.Validate(context.Background(),
		"WELCOME10", uuid.New(), env.book.ID, decimal.NewFromInt(6000))
	require.NoError(t, err)
	assert.True(t, discount.Equal(decimal.NewFromInt(500)), "got %s", discount)
}

func TestPercentageCouponUncapped(t *testing.T) {
	env := newTestEnv(t)
	env.addCoupon(&models.Coupon{
		Code:     "TEN",
		Type:     models.CouponTypePercentage,
		Value:    decimal.NewFromInt(10),
		IsActive: true,
	})

	_, discount, err := env.coupons.Validate(context.Background(),
		"TEN", uuid.New(), env.book.ID, decimal.NewFromInt(6000))
	require.NoError(t, err)
	assert.True(t, discount.Equal(decimal.NewFromInt(600)), "got %s", discount)
}

func TestFixedCouponClampedToTotal(t *testing.T) {
	env := newTestEnv(t)
	env.addCoupon(&models.Coupon{
		Code:     "BIGFIXED",
		Type:     models.CouponTypeFixed,
		Value:    decimal.NewFromInt(10000),
		IsActive: true,
	})

	// a fixed discount larger than the order total never goes negative
	_, discount, err := env.coupons.Validate(context.Background(),
		"BIGFIXED", uuid.New(), env.book.ID, decimal.NewFromInt(6000))
	require.NoError(t, err)
	assert.True(t, discount.Equal(decimal.NewFromInt(6000)))
}

func TestBOGOCouponRejected(t *testing.T) {
	env := newTestEnv(t)
	env.addCoupon(&models.Coupon{
		Code:     "BOGOF",
		Type:     models.CouponTypeBOGO,
		Value:    decimal.NewFromInt(100),
		IsActive: true,
	})

	_, _, err := env.coupons.Validate(context.Background(),
		"BOGOF", uuid.New(), env.book.ID, decimal.NewFromInt(6000))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.Contains(t, err.Error(), "not supported")
}

func TestCouponWindowAndState(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	total := decimal.NewFromInt(6000)

	env.addCoupon(&models.Coupon{
		Code: "INACTIVE", Type: models.CouponTypeFixed,
		Value: decimal.NewFromInt(100), IsActive: false,
	})
	env.addCoupon(&models.Coupon{
		Code: "EXPIRED", Type: models.CouponTypeFixed,
		Value: decimal.NewFromInt(100), IsActive: true,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	env.addCoupon(&models.Coupon{
		Code: "NOTYET", Type: models.CouponTypeFixed,
		Value: decimal.NewFromInt(100), IsActive: true,
		StartsAt: time.Now().Add(time.Hour),
	})

	for _, code := range []string{"INACTIVE", "EXPIRED", "NOTYET", "MISSING"} {
		_, _, err := env.coupons.Validate(context.Background(), code, userID, env.book.ID, total)
		assert.True(t, errs.IsKind(err, errs.KindValidation), code)
	}
}

func TestCouponMinAmount(t *testing.T) {
	env := newTestEnv(t)
	env.addCoupon(&models.Coupon{
		Code: "MIN", Type: models.CouponTypeFixed,
		Value: decimal.NewFromInt(100), MinAmount: decimal.NewFromInt(10000),
		IsActive: true,
	})

	_, _, err := env.coupons.Validate(context.Background(),
		"MIN", uuid.New(), env.book.ID, decimal.NewFromInt(6000))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.Contains(t, err.Error(), "minimum")
}

func TestCouponBookScoping(t *testing.T) {
	env := newTestEnv(t)
	otherBook := uuid.New()
	total := decimal.NewFromInt(6000)

	env.addCoupon(&models.Coupon{
		Code: "SCOPED", Type: models.CouponTypeFixed,
		Value: decimal.NewFromInt(100), IsActive: true,
		ApplicableBooks: []uuid.UUID{otherBook},
	})
	_, _, err := env.coupons.Validate(context.Background(),
		"SCOPED", uuid.New(), env.book.ID, total)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// exclusion beats an applicable listing
	env.addCoupon(&models.Coupon{
		Code: "EXCLUDED", Type: models.CouponTypeFixed,
		Value: decimal.NewFromInt(100), IsActive: true,
		ApplicableBooks: []uuid.UUID{env.book.ID},
		ExcludedBooks:   []uuid.UUID{env.book.ID},
	})
	_, _, err = env.coupons.Validate(context.Background(),
		"EXCLUDED", uuid.New(), env.book.ID, total)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCouponPerUserLimit(t *testing.T) {
	env := newTestEnv(t)
	env.addCoupon(&models.Coupon{
		Code: "ONEPER", Type: models.CouponTypeFixed,
		Value: decimal.NewFromInt(100), IsActive: true,
		PerUserLimit: 1,
	})

	userID := uuid.New()
	result, err := env.payments.Initialize(context.Background(), InitializeRequest{
		UserID:     userID,
		BookID:     env.book.ID,
		Gateway:    "fakepay",
		CouponCode: "ONEPER",
	})
	require.NoError(t, err)
	assert.True(t, result.Order.DiscountAmount.Equal(decimal.NewFromInt(100)))

	// second redemption by the same user is refused
	_, err = env.payments.Initialize(context.Background(), InitializeRequest{
		UserID:     userID,
		BookID:     env.book.ID,
		Gateway:    "fakepay",
		CouponCode: "ONEPER",
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// a different user is still fine
	_, err = env.payments.Initialize(context.Background(), InitializeRequest{
		UserID:     uuid.New(),
		BookID:     env.book.ID,
		Gateway:    "fakepay",
		CouponCode: "ONEPER",
	})
	assert.NoError(t, err)
}
