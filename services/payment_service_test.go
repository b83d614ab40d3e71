// services/payment_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/gateway"
	"github.com/quillshelf/bookpay/models"
)

func TestInitializeCheckout(t *testing.T) {
	env := newTestEnv(t)

	result := env.checkout(t, "")

	assert.Equal(t, models.PaymentStatusProcessing, result.Payment.Status)
	assert.Equal(t, models.OrderStatusProcessing, result.Order.Status)
	assert.Equal(t, "https://pay.fakepay.test/checkout/1", result.RedirectURL)
	assert.Equal(t, "gw-txn-1", result.Payment.GatewayReference)
	assert.True(t, result.Order.TotalAmount.Equal(decimal.NewFromInt(6000)))
	assert.NotEmpty(t, result.Payment.PaymentReference)
	assert.NotEmpty(t, result.Order.OrderNumber)

	stored, err := env.store.GetPaymentByReference(context.Background(), result.Payment.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, stored.Status)
}

func TestInitializeWithCoupon(t *testing.T) {
	env := newTestEnv(t)
	env.addCoupon(&models.Coupon{
		Code:        "WELCOME10",
		Type:        models.CouponTypePercentage,
		Value:       decimal.NewFromInt(10),
		MinAmount:   decimal.NewFromInt(1000),
		MaxDiscount: decimal.NewFromInt(500),
		IsActive:    true,
	})

	result := env.checkout(t, "WELCOME10")

	assert.True(t, result.Order.DiscountAmount.Equal(decimal.NewFromInt(500)))
	assert.True(t, result.Order.TotalAmount.Equal(decimal.NewFromInt(5500)))
	assert.True(t, result.Payment.Amount.Equal(decimal.NewFromInt(5500)))
	assert.Equal(t, "WELCOME10", result.Order.CouponCode)

	// the redemption is booked
	coupon, err := env.store.GetCouponByCode(context.Background(), "WELCOME10")
	require.NoError(t, err)
	assert.Equal(t, 1, coupon.UsedCount)
}

func TestInitializeCarriesPaymentMethod(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.payments.Initialize(context.Background(), InitializeRequest{
		UserID:        uuid.New(),
		BookID:        env.book.ID,
		Gateway:       "fakepay",
		PaymentMethod: "bank_transfer",
	})
	require.NoError(t, err)
	assert.Equal(t, "bank_transfer", result.Payment.PaymentMethod)

	stored, err := env.store.GetPayment(context.Background(), result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "bank_transfer", stored.PaymentMethod)
}

func TestInitializeUnknownGateway(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.payments.Initialize(context.Background(), InitializeRequest{
		UserID:  uuid.New(),
		BookID:  env.book.ID,
		Gateway: "square",
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestInitializeUnknownBook(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.payments.Initialize(context.Background(), InitializeRequest{
		UserID:  uuid.New(),
		BookID:  uuid.New(),
		Gateway: "fakepay",
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestInitializeGatewayFailureSettlesPayment(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.initErr = errs.E(errs.KindGatewayRejected, "merchant not allowed")

	_, err := env.payments.Initialize(context.Background(), InitializeRequest{
		UserID:  uuid.New(),
		BookID:  env.book.ID,
		Gateway: "fakepay",
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindGatewayRejected))
}

func TestApplySuccessCompletesOrderOnce(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	require.NoError(t, env.payments.ApplySuccess(ctx, result.Payment.ID, nil))

	payment, err := env.store.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccessful, payment.Status)

	order, err := env.store.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, models.DeliveryStatusDelivered, order.DeliveryStatus)

	// the second success signal is a no-op, not a second completion
	err = env.payments.ApplySuccess(ctx, result.Payment.ID, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindIdempotentNoop))
}

func TestApplySuccessAfterFailureConflicts(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	require.NoError(t, env.payments.MarkFailed(ctx, result.Payment.ID, "card declined", nil))

	err := env.payments.ApplySuccess(ctx, result.Payment.ID, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	payment, err := env.store.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
}

func TestMarkFailedCancelsOrder(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	require.NoError(t, env.payments.MarkFailed(ctx, result.Payment.ID, "insufficient funds", nil))

	payment, err := env.store.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, "insufficient funds", payment.FailureReason)

	order, err := env.store.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
}

func TestVerifySuccessPath(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")

	payment, err := env.payments.Verify(context.Background(), "fakepay", result.Payment.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccessful, payment.Status)
	assert.Equal(t, 1, env.gateway.verifyCalls)
}

func TestVerifyFailurePath(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	env.gateway.verifyResult = &gateway.VerifyResult{Succeeded: false, Reason: "abandoned"}

	payment, err := env.payments.Verify(context.Background(), "fakepay", result.Payment.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, "abandoned", payment.FailureReason)
}

func TestVerifyTerminalSkipsGateway(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()
	require.NoError(t, env.payments.ApplySuccess(ctx, result.Payment.ID, nil))
	env.gateway.verifyCalls = 0

	payment, err := env.payments.Verify(ctx, "fakepay", result.Payment.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccessful, payment.Status)
	assert.Zero(t, env.gateway.verifyCalls)
}

func TestVerifyGatewayMismatch(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")

	_, err := env.payments.Verify(context.Background(), "stripe", result.Payment.PaymentReference)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestVerifyUnknownReference(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.payments.Verify(context.Background(), "fakepay", "PAY-NOPE")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestSuccessRecordsAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	require.NoError(t, env.payments.ApplySuccess(ctx, result.Payment.ID, nil))

	events, err := env.payments.GetEvents(ctx, result.Payment.ID)
	require.NoError(t, err)

	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	assert.Contains(t, types, "payment.initialized")
	assert.Contains(t, types, "payment.succeeded")
}
