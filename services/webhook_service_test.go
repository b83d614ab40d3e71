// services/webhook_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/gateway"
	"github.com/quillshelf/bookpay/models"
)

// scriptEvent makes the fake gateway parse every payload into the given event.
func (e *testEnv) scriptEvent(event *gateway.WebhookEvent) {
	e.gateway.parse = func([]byte) (*gateway.WebhookEvent, error) {
		ev := *event
		return &ev, nil
	}
}

func TestWebhookSuccessEvent(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	env.scriptEvent(&gateway.WebhookEvent{
		Reference:        "fakepay:charge.success:evt-1",
		EventType:        "charge.success",
		Effect:           gateway.EffectPaymentSucceeded,
		PaymentReference: result.Payment.PaymentReference,
		Amount:           result.Payment.Amount,
		Currency:         "USD",
	})

	require.NoError(t, env.webhooks.Handle(ctx, "fakepay", []byte(`{"id":"evt-1"}`), "sig"))

	payment, err := env.store.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccessful, payment.Status)

	order, err := env.store.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	env.scriptEvent(&gateway.WebhookEvent{
		Reference:        "fakepay:charge.success:evt-dup",
		EventType:        "charge.success",
		Effect:           gateway.EffectPaymentSucceeded,
		PaymentReference: result.Payment.PaymentReference,
		Amount:           result.Payment.Amount,
		Currency:         "USD",
	})

	payload := []byte(`{"id":"evt-dup"}`)
	require.NoError(t, env.webhooks.Handle(ctx, "fakepay", payload, "sig"))

	// redelivery of the same event reference is a recognized no-op
	err := env.webhooks.Handle(ctx, "fakepay", payload, "sig")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindIdempotentNoop))

	order, err := env.store.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
}

func TestWebhookDistinctEventsCollapseOnPayment(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	base := gateway.WebhookEvent{
		EventType:        "charge.success",
		Effect:           gateway.EffectPaymentSucceeded,
		PaymentReference: result.Payment.PaymentReference,
		Amount:           result.Payment.Amount,
		Currency:         "USD",
	}

	first := base
	first.Reference = "fakepay:charge.success:evt-a"
	env.scriptEvent(&first)
	require.NoError(t, env.webhooks.Handle(ctx, "fakepay", []byte(`{"id":"evt-a"}`), "sig"))

	// a second distinct event for the same payment settles as processed
	// without re-running the success effects
	second := base
	second.Reference = "fakepay:charge.success:evt-b"
	env.scriptEvent(&second)
	require.NoError(t, env.webhooks.Handle(ctx, "fakepay", []byte(`{"id":"evt-b"}`), "sig"))

	order, err := env.store.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	env.gateway.sigValid = false

	env.scriptEvent(&gateway.WebhookEvent{
		Reference:        "fakepay:charge.success:evt-sig",
		EventType:        "charge.success",
		Effect:           gateway.EffectPaymentSucceeded,
		PaymentReference: result.Payment.PaymentReference,
	})

	err := env.webhooks.Handle(context.Background(), "fakepay", []byte(`{"id":"evt-sig"}`), "bad")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// the event row is durable but rejected; it never enters the retry pool
	payment, err := env.store.GetPayment(context.Background(), result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, payment.Status)

	retryable, err := env.store.ListRetryableWebhooks(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}

func TestWebhookRetrySkipsRejectedEvents(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	env.scriptEvent(&gateway.WebhookEvent{
		Reference:        "fakepay:charge.success:evt-forged",
		EventType:        "charge.success",
		Effect:           gateway.EffectPaymentSucceeded,
		PaymentReference: result.Payment.PaymentReference,
		Amount:           result.Payment.Amount,
		Currency:         "USD",
	})

	env.gateway.sigValid = false
	err := env.webhooks.Handle(ctx, "fakepay", []byte(`{"id":"evt-forged"}`), "forged")
	require.Error(t, err)

	// the background retrier must not apply an event that never passed
	// signature verification
	env.webhooks.RetryFailed(ctx, 10)

	payment, err := env.store.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, payment.Status)

	// a correctly signed redelivery of the same reference still settles
	env.gateway.sigValid = true
	require.NoError(t, env.webhooks.Handle(ctx, "fakepay", []byte(`{"id":"evt-forged"}`), "sig"))

	payment, err = env.store.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccessful, payment.Status)
}

func TestWebhookAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	env.scriptEvent(&gateway.WebhookEvent{
		Reference:        "fakepay:charge.success:evt-amt",
		EventType:        "charge.success",
		Effect:           gateway.EffectPaymentSucceeded,
		PaymentReference: result.Payment.PaymentReference,
		Amount:           decimal.NewFromInt(1),
		Currency:         "USD",
	})

	err := env.webhooks.Handle(ctx, "fakepay", []byte(`{"id":"evt-amt"}`), "sig")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindIntegrity))

	// the mismatched event must not settle the payment
	payment, err := env.store.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, payment.Status)
}

func TestWebhookIgnoredEvent(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")

	env.scriptEvent(&gateway.WebhookEvent{
		Reference: "fakepay:transfer.success:evt-ign",
		EventType: "transfer.success",
		Effect:    gateway.EffectIgnored,
	})

	require.NoError(t, env.webhooks.Handle(context.Background(), "fakepay", []byte(`{"id":"evt-ign"}`), "sig"))

	payment, err := env.store.GetPayment(context.Background(), result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, payment.Status)
}

func TestWebhookFailureEvent(t *testing.T) {
	env := newTestEnv(t)
	result := env.checkout(t, "")
	ctx := context.Background()

	env.scriptEvent(&gateway.WebhookEvent{
		Reference:        "fakepay:charge.failed:evt-f",
		EventType:        "charge.failed",
		Effect:           gateway.EffectPaymentFailed,
		PaymentReference: result.Payment.PaymentReference,
		Reason:           "card declined",
	})

	require.NoError(t, env.webhooks.Handle(ctx, "fakepay", []byte(`{"id":"evt-f"}`), "sig"))

	payment, err := env.store.GetPayment(ctx, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, "card declined", payment.FailureReason)

	order, err := env.store.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
}

func TestWebhookUnparseablePersisted(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.parse = func([]byte) (*gateway.WebhookEvent, error) {
		return nil, errs.E(errs.KindValidation, "malformed payload")
	}

	err := env.webhooks.Handle(context.Background(), "fakepay", []byte(`garbage`), "sig")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// the body-hash reference makes the redelivery recognizable
	err = env.webhooks.Handle(context.Background(), "fakepay", []byte(`garbage`), "sig")
	require.Error(t, err)
}
