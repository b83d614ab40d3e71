// services/helpers_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quillshelf/bookpay/gateway"
	"github.com/quillshelf/bookpay/locker"
	"github.com/quillshelf/bookpay/models"
	"github.com/quillshelf/bookpay/store"
)

// fakeGateway scripts gateway behavior for service tests.
type fakeGateway struct {
	name         string
	initResult   *gateway.InitResult
	initErr      error
	verifyResult *gateway.VerifyResult
	verifyErr    error
	refundResult *gateway.RefundResult
	refundErr    error
	refundCalls  int
	verifyCalls  int
	sigValid     bool
	parse        func(payload []byte) (*gateway.WebhookEvent, error)
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) InitializePayment(_ context.Context, _ *models.Payment) (*gateway.InitResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.initResult, nil
}

func (f *fakeGateway) VerifyPayment(_ context.Context, _ *models.Payment) (*gateway.VerifyResult, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verifyResult, nil
}

func (f *fakeGateway) Refund(_ context.Context, _ *models.Payment, _ decimal.Decimal, _ string) (*gateway.RefundResult, error) {
	f.refundCalls++
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return f.refundResult, nil
}

func (f *fakeGateway) VerifyWebhookSignature(_ []byte, _ string) bool { return f.sigValid }

func (f *fakeGateway) ParseWebhook(payload []byte) (*gateway.WebhookEvent, error) {
	return f.parse(payload)
}

type testEnv struct {
	store    *store.MemoryStore
	gateway  *fakeGateway
	coupons  *CouponService
	payments *PaymentService
	webhooks *WebhookService
	orders   *OrderService
	delivery *DeliveryService
	book     *models.Book
	filesDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	gw := &fakeGateway{
		name: "fakepay",
		initResult: &gateway.InitResult{
			GatewayReference: "gw-txn-1",
			RedirectURL:      "https://pay.fakepay.test/checkout/1",
		},
		verifyResult: &gateway.VerifyResult{Succeeded: true},
		refundResult: &gateway.RefundResult{Reference: "rf-1"},
		sigValid:     true,
	}
	registry := gateway.NewRegistry(gw)
	logger := zap.NewNop()

	emails := NewEmailService("", "", "", "", "orders@quillshelf.test", "Quillshelf")
	coupons := NewCouponService(st)
	filesDir := t.TempDir()
	delivery := NewDeliveryService(st, emails, nil, logger,
		filesDir, "https://shop.quillshelf.test", 7*24*time.Hour, 3, 15*time.Minute)
	payments := NewPaymentService(st, registry, coupons, delivery, emails, nil, logger, 30*time.Minute)
	webhooks := NewWebhookService(st, registry, payments, locker.NewKeyedMutex(), logger)
	orders := NewOrderService(st, registry, emails, nil, logger)

	book := &models.Book{
		ID:           uuid.New(),
		Title:        "The Practice of Programming",
		Author:       "Kernighan & Pike",
		Price:        decimal.NewFromInt(6000),
		Currency:     "USD",
		FilePath:     "practice.epub",
		FileSize:     0,
		Downloadable: true,
	}
	st.AddBook(book)

	return &testEnv{
		store:    st,
		gateway:  gw,
		coupons:  coupons,
		payments: payments,
		webhooks: webhooks,
		orders:   orders,
		delivery: delivery,
		book:     book,
		filesDir: filesDir,
	}
}

func (e *testEnv) addCoupon(coupon *models.Coupon) *models.Coupon {
	if coupon.ID == uuid.Nil {
		coupon.ID = uuid.New()
	}
	if coupon.ExpiresAt.IsZero() {
		coupon.ExpiresAt = time.Now().Add(24 * time.Hour)
	}
	e.store.AddCoupon(coupon)
	return coupon
}

// checkout runs Initialize for the seeded book and returns the result.
func (e *testEnv) checkout(t *testing.T, couponCode string) *InitializeResult {
	t.Helper()
	result, err := e.payments.Initialize(context.Background(), InitializeRequest{
		UserID:     uuid.New(),
		BookID:     e.book.ID,
		Gateway:    "fakepay",
		CouponCode: couponCode,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	return result
}
