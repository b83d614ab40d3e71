// handlers/handlers_test.go
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quillshelf/bookpay/gateway"
	"github.com/quillshelf/bookpay/handlers"
	"github.com/quillshelf/bookpay/locker"
	"github.com/quillshelf/bookpay/models"
	"github.com/quillshelf/bookpay/routes"
	"github.com/quillshelf/bookpay/services"
	"github.com/quillshelf/bookpay/store"
)

const testJWTSecret = "test-secret"

// stubGateway answers every call with canned results.
type stubGateway struct {
	event *gateway.WebhookEvent
}

func (s *stubGateway) Name() string { return "fakepay" }

func (s *stubGateway) InitializePayment(_ context.Context, payment *models.Payment) (*gateway.InitResult, error) {
	return &gateway.InitResult{
		GatewayReference: "gw-txn-1",
		RedirectURL:      "https://pay.fakepay.test/checkout/" + payment.PaymentReference,
	}, nil
}

func (s *stubGateway) VerifyPayment(context.Context, *models.Payment) (*gateway.VerifyResult, error) {
	return &gateway.VerifyResult{Succeeded: true}, nil
}

func (s *stubGateway) Refund(context.Context, *models.Payment, decimal.Decimal, string) (*gateway.RefundResult, error) {
	return &gateway.RefundResult{Reference: "rf-1"}, nil
}

func (s *stubGateway) VerifyWebhookSignature(_ []byte, signature string) bool {
	return signature == "valid-sig"
}

func (s *stubGateway) ParseWebhook([]byte) (*gateway.WebhookEvent, error) {
	ev := *s.event
	return &ev, nil
}

type apiEnv struct {
	router   chi.Router
	store    *store.MemoryStore
	gateway  *stubGateway
	payments *services.PaymentService
	book     *models.Book
	filesDir string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	st := store.NewMemoryStore()
	gw := &stubGateway{}
	registry := gateway.NewRegistry(gw)
	logger := zap.NewNop()
	filesDir := t.TempDir()

	emails := services.NewEmailService("", "", "", "", "orders@quillshelf.test", "Quillshelf")
	coupons := services.NewCouponService(st)
	delivery := services.NewDeliveryService(st, emails, nil, logger,
		filesDir, "https://shop.quillshelf.test", 7*24*time.Hour, 2, 15*time.Minute)
	payments := services.NewPaymentService(st, registry, coupons, delivery, emails, nil, logger, 30*time.Minute)
	webhooks := services.NewWebhookService(st, registry, payments, locker.NewKeyedMutex(), logger)
	orders := services.NewOrderService(st, registry, emails, nil, logger)

	book := &models.Book{
		ID:           uuid.New(),
		Title:        "The Go Programming Language",
		Author:       "Donovan & Kernighan",
		Price:        decimal.NewFromInt(4500),
		Currency:     "USD",
		FilePath:     "gopl.epub",
		Downloadable: true,
	}
	st.AddBook(book)

	h := handlers.NewHandlers(payments, orders, webhooks, delivery, logger)
	router := chi.NewRouter()
	routes.SetupRoutes(router, h, testJWTSecret)

	return &apiEnv{
		router:   router,
		store:    st,
		gateway:  gw,
		payments: payments,
		book:     book,
		filesDir: filesDir,
	}
}

func (e *apiEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) postJSON(path string, body interface{}) *httptest.ResponseRecorder {
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

// checkout drives a full initialize through the service layer.
func (e *apiEnv) checkout(t *testing.T) *services.InitializeResult {
	t.Helper()
	result, err := e.payments.Initialize(context.Background(), services.InitializeRequest{
		UserID:  uuid.New(),
		BookID:  e.book.ID,
		Gateway: "fakepay",
	})
	require.NoError(t, err)
	return result
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   uuid.New().String(),
		"admin": true,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func userToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uuid.New().String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInitializeEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.postJSON("/api/payments/initialize", services.InitializeRequest{
		UserID:  uuid.New(),
		BookID:  env.book.ID,
		Gateway: "fakepay",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result services.InitializeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.RedirectURL)
	assert.Equal(t, models.PaymentStatusProcessing, result.Payment.Status)
}

func TestInitializeEndpointRejectsUnknownGateway(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.postJSON("/api/payments/initialize", services.InitializeRequest{
		UserID:  uuid.New(),
		BookID:  env.book.ID,
		Gateway: "square",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	result := env.checkout(t)

	rec := env.postJSON("/api/payments/verify/fakepay",
		map[string]string{"reference": result.Payment.PaymentReference})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success bool            `json:"success"`
		OrderID *uuid.UUID      `json:"order_id"`
		Payment *models.Payment `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.OrderID)
	assert.Equal(t, result.Order.ID, *resp.OrderID)
	assert.Equal(t, models.PaymentStatusSuccessful, resp.Payment.Status)
}

func TestVerifyEndpointRequiresReference(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.postJSON("/api/payments/verify/fakepay", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	result := env.checkout(t)
	env.gateway.event = &gateway.WebhookEvent{
		Reference:        "fakepay:charge.success:evt-1",
		EventType:        "charge.success",
		Effect:           gateway.EffectPaymentSucceeded,
		PaymentReference: result.Payment.PaymentReference,
		Amount:           result.Payment.Amount,
		Currency:         "USD",
	}

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook/fakepay",
		bytes.NewReader([]byte(`{"id":"evt-1"}`)))
	req.Header.Set("X-Paystack-Signature", "valid-sig")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "processed")

	// the gateway redelivers; we answer 200 without double-settling
	req = httptest.NewRequest(http.MethodPost, "/api/payments/webhook/fakepay",
		bytes.NewReader([]byte(`{"id":"evt-1"}`)))
	req.Header.Set("X-Paystack-Signature", "valid-sig")
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already processed")
}

func TestWebhookEndpointBadSignature(t *testing.T) {
	env := newAPIEnv(t)
	result := env.checkout(t)
	env.gateway.event = &gateway.WebhookEvent{
		Reference:        "fakepay:charge.success:evt-bad",
		EventType:        "charge.success",
		Effect:           gateway.EffectPaymentSucceeded,
		PaymentReference: result.Payment.PaymentReference,
	}

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook/fakepay",
		bytes.NewReader([]byte(`{"id":"evt-bad"}`)))
	req.Header.Set("X-Paystack-Signature", "forged")
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrderEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	result := env.checkout(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/orders/"+result.Order.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var order models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, result.Order.OrderNumber, order.OrderNumber)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/orders/"+uuid.New().String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/orders/number/"+result.Order.OrderNumber, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelOrderEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	result := env.checkout(t)

	rec := env.postJSON(fmt.Sprintf("/api/orders/%s/cancel", result.Order.ID),
		map[string]string{"reason": "ordered twice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var order models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	// cancelling again conflicts
	rec = env.postJSON(fmt.Sprintf("/api/orders/%s/cancel", result.Order.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRefundEndpointAuth(t *testing.T) {
	env := newAPIEnv(t)
	result := env.checkout(t)
	require.NoError(t, env.payments.ApplySuccess(context.Background(), result.Payment.ID, nil))
	path := fmt.Sprintf("/api/orders/%s/refund", result.Order.ID)
	body := map[string]interface{}{"amount": "1000", "reason": "partial"}

	// no token
	rec := env.postJSON(path, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// non-admin token
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+userToken(t))
	rec = env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// admin token
	req = httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rec = env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var refund models.Refund
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refund))
	assert.True(t, refund.Amount.Equal(decimal.NewFromInt(1000)))
}

func TestDownloadEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	content := []byte("the quick brown gopher")
	require.NoError(t, os.WriteFile(filepath.Join(env.filesDir, env.book.FilePath), content, 0o644))

	result := env.checkout(t)
	require.NoError(t, env.payments.ApplySuccess(context.Background(), result.Payment.ID, nil))

	grants := env.store.Downloads(result.Order.ID)
	require.Len(t, grants, 1)
	token := grants[0].DownloadToken

	rec := env.do(httptest.NewRequest(http.MethodGet, "/download?token="+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "gopl.epub")
	assert.Equal(t, content, rec.Body.Bytes())
}

func TestDownloadEndpointDeadTokens(t *testing.T) {
	env := newAPIEnv(t)
	content := []byte("x")
	require.NoError(t, os.WriteFile(filepath.Join(env.filesDir, env.book.FilePath), content, 0o644))

	result := env.checkout(t)
	require.NoError(t, env.payments.ApplySuccess(context.Background(), result.Payment.ID, nil))
	grants := env.store.Downloads(result.Order.ID)
	require.Len(t, grants, 1)
	token := grants[0].DownloadToken

	// burn both redemptions, then the link is gone for good
	for i := 0; i < 2; i++ {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/download?token="+token, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/download?token="+token, nil))
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/download?token=unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/download", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
