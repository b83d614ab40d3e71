// store/store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quillshelf/bookpay/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrCouponExhausted is returned when a redemption loses the race for
	// the coupon's remaining capacity.
	ErrCouponExhausted = errors.New("store: coupon usage limit reached")
)

// Store is the durable state behind the lifecycle engine. All coordination
// between workers happens through it; guarded operations (CAS transitions,
// conditional increments) return false instead of writing when the guard
// loses.
type Store interface {
	// Books (read-only catalog boundary)
	GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error)

	// Checkout: order + items + payment, and the coupon redemption when
	// usage is non-nil, persisted in one atomic unit.
	CreateCheckout(ctx context.Context, order *models.Order, payment *models.Payment, usage *models.CouponUsage) error

	// Payments
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	UpdatePaymentGateway(ctx context.Context, id uuid.UUID, gatewayReference string, response json.RawMessage) error
	// TransitionPayment moves the payment to `to` only while its current
	// status is one of `from`.
	TransitionPayment(ctx context.Context, id uuid.UUID, from []models.PaymentStatus, to models.PaymentStatus, reason string, response json.RawMessage) (bool, error)
	ExpirePayments(ctx context.Context, now time.Time) (int64, error)
	AddPaymentEvent(ctx context.Context, event models.PaymentEvent) error
	GetPaymentEvents(ctx context.Context, paymentID uuid.UUID) ([]models.PaymentEvent, error)

	// Entitlements; returns false when the (user, book) grant already exists.
	GrantEntitlement(ctx context.Context, ent *models.Entitlement) (bool, error)

	// Orders
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	GetOrderByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Order, error)
	MarkOrderProcessing(ctx context.Context, id uuid.UUID) error
	CompleteOrder(ctx context.Context, id uuid.UUID) (bool, error)
	CancelOrder(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	// RecordRefund inserts the refund row and advances refunded_amount only
	// while amount fits the remaining refundable total.
	RecordRefund(ctx context.Context, refund *models.Refund) (bool, error)
	UpdateDeliveryStatus(ctx context.Context, orderID uuid.UUID, status models.DeliveryStatus) error

	// Coupons
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	CountCouponUsageByUser(ctx context.Context, couponID, userID uuid.UUID) (int, error)

	// Webhooks. InsertWebhook is idempotent on webhook_reference: when the
	// reference was seen before it returns created=false and the stored row.
	InsertWebhook(ctx context.Context, webhook *models.PaymentWebhook) (bool, *models.PaymentWebhook, error)
	UpdateWebhookStatus(ctx context.Context, id uuid.UUID, status models.WebhookStatus) error
	MarkWebhookFailed(ctx context.Context, id uuid.UUID, lastError string) error
	MarkWebhookRejected(ctx context.Context, id uuid.UUID, lastError string) error
	ListRetryableWebhooks(ctx context.Context, limit int) ([]*models.PaymentWebhook, error)

	// Downloads
	CreateDownloadLog(ctx context.Context, dl *models.DownloadLog) error
	GetDownloadByToken(ctx context.Context, token string) (*models.DownloadLog, error)
	// BeginDownload consumes one redemption and flips the grant to
	// downloading; returns false when redemptions are exhausted.
	BeginDownload(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	UpdateDownloadProgress(ctx context.Context, id uuid.UUID, bytesDownloaded int64, status models.DownloadStatus) error
	SweepStalledDownloads(ctx context.Context, stalledBefore time.Time) (int64, error)
	ExpireDownloads(ctx context.Context, now time.Time) (int64, error)
}
