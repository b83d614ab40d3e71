// store/memory.go
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillshelf/bookpay/models"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It honors the same guard semantics as the Postgres implementation.
type MemoryStore struct {
	mu sync.RWMutex

	books        map[uuid.UUID]*models.Book
	payments     map[uuid.UUID]*models.Payment
	paymentRefs  map[string]uuid.UUID // payment_reference -> payment ID
	orders       map[uuid.UUID]*models.Order
	orderNumbers map[string]uuid.UUID
	orderByPay   map[uuid.UUID]uuid.UUID // payment ID -> order ID
	events       map[uuid.UUID][]models.PaymentEvent
	entitlements map[[2]uuid.UUID]*models.Entitlement // (user, book)
	coupons      map[uuid.UUID]*models.Coupon
	couponCodes  map[string]uuid.UUID
	usages       []*models.CouponUsage
	webhooks     map[uuid.UUID]*models.PaymentWebhook
	webhookRefs  map[string]uuid.UUID
	downloads    map[uuid.UUID]*models.DownloadLog
	tokens       map[string]uuid.UUID
	refunds      []*models.Refund
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:        make(map[uuid.UUID]*models.Book),
		payments:     make(map[uuid.UUID]*models.Payment),
		paymentRefs:  make(map[string]uuid.UUID),
		orders:       make(map[uuid.UUID]*models.Order),
		orderNumbers: make(map[string]uuid.UUID),
		orderByPay:   make(map[uuid.UUID]uuid.UUID),
		events:       make(map[uuid.UUID][]models.PaymentEvent),
		entitlements: make(map[[2]uuid.UUID]*models.Entitlement),
		coupons:      make(map[uuid.UUID]*models.Coupon),
		couponCodes:  make(map[string]uuid.UUID),
		webhooks:     make(map[uuid.UUID]*models.PaymentWebhook),
		webhookRefs:  make(map[string]uuid.UUID),
		downloads:    make(map[uuid.UUID]*models.DownloadLog),
		tokens:       make(map[string]uuid.UUID),
	}
}

// AddBook seeds the catalog boundary for tests.
func (s *MemoryStore) AddBook(book *models.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := *book
	s.books[book.ID] = &b
}

// AddCoupon seeds a coupon for tests.
func (s *MemoryStore) AddCoupon(coupon *models.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *coupon
	s.coupons[coupon.ID] = &c
	s.couponCodes[coupon.Code] = coupon.ID
}

func (s *MemoryStore) GetBook(_ context.Context, id uuid.UUID) (*models.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[id]
	if !ok {
		return nil, ErrNotFound
	}
	b := *book
	return &b, nil
}

func (s *MemoryStore) CreateCheckout(_ context.Context, order *models.Order, payment *models.Payment, usage *models.CouponUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if usage != nil {
		coupon, ok := s.coupons[usage.CouponID]
		if !ok {
			return ErrNotFound
		}
		if !coupon.IsActive || (coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit) {
			return ErrCouponExhausted
		}
		coupon.UsedCount++
		coupon.UpdatedAt = now
		u := *usage
		u.CreatedAt = now
		s.usages = append(s.usages, &u)
	}

	payment.CreatedAt = now
	payment.UpdatedAt = now
	p := *payment
	s.payments[payment.ID] = &p
	s.paymentRefs[payment.PaymentReference] = payment.ID

	order.CreatedAt = now
	order.UpdatedAt = now
	o := *order
	o.Items = append([]models.OrderItem(nil), order.Items...)
	s.orders[order.ID] = &o
	s.orderNumbers[order.OrderNumber] = order.ID
	s.orderByPay[order.PaymentID] = order.ID
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payment, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	p := *payment
	return &p, nil
}

func (s *MemoryStore) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	s.mu.RLock()
	id, ok := s.paymentRefs[reference]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetPayment(ctx, id)
}

func (s *MemoryStore) UpdatePaymentGateway(_ context.Context, id uuid.UUID, gatewayReference string, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[id]
	if !ok {
		return ErrNotFound
	}
	payment.GatewayReference = gatewayReference
	if len(response) > 0 {
		payment.GatewayResponse = append(json.RawMessage(nil), response...)
	}
	payment.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TransitionPayment(_ context.Context, id uuid.UUID, from []models.PaymentStatus, to models.PaymentStatus, reason string, response json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	matched := false
	for _, st := range from {
		if payment.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	payment.Status = to
	payment.FailureReason = reason
	if len(response) > 0 {
		payment.GatewayResponse = append(json.RawMessage(nil), response...)
	}
	payment.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) ExpirePayments(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, payment := range s.payments {
		if (payment.Status == models.PaymentStatusPending || payment.Status == models.PaymentStatusProcessing) &&
			payment.ExpiresAt.Before(now) {
			payment.Status = models.PaymentStatusExpired
			payment.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AddPaymentEvent(_ context.Context, event models.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now()
	s.events[event.PaymentID] = append(s.events[event.PaymentID], event)
	return nil
}

func (s *MemoryStore) GetPaymentEvents(_ context.Context, paymentID uuid.UUID) ([]models.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[paymentID]
	out := make([]models.PaymentEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) GrantEntitlement(_ context.Context, ent *models.Entitlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]uuid.UUID{ent.UserID, ent.BookID}
	if _, exists := s.entitlements[key]; exists {
		return false, nil
	}
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}
	ent.CreatedAt = time.Now()
	e := *ent
	s.entitlements[key] = &e
	return true, nil
}

func (s *MemoryStore) getOrderLocked(id uuid.UUID) (*models.Order, error) {
	order, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return order, nil
}

func (s *MemoryStore) copyOrder(order *models.Order) *models.Order {
	o := *order
	o.Items = append([]models.OrderItem(nil), order.Items...)
	return &o
}

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, err := s.getOrderLocked(id)
	if err != nil {
		return nil, err
	}
	return s.copyOrder(order), nil
}

func (s *MemoryStore) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	s.mu.RLock()
	id, ok := s.orderNumbers[number]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *MemoryStore) GetOrderByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Order, error) {
	s.mu.RLock()
	id, ok := s.orderByPay[paymentID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *MemoryStore) MarkOrderProcessing(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.getOrderLocked(id)
	if err != nil {
		return err
	}
	if order.Status == models.OrderStatusPending {
		order.Status = models.OrderStatusProcessing
		order.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) CompleteOrder(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.getOrderLocked(id)
	if err != nil {
		return false, err
	}
	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusProcessing {
		return false, nil
	}
	now := time.Now()
	order.Status = models.OrderStatusCompleted
	order.CompletedAt = &now
	order.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.getOrderLocked(id)
	if err != nil {
		return false, err
	}
	if !order.Status.Cancellable() {
		return false, nil
	}
	now := time.Now()
	order.Status = models.OrderStatusCancelled
	order.CancelReason = reason
	order.CancelledAt = &now
	order.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) RecordRefund(_ context.Context, refund *models.Refund) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.getOrderLocked(refund.OrderID)
	if err != nil {
		return false, err
	}
	if order.Status != models.OrderStatusCompleted && order.Status != models.OrderStatusRefunded {
		return false, nil
	}
	if order.TotalAmount.Sub(order.RefundedAmount).LessThan(refund.Amount) {
		return false, nil
	}
	now := time.Now()
	order.RefundedAmount = order.RefundedAmount.Add(refund.Amount)
	order.Status = models.OrderStatusRefunded
	order.RefundedAt = &now
	order.UpdatedAt = now

	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	refund.CreatedAt = now
	r := *refund
	s.refunds = append(s.refunds, &r)
	return true, nil
}

func (s *MemoryStore) UpdateDeliveryStatus(_ context.Context, orderID uuid.UUID, status models.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return err
	}
	now := time.Now()
	order.DeliveryStatus = status
	if status == models.DeliveryStatusDelivered {
		order.DeliveredAt = &now
	}
	order.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.couponCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s.coupons[id]
	return &c, nil
}

func (s *MemoryStore) CountCouponUsageByUser(_ context.Context, couponID, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, usage := range s.usages {
		if usage.CouponID == couponID && usage.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) InsertWebhook(_ context.Context, webhook *models.PaymentWebhook) (bool, *models.PaymentWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.webhookRefs[webhook.WebhookReference]; exists {
		existing := *s.webhooks[id]
		return false, &existing, nil
	}
	if webhook.ID == uuid.Nil {
		webhook.ID = uuid.New()
	}
	now := time.Now()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	if webhook.Status == "" {
		webhook.Status = models.WebhookStatusReceived
	}
	w := *webhook
	s.webhooks[webhook.ID] = &w
	s.webhookRefs[webhook.WebhookReference] = webhook.ID
	return true, webhook, nil
}

func (s *MemoryStore) UpdateWebhookStatus(_ context.Context, id uuid.UUID, status models.WebhookStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	webhook, ok := s.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	webhook.Status = status
	webhook.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkWebhookFailed(_ context.Context, id uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	webhook, ok := s.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	webhook.Status = models.WebhookStatusFailed
	webhook.RetryCount++
	webhook.LastError = lastError
	webhook.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkWebhookRejected(_ context.Context, id uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	webhook, ok := s.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	webhook.Status = models.WebhookStatusRejected
	webhook.LastError = lastError
	webhook.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListRetryableWebhooks(_ context.Context, limit int) ([]*models.PaymentWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PaymentWebhook
	for _, webhook := range s.webhooks {
		if webhook.Retryable() {
			w := *webhook
			out = append(out, &w)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateDownloadLog(_ context.Context, dl *models.DownloadLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	now := time.Now()
	dl.CreatedAt = now
	dl.UpdatedAt = now
	dl.LastProgressAt = now
	d := *dl
	s.downloads[dl.ID] = &d
	s.tokens[dl.DownloadToken] = dl.ID
	return nil
}

func (s *MemoryStore) GetDownloadByToken(_ context.Context, token string) (*models.DownloadLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	d := *s.downloads[id]
	return &d, nil
}

func (s *MemoryStore) BeginDownload(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.downloads[id]
	if !ok {
		return false, ErrNotFound
	}
	if dl.RedemptionCount >= dl.MaxRedemptions || !dl.ExpiresAt.After(now) {
		return false, nil
	}
	dl.RedemptionCount++
	dl.Status = models.DownloadStatusDownloading
	dl.LastProgressAt = now
	dl.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) UpdateDownloadProgress(_ context.Context, id uuid.UUID, bytesDownloaded int64, status models.DownloadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.downloads[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	dl.BytesDownloaded = bytesDownloaded
	dl.Status = status
	dl.LastProgressAt = now
	dl.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SweepStalledDownloads(_ context.Context, stalledBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, dl := range s.downloads {
		if dl.Status == models.DownloadStatusDownloading && dl.LastProgressAt.Before(stalledBefore) {
			dl.Status = models.DownloadStatusFailed
			dl.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ExpireDownloads(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, dl := range s.downloads {
		if (dl.Status == models.DownloadStatusInitiated || dl.Status == models.DownloadStatusDownloading) &&
			dl.ExpiresAt.Before(now) {
			dl.Status = models.DownloadStatusExpired
			dl.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Downloads returns the download grants for an order (test helper).
func (s *MemoryStore) Downloads(orderID uuid.UUID) []*models.DownloadLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DownloadLog
	for _, dl := range s.downloads {
		if dl.OrderID == orderID {
			cp := *dl
			out = append(out, &cp)
		}
	}
	return out
}

// Refunds returns the recorded refunds for an order (test helper).
func (s *MemoryStore) Refunds(orderID uuid.UUID) []*models.Refund {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Refund
	for _, r := range s.refunds {
		if r.OrderID == orderID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}
