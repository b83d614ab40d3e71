// services/payment_service.go
// Package services implements the order/payment lifecycle behind the HTTP
// handlers. State changes go through guarded store operations so concurrent
// signals (webhook vs verify, duplicate webhooks) collapse onto exactly one
// effect.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/events"
	"github.com/quillshelf/bookpay/gateway"
	"github.com/quillshelf/bookpay/models"
	"github.com/quillshelf/bookpay/store"
)

// PaymentService owns payment creation, verification, and the success path
// shared by verification and webhooks.
type PaymentService struct {
	store         store.Store
	registry      *gateway.Registry
	coupons       *CouponService
	delivery      *DeliveryService
	emails        *EmailService
	producer      *events.Producer
	logger        *zap.Logger
	paymentExpiry time.Duration
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	s store.Store,
	registry *gateway.Registry,
	coupons *CouponService,
	delivery *DeliveryService,
	emails *EmailService,
	producer *events.Producer,
	logger *zap.Logger,
	paymentExpiry time.Duration,
) *PaymentService {
	return &PaymentService{
		store:         s,
		registry:      registry,
		coupons:       coupons,
		delivery:      delivery,
		emails:        emails,
		producer:      producer,
		logger:        logger,
		paymentExpiry: paymentExpiry,
	}
}

// InitializeRequest is the checkout input.
type InitializeRequest struct {
	UserID        uuid.UUID `json:"user_id"`
	BookID        uuid.UUID `json:"book_id"`
	Gateway       string    `json:"gateway"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	CouponCode    string    `json:"coupon_code,omitempty"`
	Email         string    `json:"email,omitempty"`
}

// InitializeResult is returned to the client so it can redirect the buyer
// to the gateway's checkout page.
type InitializeResult struct {
	Order       *models.Order   `json:"order"`
	Payment     *models.Payment `json:"payment"`
	RedirectURL string          `json:"redirect_url,omitempty"`
}

// Initialize creates the order and payment, redeems the coupon if present,
// and opens the transaction with the gateway. The checkout rows and the
// coupon redemption are persisted in one atomic unit before any gateway
// call, so a gateway failure leaves an auditable failed payment rather
// than a dangling redemption.
func (s *PaymentService) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if req.UserID == uuid.Nil || req.BookID == uuid.Nil {
		return nil, errs.E(errs.KindValidation, "user_id and book_id are required")
	}
	gw, err := s.registry.Resolve(req.Gateway)
	if err != nil {
		return nil, err
	}

	book, err := s.store.GetBook(ctx, req.BookID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errs.Ef(errs.KindValidation, "book %s does not exist", req.BookID)
		}
		return nil, errs.E(errs.KindInternal, "failed to load book", err)
	}

	subtotal := book.Price
	discount := decimal.Zero
	var coupon *models.Coupon
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		coupon, discount, err = s.coupons.Validate(ctx, code, req.UserID, book.ID, subtotal)
		if err != nil {
			return nil, err
		}
	}
	total := subtotal.Sub(discount)

	now := time.Now()
	order := &models.Order{
		ID:             uuid.New(),
		OrderNumber:    newReference("ORD"),
		UserID:         req.UserID,
		TotalAmount:    total,
		DiscountAmount: discount,
		Currency:       book.Currency,
		Status:         models.OrderStatusPending,
		DeliveryStatus: models.DeliveryStatusPending,
		RefundedAmount: decimal.Zero,
		Items: []models.OrderItem{{
			ID:       uuid.New(),
			BookID:   book.ID,
			Title:    book.Title,
			Price:    book.Price,
			Quantity: 1,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	payment := &models.Payment{
		ID:               uuid.New(),
		UserID:           req.UserID,
		BookID:           book.ID,
		PaymentReference: newReference("PAY"),
		GatewayName:      gw.Name(),
		Amount:           total,
		Currency:         book.Currency,
		PaymentMethod:    req.PaymentMethod,
		Status:           models.PaymentStatusPending,
		ExpiresAt:        now.Add(s.paymentExpiry),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	order.PaymentID = payment.ID
	order.Items[0].OrderID = order.ID

	var usage *models.CouponUsage
	if coupon != nil {
		order.CouponCode = coupon.Code
		usage = &models.CouponUsage{
			ID:               uuid.New(),
			CouponID:         coupon.ID,
			UserID:           req.UserID,
			OrderID:          order.ID,
			DiscountAmount:   discount,
			OrderTotalBefore: subtotal,
			OrderTotalAfter:  total,
			CreatedAt:        now,
		}
	}

	if err := s.store.CreateCheckout(ctx, order, payment, usage); err != nil {
		if err == store.ErrCouponExhausted {
			return nil, errs.Ef(errs.KindValidation, "coupon %q has reached its usage limit", coupon.Code)
		}
		return nil, errs.E(errs.KindInternal, "failed to persist checkout", err)
	}

	init, err := gw.InitializePayment(ctx, payment)
	if err != nil {
		s.failAttempt(ctx, payment, order, "gateway initialization failed: "+err.Error(), nil)
		return nil, err
	}

	if err := s.store.UpdatePaymentGateway(ctx, payment.ID, init.GatewayReference, init.Raw); err != nil {
		return nil, errs.E(errs.KindInternal, "failed to record gateway reference", err)
	}
	payment.GatewayReference = init.GatewayReference

	if _, err := s.store.TransitionPayment(ctx, payment.ID,
		[]models.PaymentStatus{models.PaymentStatusPending},
		models.PaymentStatusProcessing, "", nil); err != nil {
		return nil, errs.E(errs.KindInternal, "failed to advance payment", err)
	}
	payment.Status = models.PaymentStatusProcessing
	if err := s.store.MarkOrderProcessing(ctx, order.ID); err != nil {
		return nil, errs.E(errs.KindInternal, "failed to advance order", err)
	}
	order.Status = models.OrderStatusProcessing

	s.audit(ctx, payment.ID, "payment.initialized", models.PaymentStatusProcessing, map[string]string{
		"gateway":           gw.Name(),
		"gateway_reference": init.GatewayReference,
	})

	return &InitializeResult{Order: order, Payment: payment, RedirectURL: init.RedirectURL}, nil
}

// Verify confirms a payment's outcome server-to-server. It is safe to call
// repeatedly and safe to race with webhook delivery: only one caller wins
// the terminal transition, everyone else observes the settled state.
func (s *PaymentService) Verify(ctx context.Context, gatewayName, reference string) (*models.Payment, error) {
	payment, err := s.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errs.Ef(errs.KindNotFound, "payment %q not found", reference)
		}
		return nil, errs.E(errs.KindInternal, "failed to load payment", err)
	}
	if !strings.EqualFold(payment.GatewayName, gatewayName) {
		return nil, errs.Ef(errs.KindValidation,
			"payment %q belongs to gateway %q", reference, payment.GatewayName)
	}
	if payment.Status.Terminal() {
		return payment, nil
	}

	gw, err := s.registry.Resolve(payment.GatewayName)
	if err != nil {
		return nil, err
	}
	result, err := gw.VerifyPayment(ctx, payment)
	if err != nil {
		return nil, err
	}

	if result.Succeeded {
		if err := s.ApplySuccess(ctx, payment.ID, result.Raw); err != nil && !errs.IsKind(err, errs.KindIdempotentNoop) {
			return nil, err
		}
	} else {
		reason := result.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		if err := s.MarkFailed(ctx, payment.ID, reason, result.Raw); err != nil && !errs.IsKind(err, errs.KindIdempotentNoop) {
			return nil, err
		}
	}

	return s.store.GetPayment(ctx, payment.ID)
}

// ApplySuccess is the single success path shared by webhooks and
// verification. The CAS transition decides the winner; the winner grants
// entitlements, completes the order, and kicks off delivery. Losers get a
// KindIdempotentNoop when the payment already settled successfully.
func (s *PaymentService) ApplySuccess(ctx context.Context, paymentID uuid.UUID, response json.RawMessage) error {
	won, err := s.store.TransitionPayment(ctx, paymentID,
		[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing},
		models.PaymentStatusSuccessful, "", response)
	if err != nil {
		return errs.E(errs.KindInternal, "failed to transition payment", err)
	}
	if !won {
		current, err := s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return errs.E(errs.KindInternal, "failed to reload payment", err)
		}
		if current.Status == models.PaymentStatusSuccessful {
			return errs.Ef(errs.KindIdempotentNoop, "payment %s already successful", current.PaymentReference)
		}
		return errs.Ef(errs.KindConflict,
			"payment %s already settled as %s", current.PaymentReference, current.Status)
	}

	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return errs.E(errs.KindInternal, "failed to reload payment", err)
	}
	s.audit(ctx, paymentID, "payment.succeeded", models.PaymentStatusSuccessful, nil)

	order, err := s.store.GetOrderByPaymentID(ctx, paymentID)
	if err != nil {
		return errs.E(errs.KindInternal, "failed to load order for payment", err)
	}

	for _, item := range order.Items {
		granted, err := s.store.GrantEntitlement(ctx, &models.Entitlement{
			ID:      uuid.New(),
			UserID:  order.UserID,
			BookID:  item.BookID,
			OrderID: order.ID,
		})
		if err != nil {
			return errs.E(errs.KindInternal, "failed to grant entitlement", err)
		}
		if !granted {
			s.logger.Info("entitlement already granted",
				zap.String("user_id", order.UserID.String()),
				zap.String("book_id", item.BookID.String()))
		}
	}

	if _, err := s.store.CompleteOrder(ctx, order.ID); err != nil {
		return errs.E(errs.KindInternal, "failed to complete order", err)
	}
	order.Status = models.OrderStatusCompleted

	s.producer.Publish(ctx, events.Notification{
		Type:    events.TypeOrderCompleted,
		OrderID: order.ID,
		UserID:  order.UserID,
		Payload: map[string]string{
			"order_number":      order.OrderNumber,
			"payment_reference": payment.PaymentReference,
			"total_amount":      order.TotalAmount.String(),
		},
	})
	if err := s.emails.SendOrderConfirmation(order); err != nil {
		s.logger.Error("failed to send order confirmation",
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
	}

	if err := s.delivery.OnOrderCompleted(ctx, order); err != nil {
		// Delivery failure never undoes a settled payment; the sweeper and
		// support tooling pick these up from delivery_status=failed.
		s.logger.Error("delivery kickoff failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}

	return nil
}

// MarkFailed settles a payment as failed and cancels its order. Safe to
// race with a success signal: terminal states never get overwritten.
func (s *PaymentService) MarkFailed(ctx context.Context, paymentID uuid.UUID, reason string, response json.RawMessage) error {
	won, err := s.store.TransitionPayment(ctx, paymentID,
		[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing},
		models.PaymentStatusFailed, reason, response)
	if err != nil {
		return errs.E(errs.KindInternal, "failed to transition payment", err)
	}
	if !won {
		current, err := s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return errs.E(errs.KindInternal, "failed to reload payment", err)
		}
		if current.Status == models.PaymentStatusFailed {
			return errs.Ef(errs.KindIdempotentNoop, "payment %s already failed", current.PaymentReference)
		}
		return errs.Ef(errs.KindConflict,
			"payment %s already settled as %s", current.PaymentReference, current.Status)
	}
	s.audit(ctx, paymentID, "payment.failed", models.PaymentStatusFailed, map[string]string{"reason": reason})

	order, err := s.store.GetOrderByPaymentID(ctx, paymentID)
	if err != nil {
		return errs.E(errs.KindInternal, "failed to load order for payment", err)
	}
	if _, err := s.store.CancelOrder(ctx, order.ID, "payment failed: "+reason); err != nil {
		return errs.E(errs.KindInternal, "failed to cancel order", err)
	}
	return nil
}

// OrderFor returns the order attached to a payment.
func (s *PaymentService) OrderFor(ctx context.Context, paymentID uuid.UUID) (*models.Order, error) {
	order, err := s.store.GetOrderByPaymentID(ctx, paymentID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errs.Ef(errs.KindNotFound, "no order for payment %s", paymentID)
		}
		return nil, errs.E(errs.KindInternal, "failed to load order for payment", err)
	}
	return order, nil
}

// GetEvents returns the audit trail for a payment.
func (s *PaymentService) GetEvents(ctx context.Context, paymentID uuid.UUID) ([]models.PaymentEvent, error) {
	return s.store.GetPaymentEvents(ctx, paymentID)
}

// ExpirePending sweeps payments past their expiry window. Runs on a timer
// from main.
func (s *PaymentService) ExpirePending(ctx context.Context) {
	n, err := s.store.ExpirePayments(ctx, time.Now())
	if err != nil {
		s.logger.Error("payment expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired stale payments", zap.Int64("count", n))
	}
}

func (s *PaymentService) failAttempt(ctx context.Context, payment *models.Payment, order *models.Order, reason string, response json.RawMessage) {
	if _, err := s.store.TransitionPayment(ctx, payment.ID,
		[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing},
		models.PaymentStatusFailed, reason, response); err != nil {
		s.logger.Error("failed to settle payment as failed",
			zap.String("payment_reference", payment.PaymentReference),
			zap.Error(err))
		return
	}
	s.audit(ctx, payment.ID, "payment.failed", models.PaymentStatusFailed, map[string]string{"reason": reason})
	if _, err := s.store.CancelOrder(ctx, order.ID, reason); err != nil {
		s.logger.Error("failed to cancel order after payment failure",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
}

// audit appends a payment event; audit records never block the transition
// they describe.
func (s *PaymentService) audit(ctx context.Context, paymentID uuid.UUID, eventType string, status models.PaymentStatus, data interface{}) {
	err := s.store.AddPaymentEvent(ctx, models.PaymentEvent{
		ID:        uuid.New(),
		PaymentID: paymentID,
		EventType: eventType,
		Status:    status,
		Data:      data,
	})
	if err != nil {
		s.logger.Error("failed to record payment event",
			zap.String("payment_id", paymentID.String()),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// newReference builds an unguessable reference like PAY-9F2C41D0B7E3A815.
func newReference(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(fmt.Sprintf("reference generation: %v", err))
	}
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(buf))
}
