// services/order_service.go
package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/events"
	"github.com/quillshelf/bookpay/gateway"
	"github.com/quillshelf/bookpay/models"
	"github.com/quillshelf/bookpay/store"
)

// OrderService exposes order reads, cancellation, and refunds.
type OrderService struct {
	store    store.Store
	registry *gateway.Registry
	emails   *EmailService
	producer *events.Producer
	logger   *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(s store.Store, registry *gateway.Registry, emails *EmailService, producer *events.Producer, logger *zap.Logger) *OrderService {
	return &OrderService{
		store:    s,
		registry: registry,
		emails:   emails,
		producer: producer,
		logger:   logger,
	}
}

// Get loads an order by id.
func (s *OrderService) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errs.Ef(errs.KindNotFound, "order %s not found", id)
		}
		return nil, errs.E(errs.KindInternal, "failed to load order", err)
	}
	return order, nil
}

// GetByNumber loads an order by its public order number.
func (s *OrderService) GetByNumber(ctx context.Context, number string) (*models.Order, error) {
	order, err := s.store.GetOrderByNumber(ctx, number)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errs.Ef(errs.KindNotFound, "order %q not found", number)
		}
		return nil, errs.E(errs.KindInternal, "failed to load order", err)
	}
	return order, nil
}

// Cancel cancels an order that has not completed. The attached payment is
// settled as cancelled in the same pass so the expiry sweeper leaves it
// alone.
func (s *OrderService) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Order, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.Cancellable() {
		return nil, errs.Ef(errs.KindConflict, "order %s is %s and cannot be cancelled", order.OrderNumber, order.Status)
	}
	if reason == "" {
		reason = "cancelled by customer"
	}

	ok, err := s.store.CancelOrder(ctx, id, reason)
	if err != nil {
		return nil, errs.E(errs.KindInternal, "failed to cancel order", err)
	}
	if !ok {
		return nil, errs.Ef(errs.KindConflict, "order %s was settled concurrently", order.OrderNumber)
	}

	if _, err := s.store.TransitionPayment(ctx, order.PaymentID,
		[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing},
		models.PaymentStatusCancelled, reason, nil); err != nil {
		s.logger.Error("failed to cancel payment for cancelled order",
			zap.String("order_id", id.String()),
			zap.Error(err))
	}

	s.producer.Publish(ctx, events.Notification{
		Type:    events.TypeOrderCancelled,
		OrderID: order.ID,
		UserID:  order.UserID,
		Payload: map[string]string{"order_number": order.OrderNumber, "reason": reason},
	})
	if err := s.emails.SendOrderCancelled(order, reason); err != nil {
		s.logger.Error("failed to send cancellation email",
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
	}

	return s.Get(ctx, id)
}

// Refund reverses amount of a completed order through its gateway. The
// remaining-refundable check runs before any gateway call, and the store
// re-checks it under the row lock, so concurrent refunds can never exceed
// the order total.
func (s *OrderService) Refund(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, reason string) (*models.Refund, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusCompleted && order.Status != models.OrderStatusRefunded {
		return nil, errs.Ef(errs.KindConflict, "order %s is %s and cannot be refunded", order.OrderNumber, order.Status)
	}
	if !amount.IsPositive() {
		return nil, errs.E(errs.KindValidation, "refund amount must be positive")
	}
	if remaining := order.RemainingRefundable(); amount.GreaterThan(remaining) {
		return nil, errs.Ef(errs.KindValidation,
			"refund amount %s exceeds remaining refundable %s on order %s",
			amount.String(), remaining.String(), order.OrderNumber)
	}

	payment, err := s.store.GetPayment(ctx, order.PaymentID)
	if err != nil {
		return nil, errs.E(errs.KindInternal, "failed to load payment for order", err)
	}
	gw, err := s.registry.Resolve(payment.GatewayName)
	if err != nil {
		return nil, err
	}

	result, err := gw.Refund(ctx, payment, amount, reason)
	if err != nil {
		return nil, err
	}

	refund := &models.Refund{
		ID:        uuid.New(),
		OrderID:   order.ID,
		Amount:    amount,
		Reference: result.Reference,
		Reason:    reason,
	}
	ok, err := s.store.RecordRefund(ctx, refund)
	if err != nil {
		return nil, errs.E(errs.KindInternal, "failed to record refund", err)
	}
	if !ok {
		// The gateway accepted but a concurrent refund consumed the headroom.
		// Logged loudly for manual reconciliation against the gateway ledger.
		s.logger.Error("refund recorded at gateway but rejected locally",
			zap.String("order_id", order.ID.String()),
			zap.String("gateway_reference", result.Reference),
			zap.String("amount", amount.String()))
		return nil, errs.Ef(errs.KindConflict,
			"refund on order %s exceeds remaining refundable after concurrent refund", order.OrderNumber)
	}

	s.producer.Publish(ctx, events.Notification{
		Type:    events.TypeOrderRefunded,
		OrderID: order.ID,
		UserID:  order.UserID,
		Payload: map[string]string{
			"order_number": order.OrderNumber,
			"amount":       amount.String(),
			"reference":    result.Reference,
		},
	})
	if err := s.emails.SendRefundNotice(order, amount); err != nil {
		s.logger.Error("failed to send refund email",
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
	}

	return refund, nil
}
