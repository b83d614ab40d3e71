// services/webhook_service.go
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/gateway"
	"github.com/quillshelf/bookpay/locker"
	"github.com/quillshelf/bookpay/models"
	"github.com/quillshelf/bookpay/store"
)

// WebhookService receives gateway events, persists them before acting, and
// applies their effect exactly once per webhook reference.
type WebhookService struct {
	store    store.Store
	registry *gateway.Registry
	payments *PaymentService
	locks    locker.Locker
	logger   *zap.Logger
}

// NewWebhookService creates a new webhook service
func NewWebhookService(s store.Store, registry *gateway.Registry, payments *PaymentService, locks locker.Locker, logger *zap.Logger) *WebhookService {
	return &WebhookService{
		store:    s,
		registry: registry,
		payments: payments,
		locks:    locks,
		logger:   logger,
	}
}

// Handle processes one delivery attempt. The raw payload is persisted first
// so no event is ever lost, then the signature gates any side effect.
// Duplicate references short-circuit as idempotent no-ops.
func (s *WebhookService) Handle(ctx context.Context, gatewayName string, payload []byte, signature string) error {
	gw, err := s.registry.Resolve(gatewayName)
	if err != nil {
		return err
	}

	event, parseErr := gw.ParseWebhook(payload)

	reference := ""
	eventType := "unparseable"
	if parseErr == nil {
		reference = event.Reference
		eventType = event.EventType
	}
	if reference == "" {
		// Unparseable or reference-less payloads still get a durable row;
		// the body hash stands in as the idempotency key.
		sum := sha256.Sum256(payload)
		reference = gw.Name() + ":sha256:" + hex.EncodeToString(sum[:])
	}

	webhook := &models.PaymentWebhook{
		WebhookReference: reference,
		GatewayName:      gw.Name(),
		EventType:        eventType,
		Payload:          json.RawMessage(payload),
		Status:           models.WebhookStatusReceived,
	}
	created, stored, err := s.store.InsertWebhook(ctx, webhook)
	if err != nil {
		return errs.E(errs.KindInternal, "failed to persist webhook", err)
	}
	if !created {
		switch stored.Status {
		case models.WebhookStatusProcessed:
			return errs.Ef(errs.KindIdempotentNoop, "webhook %s already processed", reference)
		case models.WebhookStatusProcessing:
			return errs.Ef(errs.KindIdempotentNoop, "webhook %s already in flight", reference)
		}
		// failed, rejected, or received: fall through and try again on the
		// stored row; the signature gate below still applies
		webhook = stored
	}

	// Unsigned events must never reach the retrier: a rejected row is
	// terminal until a correctly signed delivery of the same reference
	// arrives.
	if !gw.VerifyWebhookSignature(payload, signature) {
		s.reject(ctx, webhook, "invalid signature")
		return errs.E(errs.KindValidation, "invalid webhook signature")
	}
	if parseErr != nil {
		s.fail(ctx, webhook, "unparseable payload: "+parseErr.Error())
		return errs.E(errs.KindValidation, "unparseable webhook payload", parseErr)
	}
	if event.Effect == gateway.EffectIgnored {
		s.markStatus(ctx, webhook, models.WebhookStatusProcessed)
		return nil
	}

	return s.process(ctx, webhook, event)
}

// process applies a parsed event while holding the per-payment lock, so
// concurrent events for one payment are strictly serialized.
func (s *WebhookService) process(ctx context.Context, webhook *models.PaymentWebhook, event *gateway.WebhookEvent) error {
	release, err := s.locks.Acquire(ctx, event.PaymentReference)
	if err != nil {
		s.fail(ctx, webhook, "lock acquisition failed: "+err.Error())
		return err
	}
	defer release()

	s.markStatus(ctx, webhook, models.WebhookStatusProcessing)

	payment, err := s.store.GetPaymentByReference(ctx, event.PaymentReference)
	if err != nil {
		if err == store.ErrNotFound {
			s.fail(ctx, webhook, "unknown payment reference "+event.PaymentReference)
			return errs.Ef(errs.KindNotFound, "payment %q not found", event.PaymentReference)
		}
		s.fail(ctx, webhook, "payment lookup failed: "+err.Error())
		return errs.E(errs.KindInternal, "failed to load payment", err)
	}

	// Event facts must agree with the stored payment before any transition.
	if !event.Amount.IsZero() && !event.Amount.Equal(payment.Amount) {
		err := errs.Ef(errs.KindIntegrity,
			"webhook amount mismatch for %s: got %s, want %s",
			payment.PaymentReference, event.Amount.String(), payment.Amount.String())
		s.fail(ctx, webhook, err.Error())
		return err
	}
	if event.Currency != "" && !strings.EqualFold(event.Currency, payment.Currency) {
		err := errs.Ef(errs.KindIntegrity,
			"webhook currency mismatch for %s: got %q, want %q",
			payment.PaymentReference, event.Currency, payment.Currency)
		s.fail(ctx, webhook, err.Error())
		return err
	}

	switch event.Effect {
	case gateway.EffectPaymentSucceeded:
		err = s.payments.ApplySuccess(ctx, payment.ID, webhook.Payload)
	case gateway.EffectPaymentFailed:
		reason := event.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		err = s.payments.MarkFailed(ctx, payment.ID, reason, webhook.Payload)
	default:
		s.markStatus(ctx, webhook, models.WebhookStatusProcessed)
		return nil
	}

	if err != nil {
		if errs.IsKind(err, errs.KindIdempotentNoop) || errs.IsKind(err, errs.KindConflict) {
			// The payment already settled; this event carries no new facts.
			s.markStatus(ctx, webhook, models.WebhookStatusProcessed)
			return nil
		}
		s.fail(ctx, webhook, err.Error())
		return err
	}

	s.markStatus(ctx, webhook, models.WebhookStatusProcessed)
	return nil
}

// RetryFailed reprocesses failed webhooks still under the retry cap. Runs
// on a timer from main.
func (s *WebhookService) RetryFailed(ctx context.Context, limit int) {
	webhooks, err := s.store.ListRetryableWebhooks(ctx, limit)
	if err != nil {
		s.logger.Error("failed to list retryable webhooks", zap.Error(err))
		return
	}
	for _, wh := range webhooks {
		gw, err := s.registry.Resolve(wh.GatewayName)
		if err != nil {
			s.fail(ctx, wh, err.Error())
			continue
		}
		event, err := gw.ParseWebhook(wh.Payload)
		if err != nil {
			s.fail(ctx, wh, "unparseable payload: "+err.Error())
			continue
		}
		if event.Effect == gateway.EffectIgnored {
			s.markStatus(ctx, wh, models.WebhookStatusProcessed)
			continue
		}
		if err := s.process(ctx, wh, event); err != nil {
			s.logger.Warn("webhook retry failed",
				zap.String("webhook_reference", wh.WebhookReference),
				zap.Int("retry_count", wh.RetryCount+1),
				zap.Error(err))
		}
	}
}

func (s *WebhookService) markStatus(ctx context.Context, webhook *models.PaymentWebhook, status models.WebhookStatus) {
	if err := s.store.UpdateWebhookStatus(ctx, webhook.ID, status); err != nil {
		s.logger.Error("failed to update webhook status",
			zap.String("webhook_reference", webhook.WebhookReference),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (s *WebhookService) fail(ctx context.Context, webhook *models.PaymentWebhook, lastError string) {
	if err := s.store.MarkWebhookFailed(ctx, webhook.ID, lastError); err != nil {
		s.logger.Error("failed to mark webhook failed",
			zap.String("webhook_reference", webhook.WebhookReference),
			zap.Error(err))
	}
}

func (s *WebhookService) reject(ctx context.Context, webhook *models.PaymentWebhook, lastError string) {
	s.logger.Warn("webhook rejected",
		zap.String("webhook_reference", webhook.WebhookReference),
		zap.String("gateway", webhook.GatewayName),
		zap.String("reason", lastError))
	if err := s.store.MarkWebhookRejected(ctx, webhook.ID, lastError); err != nil {
		s.logger.Error("failed to mark webhook rejected",
			zap.String("webhook_reference", webhook.WebhookReference),
			zap.Error(err))
	}
}
