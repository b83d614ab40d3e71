// gateway/gateway.go
// Package gateway normalizes external payment providers behind one
// capability interface. Implementations are registered at startup and
// resolved from the registry; handler code never switches on gateway names.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/models"
)

// Effect is the canonical outcome a provider event maps to.
type Effect string

const (
	EffectPaymentSucceeded Effect = "payment_succeeded"
	EffectPaymentFailed    Effect = "payment_failed"
	// EffectIgnored covers provider events with no lifecycle meaning here.
	EffectIgnored Effect = "ignored"
)

// InitResult is the gateway's acknowledgement of a created transaction.
type InitResult struct {
	GatewayReference string
	RedirectURL      string
	Raw              json.RawMessage
}

// VerifyResult is the outcome of a server-to-server status lookup.
type VerifyResult struct {
	Succeeded bool
	Reason    string
	Raw       json.RawMessage
}

// RefundResult is the gateway's confirmation of a monetary reversal.
type RefundResult struct {
	Reference string
	Raw       json.RawMessage
}

// WebhookEvent is a provider event reduced to canonical form.
type WebhookEvent struct {
	// Reference is the provider event id used as the idempotency key.
	Reference        string
	EventType        string
	Effect           Effect
	PaymentReference string
	GatewayReference string
	Amount           decimal.Decimal
	Currency         string
	Reason           string
}

// Gateway is the capability interface implemented once per provider.
type Gateway interface {
	Name() string
	// InitializePayment creates the provider transaction, supplying the
	// locally generated payment_reference as the idempotency key.
	InitializePayment(ctx context.Context, payment *models.Payment) (*InitResult, error)
	// VerifyPayment looks the transaction up server-side and cross-checks
	// reference, amount, and currency before trusting the status.
	VerifyPayment(ctx context.Context, payment *models.Payment) (*VerifyResult, error)
	Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) (*RefundResult, error)
	// VerifyWebhookSignature must use a constant-time comparison.
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}

// Registry holds the gateways wired at startup.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry builds a registry from the configured gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, gw := range gateways {
		r.gateways[gw.Name()] = gw
	}
	return r
}

// Resolve returns the gateway registered under name.
func (r *Registry) Resolve(name string) (Gateway, error) {
	gw, ok := r.gateways[strings.ToLower(name)]
	if !ok {
		return nil, errs.Ef(errs.KindValidation, "unknown payment gateway %q", name)
	}
	return gw, nil
}

// Names lists the registered gateway names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}

const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// withRetry runs fn, retrying transient gateway failures with exponential
// backoff. Validation and definitive rejections pass through untouched.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errs.E(errs.KindGatewayTransient, "gateway retry cancelled", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil || !errs.Retryable(err) {
			return err
		}
	}
	return err
}

// crossCheck guards against reference reuse and amount/currency spoofing:
// whatever the provider reports must match the stored payment exactly.
func crossCheck(payment *models.Payment, reference string, amount decimal.Decimal, currency string) error {
	if reference != payment.PaymentReference {
		return errs.Ef(errs.KindIntegrity,
			"gateway reference mismatch: got %q, want %q", reference, payment.PaymentReference)
	}
	if !amount.Equal(payment.Amount) {
		return errs.Ef(errs.KindIntegrity,
			"gateway amount mismatch for %s: got %s, want %s",
			payment.PaymentReference, amount.String(), payment.Amount.String())
	}
	if !strings.EqualFold(currency, payment.Currency) {
		return errs.Ef(errs.KindIntegrity,
			"gateway currency mismatch for %s: got %q, want %q",
			payment.PaymentReference, currency, payment.Currency)
	}
	return nil
}
