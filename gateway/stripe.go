// gateway/stripe.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/models"
)

// Stripe implements Gateway on the hosted Checkout flow: initialization
// creates a Checkout Session whose URL is the redirect target, and the
// local payment_reference travels as the session's client_reference_id.
type Stripe struct {
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewStripe creates a Stripe gateway adapter. The API key is set globally
// via stripe.Key during startup.
func NewStripe(webhookSecret, baseURL string) *Stripe {
	return &Stripe{
		webhookSecret: webhookSecret,
		successURL:    baseURL + "/checkout/success",
		cancelURL:     baseURL + "/checkout/cancel",
	}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) InitializePayment(ctx context.Context, payment *models.Payment) (*InitResult, error) {
	params := &stripe.CheckoutSessionParams{
		ClientReferenceID: stripe.String(payment.PaymentReference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(payment.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Book purchase " + payment.PaymentReference),
					},
					UnitAmount: stripe.Int64(toMinorUnits(payment.Amount)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		Metadata: map[string]string{
			"payment_reference": payment.PaymentReference,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(payment.PaymentReference)

	var result *InitResult
	err := withRetry(ctx, func() error {
		sess, err := session.New(params)
		if err != nil {
			return classifyStripeError(err)
		}
		raw, _ := json.Marshal(sess)
		result = &InitResult{
			GatewayReference: sess.ID,
			RedirectURL:      sess.URL,
			Raw:              raw,
		}
		return nil
	})
	return result, err
}

func (s *Stripe) VerifyPayment(ctx context.Context, payment *models.Payment) (*VerifyResult, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	var result *VerifyResult
	err := withRetry(ctx, func() error {
		sess, err := session.Get(payment.GatewayReference, params)
		if err != nil {
			return classifyStripeError(err)
		}
		if err := crossCheck(payment, sess.ClientReferenceID,
			fromMinorUnits(sess.AmountTotal), string(sess.Currency)); err != nil {
			return err
		}
		raw, _ := json.Marshal(sess)
		result = &VerifyResult{
			Succeeded: sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
			Reason:    string(sess.PaymentStatus),
			Raw:       raw,
		}
		return nil
	})
	return result, err
}

func (s *Stripe) Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) (*RefundResult, error) {
	sessParams := &stripe.CheckoutSessionParams{}
	sessParams.Context = ctx

	var result *RefundResult
	err := withRetry(ctx, func() error {
		sess, err := session.Get(payment.GatewayReference, sessParams)
		if err != nil {
			return classifyStripeError(err)
		}
		if sess.PaymentIntent == nil {
			return errs.Ef(errs.KindIntegrity, "stripe session %s has no payment intent", payment.GatewayReference)
		}

		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(sess.PaymentIntent.ID),
			Amount:        stripe.Int64(toMinorUnits(amount)),
		}
		params.Context = ctx

		r, err := refund.New(params)
		if err != nil {
			return classifyStripeError(err)
		}
		raw, _ := json.Marshal(r)
		result = &RefundResult{Reference: r.ID, Raw: raw}
		return nil
	})
	return result, err
}

// VerifyWebhookSignature delegates to Stripe's signed-header scheme, which
// is HMAC-SHA256 under a timestamped header rather than a bare body HMAC.
func (s *Stripe) VerifyWebhookSignature(payload []byte, signature string) bool {
	_, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	return err == nil
}

func (s *Stripe) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errs.E(errs.KindValidation, "malformed stripe webhook payload", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, errs.E(errs.KindValidation, "stripe webhook missing id or type")
	}

	out := &WebhookEvent{
		Reference: "stripe:" + event.ID,
		EventType: string(event.Type),
		Effect:    EffectIgnored,
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, errs.E(errs.KindValidation, "malformed checkout.session.completed payload", err)
		}
		out.Effect = EffectPaymentSucceeded
		out.PaymentReference = sess.ClientReferenceID
		out.GatewayReference = sess.ID
		out.Amount = fromMinorUnits(sess.AmountTotal)
		out.Currency = string(sess.Currency)

	case "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, errs.E(errs.KindValidation, "malformed checkout.session.expired payload", err)
		}
		out.Effect = EffectPaymentFailed
		out.PaymentReference = sess.ClientReferenceID
		out.GatewayReference = sess.ID
		out.Reason = "checkout session expired"

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, errs.E(errs.KindValidation, "malformed payment_intent.payment_failed payload", err)
		}
		out.Effect = EffectPaymentFailed
		out.PaymentReference = pi.Metadata["payment_reference"]
		out.GatewayReference = pi.ID
		if pi.LastPaymentError != nil {
			out.Reason = pi.LastPaymentError.Msg
		}
	}

	if out.Effect != EffectIgnored && out.PaymentReference == "" {
		return nil, errs.Ef(errs.KindValidation, "stripe event %s carries no payment reference", event.ID)
	}
	return out, nil
}

// classifyStripeError folds SDK errors into the taxonomy: connection and
// 5xx problems are transient, card declines and bad requests are terminal.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 {
			return errs.E(errs.KindGatewayTransient, "stripe server error", err)
		}
		return errs.E(errs.KindGatewayRejected, stripeErr.Msg, err)
	}
	return errs.E(errs.KindGatewayTransient, "stripe request failed", err)
}
