// gateway/paystack.go
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/models"
)

const paystackBaseURL = "https://api.paystack.co"

// Paystack implements Gateway against the Paystack REST API. Webhooks are
// authenticated with an HMAC-SHA512 of the raw body in the
// X-Paystack-Signature header.
type Paystack struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

// NewPaystack creates a Paystack gateway adapter
func NewPaystack(secretKey string, timeout time.Duration) *Paystack {
	return &Paystack{
		secretKey: secretKey,
		baseURL:   paystackBaseURL,
		client:    &http.Client{Timeout: timeout},
	}
}

// NewPaystackWithBaseURL points the adapter at a test server.
func NewPaystackWithBaseURL(secretKey, baseURL string, timeout time.Duration) *Paystack {
	p := NewPaystack(secretKey, timeout)
	p.baseURL = baseURL
	return p
}

func (p *Paystack) Name() string { return "paystack" }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackTransaction struct {
	Reference        string          `json:"reference"`
	AuthorizationURL string          `json:"authorization_url"`
	Status           string          `json:"status"`
	Amount           int64           `json:"amount"` // minor units (kobo/cents)
	Currency         string          `json:"currency"`
	GatewayResponse  string          `json:"gateway_response"`
	ID               json.Number     `json:"id"`
	Metadata         json.RawMessage `json:"metadata"`
}

// InitializePayment creates a Paystack transaction keyed by the local
// payment_reference, so repeated calls land on the same transaction.
func (p *Paystack) InitializePayment(ctx context.Context, payment *models.Payment) (*InitResult, error) {
	body := map[string]interface{}{
		// User profiles live outside this engine; Paystack requires an
		// email, so one is derived from the user id.
		"email":     fmt.Sprintf("%s@users.quillshelf.com", payment.UserID),
		"amount":    toMinorUnits(payment.Amount),
		"currency":  payment.Currency,
		"reference": payment.PaymentReference,
	}
	if payment.PaymentMethod != "" {
		body["channels"] = []string{payment.PaymentMethod}
	}

	var result *InitResult
	err := withRetry(ctx, func() error {
		raw, err := p.call(ctx, http.MethodPost, "/transaction/initialize", body)
		if err != nil {
			return err
		}
		var tx paystackTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return errs.E(errs.KindGatewayTransient, "paystack returned malformed initialize response", err)
		}
		result = &InitResult{
			GatewayReference: tx.Reference,
			RedirectURL:      tx.AuthorizationURL,
			Raw:              raw,
		}
		return nil
	})
	return result, err
}

// VerifyPayment looks the transaction up by reference and cross-checks it
// against the stored payment before trusting the reported status.
func (p *Paystack) VerifyPayment(ctx context.Context, payment *models.Payment) (*VerifyResult, error) {
	var result *VerifyResult
	err := withRetry(ctx, func() error {
		raw, err := p.call(ctx, http.MethodGet, "/transaction/verify/"+payment.PaymentReference, nil)
		if err != nil {
			return err
		}
		var tx paystackTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return errs.E(errs.KindGatewayTransient, "paystack returned malformed verify response", err)
		}
		if err := crossCheck(payment, tx.Reference, fromMinorUnits(tx.Amount), tx.Currency); err != nil {
			return err
		}
		result = &VerifyResult{
			Succeeded: tx.Status == "success",
			Reason:    tx.GatewayResponse,
			Raw:       raw,
		}
		return nil
	})
	return result, err
}

// Refund reverses up to the captured amount on the underlying transaction.
func (p *Paystack) Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) (*RefundResult, error) {
	body := map[string]interface{}{
		"transaction":   payment.GatewayReference,
		"amount":        toMinorUnits(amount),
		"merchant_note": reason,
	}

	var result *RefundResult
	err := withRetry(ctx, func() error {
		raw, err := p.call(ctx, http.MethodPost, "/refund", body)
		if err != nil {
			return err
		}
		var refund struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(raw, &refund); err != nil {
			return errs.E(errs.KindGatewayTransient, "paystack returned malformed refund response", err)
		}
		result = &RefundResult{Reference: refund.ID.String(), Raw: raw}
		return nil
	})
	return result, err
}

// VerifyWebhookSignature checks the HMAC-SHA512 body signature in constant time.
func (p *Paystack) VerifyWebhookSignature(payload []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseWebhook maps Paystack event names onto canonical effects.
func (p *Paystack) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var event struct {
		Event string              `json:"event"`
		Data  paystackTransaction `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errs.E(errs.KindValidation, "malformed paystack webhook payload", err)
	}
	if event.Event == "" || event.Data.Reference == "" {
		return nil, errs.E(errs.KindValidation, "paystack webhook missing event or reference")
	}

	effect := EffectIgnored
	switch event.Event {
	case "charge.success":
		effect = EffectPaymentSucceeded
	case "charge.failed", "charge.dispute.create":
		effect = EffectPaymentFailed
	}

	return &WebhookEvent{
		Reference:        fmt.Sprintf("paystack:%s:%s", event.Event, event.Data.Reference),
		EventType:        event.Event,
		Effect:           effect,
		PaymentReference: event.Data.Reference,
		GatewayReference: event.Data.Reference,
		Amount:           fromMinorUnits(event.Data.Amount),
		Currency:         event.Data.Currency,
		Reason:           event.Data.GatewayResponse,
	}, nil
}

// call performs one authenticated API round trip and classifies failures:
// network errors and 5xx are transient, definitive 4xx bodies are rejections.
func (p *Paystack) call(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode paystack request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build paystack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindGatewayTransient, "paystack request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.E(errs.KindGatewayTransient, "failed to read paystack response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, errs.Ef(errs.KindGatewayTransient, "paystack returned %d", resp.StatusCode)
	}

	var envelope paystackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errs.E(errs.KindGatewayTransient, "paystack returned malformed envelope", err)
	}
	if resp.StatusCode >= 400 || !envelope.Status {
		return nil, errs.Ef(errs.KindGatewayRejected, "paystack rejected request: %s", envelope.Message)
	}
	return envelope.Data, nil
}

// toMinorUnits converts a major-unit amount to the integer minor units
// Paystack expects, without passing through floating point.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100))
}
