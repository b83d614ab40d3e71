// gateway/flutterwave.go
package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/models"
)

const flutterwaveBaseURL = "https://api.flutterwave.com/v3"

// Flutterwave implements Gateway against the Flutterwave v3 API. Webhooks
// carry the shared secret in the verif-hash header.
type Flutterwave struct {
	secretKey  string
	webhookKey string
	baseURL    string
	redirect   string
	client     *http.Client
}

// NewFlutterwave creates a Flutterwave gateway adapter
func NewFlutterwave(secretKey, webhookKey, redirectURL string, timeout time.Duration) *Flutterwave {
	return &Flutterwave{
		secretKey:  secretKey,
		webhookKey: webhookKey,
		baseURL:    flutterwaveBaseURL,
		redirect:   redirectURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// NewFlutterwaveWithBaseURL points the adapter at a test server.
func NewFlutterwaveWithBaseURL(secretKey, webhookKey, baseURL string, timeout time.Duration) *Flutterwave {
	f := NewFlutterwave(secretKey, webhookKey, "", timeout)
	f.baseURL = baseURL
	return f
}

func (f *Flutterwave) Name() string { return "flutterwave" }

type flutterwaveEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type flutterwaveTransaction struct {
	ID                json.Number     `json:"id"`
	TxRef             string          `json:"tx_ref"`
	FlwRef            string          `json:"flw_ref"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	ProcessorResponse string          `json:"processor_response"`
	Link              string          `json:"link"`
}

// InitializePayment creates a hosted-payment link keyed by tx_ref, which is
// the local payment_reference.
func (f *Flutterwave) InitializePayment(ctx context.Context, payment *models.Payment) (*InitResult, error) {
	body := map[string]interface{}{
		"tx_ref":       payment.PaymentReference,
		"amount":       payment.Amount.String(),
		"currency":     payment.Currency,
		"redirect_url": f.redirect,
		"customer": map[string]string{
			"email": fmt.Sprintf("%s@users.quillshelf.com", payment.UserID),
		},
	}
	if payment.PaymentMethod != "" {
		body["payment_options"] = payment.PaymentMethod
	}

	var result *InitResult
	err := withRetry(ctx, func() error {
		raw, err := f.call(ctx, http.MethodPost, "/payments", body)
		if err != nil {
			return err
		}
		var tx flutterwaveTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return errs.E(errs.KindGatewayTransient, "flutterwave returned malformed initialize response", err)
		}
		// Flutterwave assigns the numeric transaction id later; until
		// verification the tx_ref is the only shared handle.
		result = &InitResult{
			GatewayReference: payment.PaymentReference,
			RedirectURL:      tx.Link,
			Raw:              raw,
		}
		return nil
	})
	return result, err
}

// VerifyPayment resolves the transaction by tx_ref and cross-checks it
// before trusting the reported status.
func (f *Flutterwave) VerifyPayment(ctx context.Context, payment *models.Payment) (*VerifyResult, error) {
	var result *VerifyResult
	err := withRetry(ctx, func() error {
		raw, err := f.call(ctx, http.MethodGet,
			"/transactions/verify_by_reference?tx_ref="+payment.PaymentReference, nil)
		if err != nil {
			return err
		}
		var tx flutterwaveTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return errs.E(errs.KindGatewayTransient, "flutterwave returned malformed verify response", err)
		}
		if err := crossCheck(payment, tx.TxRef, tx.Amount, tx.Currency); err != nil {
			return err
		}
		result = &VerifyResult{
			Succeeded: strings.EqualFold(tx.Status, "successful"),
			Reason:    tx.ProcessorResponse,
			Raw:       raw,
		}
		return nil
	})
	return result, err
}

// Refund queues a reversal on the transaction. Flutterwave settles refunds
// asynchronously; the queued acknowledgement counts as confirmation.
func (f *Flutterwave) Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) (*RefundResult, error) {
	body := map[string]interface{}{
		"amount":   amount.String(),
		"comments": reason,
	}

	var result *RefundResult
	err := withRetry(ctx, func() error {
		raw, err := f.call(ctx, http.MethodPost,
			"/transactions/"+payment.GatewayReference+"/refund", body)
		if err != nil {
			return err
		}
		var refund struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(raw, &refund); err != nil {
			return errs.E(errs.KindGatewayTransient, "flutterwave returned malformed refund response", err)
		}
		result = &RefundResult{Reference: refund.ID.String(), Raw: raw}
		return nil
	})
	return result, err
}

// VerifyWebhookSignature compares the verif-hash header against the
// configured webhook key in constant time.
func (f *Flutterwave) VerifyWebhookSignature(_ []byte, signature string) bool {
	if f.webhookKey == "" || signature == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(f.webhookKey), []byte(signature)) == 1
}

// ParseWebhook maps Flutterwave charge events onto canonical effects.
func (f *Flutterwave) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var event struct {
		Event string                 `json:"event"`
		Data  flutterwaveTransaction `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errs.E(errs.KindValidation, "malformed flutterwave webhook payload", err)
	}
	if event.Event == "" || event.Data.TxRef == "" {
		return nil, errs.E(errs.KindValidation, "flutterwave webhook missing event or tx_ref")
	}

	effect := EffectIgnored
	if event.Event == "charge.completed" {
		if strings.EqualFold(event.Data.Status, "successful") {
			effect = EffectPaymentSucceeded
		} else {
			effect = EffectPaymentFailed
		}
	}

	return &WebhookEvent{
		Reference:        fmt.Sprintf("flutterwave:%s:%s:%s", event.Event, event.Data.TxRef, event.Data.FlwRef),
		EventType:        event.Event,
		Effect:           effect,
		PaymentReference: event.Data.TxRef,
		GatewayReference: event.Data.ID.String(),
		Amount:           event.Data.Amount,
		Currency:         event.Data.Currency,
		Reason:           event.Data.ProcessorResponse,
	}, nil
}

func (f *Flutterwave) call(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode flutterwave request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build flutterwave request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindGatewayTransient, "flutterwave request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.E(errs.KindGatewayTransient, "failed to read flutterwave response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, errs.Ef(errs.KindGatewayTransient, "flutterwave returned %d", resp.StatusCode)
	}

	var envelope flutterwaveEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errs.E(errs.KindGatewayTransient, "flutterwave returned malformed envelope", err)
	}
	if resp.StatusCode >= 400 || envelope.Status != "success" {
		return nil, errs.Ef(errs.KindGatewayRejected, "flutterwave rejected request: %s", envelope.Message)
	}
	return envelope.Data, nil
}
