// handlers/payment_handlers.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quillshelf/bookpay/models"
	"github.com/quillshelf/bookpay/services"
)

// InitializePayment starts a checkout: order, payment, coupon redemption,
// and the gateway transaction, returning the redirect URL for the buyer.
func (h *Handlers) InitializePayment(w http.ResponseWriter, r *http.Request) {
	var req services.InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.payments.Initialize(r.Context(), req)
	if err != nil {
		h.respondWithTaxonomyError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

type verifyPaymentRequest struct {
	Reference string `json:"reference"`
}

type verifyPaymentResponse struct {
	Success bool            `json:"success"`
	OrderID *uuid.UUID      `json:"order_id,omitempty"`
	Payment *models.Payment `json:"payment"`
}

// VerifyPayment confirms a payment's outcome against the gateway. Safe to
// call repeatedly; the settled state is returned either way.
func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	var req verifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Reference == "" {
		respondWithError(w, http.StatusBadRequest, "Payment reference is required")
		return
	}

	payment, err := h.payments.Verify(r.Context(), gatewayName, req.Reference)
	if err != nil {
		h.respondWithTaxonomyError(w, r, err)
		return
	}

	resp := verifyPaymentResponse{
		Success: payment.Status == models.PaymentStatusSuccessful,
		Payment: payment,
	}
	if order, err := h.payments.OrderFor(r.Context(), payment.ID); err == nil {
		resp.OrderID = &order.ID
	}
	respondWithJSON(w, http.StatusOK, resp)
}
