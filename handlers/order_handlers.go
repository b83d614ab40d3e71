// handlers/order_handlers.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GetOrder returns an order by id.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid order id")
		return
	}

	order, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.respondWithTaxonomyError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

// GetOrderByNumber returns an order by its public order number.
func (h *Handlers) GetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "orderNumber")
	if number == "" {
		respondWithError(w, http.StatusBadRequest, "Order number is required")
		return
	}

	order, err := h.orders.GetByNumber(r.Context(), number)
	if err != nil {
		h.respondWithTaxonomyError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

type cancelOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelOrder cancels a not-yet-completed order.
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid order id")
		return
	}

	var req cancelOrderRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	order, err := h.orders.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.respondWithTaxonomyError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

type refundOrderRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason,omitempty"`
}

// RefundOrder reverses part or all of a completed order. Admin only.
func (h *Handlers) RefundOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid order id")
		return
	}

	var req refundOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	refund, err := h.orders.Refund(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.respondWithTaxonomyError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, refund)
}
