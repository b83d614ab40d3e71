// handlers/handlers.go
// Package handlers is the HTTP boundary: decode, delegate to a service,
// encode. No lifecycle rules live here.
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/services"
)

// Handlers bundles the services behind the HTTP routes.
type Handlers struct {
	payments *services.PaymentService
	orders   *services.OrderService
	webhooks *services.WebhookService
	delivery *services.DeliveryService
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	payments *services.PaymentService,
	orders *services.OrderService,
	webhooks *services.WebhookService,
	delivery *services.DeliveryService,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		payments: payments,
		orders:   orders,
		webhooks: webhooks,
		delivery: delivery,
		logger:   logger,
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithTaxonomyError maps a service error to its HTTP status. Internal
// details stay in the logs; clients get the classified message.
func (h *Handlers) respondWithTaxonomyError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.HTTPStatus(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondWithError(w, code, "internal server error")
		return
	}
	respondWithError(w, code, err.Error())
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Error encoding response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
