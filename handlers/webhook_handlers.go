// handlers/webhook_handlers.go
package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quillshelf/bookpay/errs"
)

// maxWebhookBody bounds gateway payloads; real events are a few KB.
const maxWebhookBody = 1 << 20

// signatureHeaders lists the header each supported provider signs with.
// This is transport trivia, not dispatch: the gateway itself decides how
// to verify whatever value arrives.
var signatureHeaders = []string{
	"Stripe-Signature",
	"X-Paystack-Signature",
	"verif-hash",
}

// HandleWebhook receives a gateway event. The payload is persisted before
// any processing, so a 5xx here tells the gateway to redeliver without risk
// of double effects.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Failed to read webhook body")
		return
	}

	var signature string
	for _, header := range signatureHeaders {
		if v := r.Header.Get(header); v != "" {
			signature = v
			break
		}
	}

	if err := h.webhooks.Handle(r.Context(), gatewayName, payload, signature); err != nil {
		if errs.IsKind(err, errs.KindIdempotentNoop) {
			respondWithJSON(w, http.StatusOK, map[string]string{"status": "already processed"})
			return
		}
		h.respondWithTaxonomyError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
