// handlers/download_handlers.go
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/quillshelf/bookpay/services"
)

// Download redeems a download token and streams the book file. Expired and
// exhausted tokens answer 410 so clients know the link is permanently dead.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "Download token is required")
		return
	}

	dl, book, err := h.delivery.RequestDownload(r.Context(), token)
	if err != nil {
		if errors.Is(err, services.ErrDownloadExpired) || errors.Is(err, services.ErrDownloadExhausted) {
			respondWithError(w, http.StatusGone, err.Error())
			return
		}
		h.respondWithTaxonomyError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(book.FilePath)))
	if book.FileSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(book.FileSize, 10))
	}

	// Headers are committed once streaming starts; mid-stream failures are
	// recorded against the grant and surface to the client as a short read.
	if _, err := h.delivery.Stream(r.Context(), w, dl, book); err != nil {
		h.logger.Warn("download stream ended early",
			zap.String("token", token),
			zap.Error(err))
	}
}
