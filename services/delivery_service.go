// services/delivery_service.go
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillshelf/bookpay/errs"
	"github.com/quillshelf/bookpay/events"
	"github.com/quillshelf/bookpay/models"
	"github.com/quillshelf/bookpay/store"
)

var (
	// ErrDownloadExpired marks a token past its validity window.
	ErrDownloadExpired = errors.New("download token expired")
	// ErrDownloadExhausted marks a token whose redemptions are used up.
	ErrDownloadExhausted = errors.New("download token exhausted")
)

// DeliveryService issues download grants when orders complete and streams
// book files against them.
type DeliveryService struct {
	store          store.Store
	emails         *EmailService
	producer       *events.Producer
	logger         *zap.Logger
	filesDir       string
	baseURL        string
	tokenTTL       time.Duration
	maxRedemptions int
	stallTime      time.Duration
}

// NewDeliveryService creates a new delivery service
func NewDeliveryService(
	s store.Store,
	emails *EmailService,
	producer *events.Producer,
	logger *zap.Logger,
	filesDir, baseURL string,
	tokenTTL time.Duration,
	maxRedemptions int,
	stallTime time.Duration,
) *DeliveryService {
	return &DeliveryService{
		store:          s,
		emails:         emails,
		producer:       producer,
		logger:         logger,
		filesDir:       filesDir,
		baseURL:        baseURL,
		tokenTTL:       tokenTTL,
		maxRedemptions: maxRedemptions,
		stallTime:      stallTime,
	}
}

// OnOrderCompleted issues one download grant per downloadable item and
// notifies the buyer. Called from the payment success path.
func (s *DeliveryService) OnOrderCompleted(ctx context.Context, order *models.Order) error {
	if err := s.store.UpdateDeliveryStatus(ctx, order.ID, models.DeliveryStatusProcessing); err != nil {
		return fmt.Errorf("failed to mark delivery processing: %w", err)
	}

	var links []DownloadLink
	for _, item := range order.Items {
		book, err := s.store.GetBook(ctx, item.BookID)
		if err != nil {
			s.deliveryFailed(ctx, order, fmt.Errorf("failed to load book %s: %w", item.BookID, err))
			return err
		}
		if !book.Downloadable {
			continue
		}

		dl := &models.DownloadLog{
			ID:             uuid.New(),
			DownloadToken:  newDownloadToken(),
			OrderID:        order.ID,
			BookID:         book.ID,
			UserID:         order.UserID,
			Status:         models.DownloadStatusInitiated,
			MaxRedemptions: s.maxRedemptions,
			TotalBytes:     book.FileSize,
			ExpiresAt:      time.Now().Add(s.tokenTTL),
		}
		if err := s.store.CreateDownloadLog(ctx, dl); err != nil {
			s.deliveryFailed(ctx, order, fmt.Errorf("failed to create download grant: %w", err))
			return err
		}
		links = append(links, DownloadLink{
			Title: book.Title,
			URL:   fmt.Sprintf("%s/download?token=%s", s.baseURL, dl.DownloadToken),
		})
	}

	if err := s.store.UpdateDeliveryStatus(ctx, order.ID, models.DeliveryStatusDelivered); err != nil {
		return fmt.Errorf("failed to mark delivery delivered: %w", err)
	}

	s.producer.Publish(ctx, events.Notification{
		Type:    events.TypeDeliveryReady,
		OrderID: order.ID,
		UserID:  order.UserID,
		Payload: map[string]int{"downloads": len(links)},
	})
	if err := s.emails.SendDeliveryLinks(order, links); err != nil {
		s.logger.Error("failed to send delivery email",
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
	}

	return nil
}

// RequestDownload redeems a token. Expired and exhausted grants are
// reported with their own sentinels so the handler can answer 410.
func (s *DeliveryService) RequestDownload(ctx context.Context, token string) (*models.DownloadLog, *models.Book, error) {
	dl, err := s.store.GetDownloadByToken(ctx, token)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, errs.E(errs.KindNotFound, "unknown download token")
		}
		return nil, nil, errs.E(errs.KindInternal, "failed to load download grant", err)
	}

	now := time.Now()
	if dl.EffectiveStatus(now) == models.DownloadStatusExpired {
		return nil, nil, ErrDownloadExpired
	}
	if dl.Exhausted() {
		return nil, nil, ErrDownloadExhausted
	}

	ok, err := s.store.BeginDownload(ctx, dl.ID, now)
	if err != nil {
		return nil, nil, errs.E(errs.KindInternal, "failed to redeem download grant", err)
	}
	if !ok {
		// Lost the redemption race; reload to report the precise reason.
		dl, err = s.store.GetDownloadByToken(ctx, token)
		if err != nil {
			return nil, nil, errs.E(errs.KindInternal, "failed to reload download grant", err)
		}
		if dl.EffectiveStatus(time.Now()) == models.DownloadStatusExpired {
			return nil, nil, ErrDownloadExpired
		}
		return nil, nil, ErrDownloadExhausted
	}
	dl.RedemptionCount++
	dl.Status = models.DownloadStatusDownloading

	book, err := s.store.GetBook(ctx, dl.BookID)
	if err != nil {
		return nil, nil, errs.E(errs.KindInternal, "failed to load book for download", err)
	}
	return dl, book, nil
}

// progressInterval bounds how often mid-stream progress is persisted.
const progressInterval = 1 << 20 // 1 MiB

// Stream copies the book file to w, persisting progress so the stall
// sweeper can tell an abandoned transfer from a slow one. The final status
// reflects whether the full file went out.
func (s *DeliveryService) Stream(ctx context.Context, w io.Writer, dl *models.DownloadLog, book *models.Book) (int64, error) {
	f, err := os.Open(filepath.Join(s.filesDir, filepath.Clean(book.FilePath)))
	if err != nil {
		s.progress(ctx, dl.ID, 0, models.DownloadStatusFailed)
		return 0, errs.E(errs.KindInternal, "failed to open book file", err)
	}
	defer f.Close()

	var written int64
	var sinceFlush int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			sinceFlush += int64(wn)
			if writeErr != nil {
				s.progress(ctx, dl.ID, written, models.DownloadStatusFailed)
				return written, errs.E(errs.KindInternal, "download interrupted", writeErr)
			}
			if sinceFlush >= progressInterval {
				s.progress(ctx, dl.ID, written, models.DownloadStatusDownloading)
				sinceFlush = 0
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.progress(ctx, dl.ID, written, models.DownloadStatusFailed)
			return written, errs.E(errs.KindInternal, "failed to read book file", readErr)
		}
	}

	s.progress(ctx, dl.ID, written, models.DownloadStatusCompleted)
	return written, nil
}

// SweepStalled fails downloads with no progress inside the stall window.
// Runs on a timer from main.
func (s *DeliveryService) SweepStalled(ctx context.Context) {
	n, err := s.store.SweepStalledDownloads(ctx, time.Now().Add(-s.stallTime))
	if err != nil {
		s.logger.Error("stalled download sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("failed stalled downloads", zap.Int64("count", n))
	}
}

// ExpireGrants marks grants past their expiry. Runs on a timer from main.
func (s *DeliveryService) ExpireGrants(ctx context.Context) {
	n, err := s.store.ExpireDownloads(ctx, time.Now())
	if err != nil {
		s.logger.Error("download expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired download grants", zap.Int64("count", n))
	}
}

func (s *DeliveryService) progress(ctx context.Context, id uuid.UUID, bytes int64, status models.DownloadStatus) {
	if err := s.store.UpdateDownloadProgress(ctx, id, bytes, status); err != nil {
		s.logger.Error("failed to record download progress",
			zap.String("download_id", id.String()),
			zap.Error(err))
	}
}

func (s *DeliveryService) deliveryFailed(ctx context.Context, order *models.Order, cause error) {
	s.logger.Error("delivery failed",
		zap.String("order_id", order.ID.String()),
		zap.Error(cause))
	if err := s.store.UpdateDeliveryStatus(ctx, order.ID, models.DeliveryStatusFailed); err != nil {
		s.logger.Error("failed to mark delivery failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
}

// newDownloadToken mints a 32-byte URL-safe capability token.
func newDownloadToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("token generation: %v", err))
	}
	return hex.EncodeToString(buf)
}
