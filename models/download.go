// models/download.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type DownloadStatus string

const (
	DownloadStatusInitiated   DownloadStatus = "initiated"
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusFailed      DownloadStatus = "failed"
	DownloadStatusExpired     DownloadStatus = "expired"
)

// DownloadLog is one issued download grant. The token is an opaque
// capability bound to (order, book, user); expiry is a read-time fact, so
// callers must use EffectiveStatus rather than trusting the stored column.
type DownloadLog struct {
	ID              uuid.UUID      `json:"id"`
	DownloadToken   string         `json:"download_token"`
	OrderID         uuid.UUID      `json:"order_id"`
	BookID          uuid.UUID      `json:"book_id"`
	UserID          uuid.UUID      `json:"user_id"`
	Status          DownloadStatus `json:"status"`
	RedemptionCount int            `json:"redemption_count"`
	MaxRedemptions  int            `json:"max_redemptions"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	TotalBytes      int64          `json:"total_bytes"`
	ExpiresAt       time.Time      `json:"expires_at"`
	LastProgressAt  time.Time      `json:"last_progress_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// EffectiveStatus folds expiry into the stored status: a grant past its
// expires_at is expired no matter what was last written.
func (d *DownloadLog) EffectiveStatus(now time.Time) DownloadStatus {
	if d.Status != DownloadStatusCompleted && now.After(d.ExpiresAt) {
		return DownloadStatusExpired
	}
	return d.Status
}

// Exhausted reports whether all permitted redemptions have been used.
func (d *DownloadLog) Exhausted() bool {
	return d.RedemptionCount >= d.MaxRedemptions
}
