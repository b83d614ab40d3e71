// models/book.go
package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Book is the read-only slice of the catalog the lifecycle engine needs:
// price facts at checkout and file facts at delivery. Catalog CRUD lives
// elsewhere.
type Book struct {
	ID           uuid.UUID       `json:"id"`
	Title        string          `json:"title"`
	Author       string          `json:"author,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	FilePath     string          `json:"file_path,omitempty"`
	FileSize     int64           `json:"file_size,omitempty"`
	Downloadable bool            `json:"downloadable"`
}
