package types

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// ParseStatus accepts only the exact OPEN and CLOSED tokens (surrounding
// whitespace is ignored).
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.TrimSpace(raw)); s {
	case StatusOpen, StatusClosed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// OrderBook is a trading container bound to one instrument.
// Timestamps are managed by the order book service, not by gorm.
type OrderBook struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	OrderBookID string    `gorm:"uniqueIndex;not null" json:"id"`
	Instrument  string    `gorm:"not null" json:"instrument"`
	Status      Status    `gorm:"index;not null" json:"status"` // OPEN or CLOSED
	CreatedAt   time.Time `gorm:"autoCreateTime:false" json:"created_date"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false" json:"updated_date"`
}
