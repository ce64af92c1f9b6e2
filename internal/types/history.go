package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type EventKind string

// Only EventOrderCreated is produced today; the other kinds are reserved for
// cancellation and execution flows.
const (
	EventOrderCreated  EventKind = "ORDER_CREATED"
	EventOrderCanceled EventKind = "ORDER_CANCELED"
	EventExecuted      EventKind = "EXECUTED"
)

// HistoryEvent is a write-once ledger entry. Snapshot holds the order book as
// serialized at append time and ItemRef the unresolved item reference.
type HistoryEvent struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	EventID     string    `gorm:"uniqueIndex;not null" json:"id"`
	OrderBookID string    `gorm:"index;not null" json:"order_book_id"`
	Snapshot    string    `gorm:"type:text;not null" json:"order_book"`
	ItemRef     string    `gorm:"not null" json:"order_item"`
	Kind        EventKind `gorm:"not null" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false" json:"created_date"`
}

func (e *HistoryEvent) BeforeUpdate(tx *gorm.DB) error {
	return fmt.Errorf("%w: history event %s", ErrImmutabilityViolation, e.EventID)
}

func (e *HistoryEvent) BeforeDelete(tx *gorm.DB) error {
	return fmt.Errorf("%w: history event %s", ErrImmutabilityViolation, e.EventID)
}

// OrderItem is the resolved form of an item reference. Nil pointers and an
// invalid Price mean the field was absent or could not be resolved.
type OrderItem struct {
	Location    *string             `json:"location"`
	Quantity    *int64              `json:"quantity"`
	Price       decimal.NullDecimal `json:"price"`
	CreatedDate *string             `json:"created_date"`
}

// ResolvedHistoryView pairs an event's order book snapshot with its resolved
// item. It is computed on every read and never stored.
type ResolvedHistoryView struct {
	OrderBook OrderBook `json:"order_book"`
	OrderItem OrderItem `json:"order_item"`
	EntryDate time.Time `json:"entry_date"`
}
