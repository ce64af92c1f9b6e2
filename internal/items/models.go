package items

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/resolver"
	"github.com/ksred/klear-orderbook/internal/types"
)

// Kind names an item collection; it doubles as the first path segment of an
// item reference, e.g. /executions/9.
type Kind string

const (
	KindMarketOrder Kind = "marketOrders"
	KindLimitOrder  Kind = "limitOrders"
	KindExecution   Kind = "executions"
)

// Location returns the reference under which an item is served.
func Location(kind Kind, id uint) string {
	return "/" + string(kind) + "/" + strconv.FormatUint(uint64(id), 10)
}

type MarketOrder struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Quantity  int64     `gorm:"not null" json:"quantity"`
	CreatedAt time.Time `json:"created_date"`
}

type LimitOrder struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Quantity  int64           `gorm:"not null" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:text;not null" json:"price"`
	CreatedAt time.Time       `json:"created_date"`
}

type Execution struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Quantity  int64           `gorm:"not null" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:text;not null" json:"price"`
	CreatedAt time.Time       `json:"created_date"`
}

func (o *MarketOrder) Document() resolver.Document {
	return newDocument(Location(KindMarketOrder, o.ID), o.Quantity, nil, o.CreatedAt)
}

func (o *LimitOrder) Document() resolver.Document {
	return newDocument(Location(KindLimitOrder, o.ID), o.Quantity, &o.Price, o.CreatedAt)
}

func (e *Execution) Document() resolver.Document {
	return newDocument(Location(KindExecution, e.ID), e.Quantity, &e.Price, e.CreatedAt)
}

// newDocument renders the HAL style representation served to resolvers.
// Price travels as a JSON number, the same way remote item services send it.
func newDocument(location string, quantity int64, price *decimal.Decimal, createdAt time.Time) resolver.Document {
	doc := resolver.Document{
		"quantity":    quantity,
		"createdDate": createdAt.UTC().Format(time.RFC3339Nano),
		"_links": map[string]any{
			"self": map[string]any{"href": location},
		},
	}
	if price != nil {
		doc["price"] = price.InexactFloat64()
	}
	return doc
}

func immutable(kind Kind, id uint) error {
	return fmt.Errorf("%w: %s", types.ErrImmutabilityViolation, Location(kind, id))
}

func (o *MarketOrder) BeforeUpdate(tx *gorm.DB) error { return immutable(KindMarketOrder, o.ID) }
func (o *MarketOrder) BeforeDelete(tx *gorm.DB) error { return immutable(KindMarketOrder, o.ID) }
func (o *LimitOrder) BeforeUpdate(tx *gorm.DB) error  { return immutable(KindLimitOrder, o.ID) }
func (o *LimitOrder) BeforeDelete(tx *gorm.DB) error  { return immutable(KindLimitOrder, o.ID) }
func (e *Execution) BeforeUpdate(tx *gorm.DB) error   { return immutable(KindExecution, e.ID) }
func (e *Execution) BeforeDelete(tx *gorm.DB) error   { return immutable(KindExecution, e.ID) }
