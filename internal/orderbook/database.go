package orderbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrderBook(ctx context.Context, book *types.OrderBook) error {
	return d.db.WithContext(ctx).Create(book).Error
}

func (d *Database) GetOrderBook(ctx context.Context, orderBookID string) (*types.OrderBook, error) {
	var book types.OrderBook
	err := d.db.WithContext(ctx).Where("order_book_id = ?", orderBookID).First(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: order book %s", types.ErrNotFound, orderBookID)
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

func (d *Database) ListOrderBooks(ctx context.Context) ([]types.OrderBook, error) {
	var books []types.OrderBook
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

// CloseOrderBook flips an OPEN book to CLOSED. It reports false when the book
// was not OPEN at the time of the update.
func (d *Database) CloseOrderBook(ctx context.Context, orderBookID string, updatedAt time.Time) (bool, error) {
	result := d.db.WithContext(ctx).
		Model(&types.OrderBook{}).
		Where("order_book_id = ? AND status = ?", orderBookID, types.StatusOpen).
		Updates(map[string]interface{}{
			"status":     types.StatusClosed,
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
