package items

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateMarketOrder(ctx context.Context, order *MarketOrder) error {
	return d.db.WithContext(ctx).Create(order).Error
}

func (d *Database) CreateLimitOrder(ctx context.Context, order *LimitOrder) error {
	return d.db.WithContext(ctx).Create(order).Error
}

func (d *Database) CreateExecution(ctx context.Context, execution *Execution) error {
	return d.db.WithContext(ctx).Create(execution).Error
}

func (d *Database) GetMarketOrder(ctx context.Context, id uint) (*MarketOrder, error) {
	var order MarketOrder
	if err := first(ctx, d.db, &order, KindMarketOrder, id); err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetLimitOrder(ctx context.Context, id uint) (*LimitOrder, error) {
	var order LimitOrder
	if err := first(ctx, d.db, &order, KindLimitOrder, id); err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetExecution(ctx context.Context, id uint) (*Execution, error) {
	var execution Execution
	if err := first(ctx, d.db, &execution, KindExecution, id); err != nil {
		return nil, err
	}
	return &execution, nil
}

func first(ctx context.Context, db *gorm.DB, dst any, kind Kind, id uint) error {
	if err := db.WithContext(ctx).First(dst, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", types.ErrNotFound, Location(kind, id))
		}
		return fmt.Errorf("failed to fetch %s: %w", Location(kind, id), err)
	}
	return nil
}
