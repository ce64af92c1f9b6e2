package migrations

import (
	"github.com/ksred/klear-orderbook/internal/items"
	"gorm.io/gorm"
)

// AddItemTables creates the write-once item resource tables
func AddItemTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&items.MarketOrder{},
		&items.LimitOrder{},
		&items.Execution{},
	)
}
