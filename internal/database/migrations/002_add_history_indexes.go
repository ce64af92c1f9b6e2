package migrations

import (
	"github.com/ksred/klear-orderbook/internal/types"
	"gorm.io/gorm"
)

// AddHistoryIndexes creates the history event table and its lookup indexes
func AddHistoryIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.HistoryEvent{}); err != nil {
		return err
	}

	indexes := []string{
		// Per order book history in insertion order
		`CREATE INDEX IF NOT EXISTS idx_history_events_book_seq
		 ON history_events(order_book_id, id)`,

		`CREATE INDEX IF NOT EXISTS idx_history_events_created_at
		 ON history_events(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
