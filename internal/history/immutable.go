package history

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/types"
)

// RegisterImmutabilityGuard rejects every update and delete that gorm builds
// against the history events table, including UpdateColumn(s) and sessions
// with SkipHooks. Raw SQL sent through Exec is not inspected.
func RegisterImmutabilityGuard(db *gorm.DB) error {
	table := db.NamingStrategy.TableName("HistoryEvent")

	if err := db.Callback().Update().Before("gorm:update").
		Register("history:reject_update", rejectWrites(table, "update")); err != nil {
		return fmt.Errorf("failed to register update guard: %w", err)
	}
	if err := db.Callback().Delete().Before("gorm:delete").
		Register("history:reject_delete", rejectWrites(table, "delete")); err != nil {
		return fmt.Errorf("failed to register delete guard: %w", err)
	}
	return nil
}

func rejectWrites(table, op string) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		if tx.Error != nil {
			return
		}
		stmt := tx.Statement
		if stmt.Table == table || (stmt.Schema != nil && stmt.Schema.Table == table) {
			_ = tx.AddError(fmt.Errorf("%w: %s on %s", types.ErrImmutabilityViolation, op, table))
		}
	}
}
