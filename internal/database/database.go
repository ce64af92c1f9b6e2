package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-orderbook/internal/database/migrations"
	"github.com/ksred/klear-orderbook/internal/history"
	"github.com/ksred/klear-orderbook/internal/types"
)

// NewDatabase opens the sqlite database at path and brings the schema up to date
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         newLogger(),
	})
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer; one connection keeps transactions and
	// concurrent readers from tripping over "database is locked"
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Run migrations
	if err := migrations.AddItemTables(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddHistoryIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.OrderBook{},
		&history.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := history.RegisterImmutabilityGuard(db); err != nil {
		return nil, err
	}

	return db, nil
}

// newLogger sends gorm's warnings and slow queries to zerolog. A missing
// row is an expected outcome for lookups and is not logged.
func newLogger() logger.Interface {
	zl := log.With().Str("component", "gorm").Logger()
	level := logger.Warn
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		level = logger.Info
	}
	return logger.New(&zl, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}
