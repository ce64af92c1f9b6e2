package history

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateEvents inserts all events in one transaction
func (d *Database) CreateEvents(ctx context.Context, events []types.HistoryEvent) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&events).Error; err != nil {
			return fmt.Errorf("failed to create history events: %w", err)
		}
		return nil
	})
}

// CreateEventsWithIdempotency inserts the events and the idempotency record in
// a single transaction. If a live record already exists for the key, nothing
// is written and the events it recorded are returned with replayed set.
func (d *Database) CreateEventsWithIdempotency(ctx context.Context, events []types.HistoryEvent, record *IdempotencyRecord, now time.Time) (stored []types.HistoryEvent, replayed bool, err error) {
	// Begin transaction
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, false, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	existing, err := findIdempotencyRecord(tx, record.IdempotencyKey)
	switch {
	case err != nil:
		tx.Rollback()
		return nil, false, err
	case existing != nil && existing.ExpiresAt.After(now):
		tx.Rollback()
		if existing.ResourceID != record.ResourceID || existing.ResourceType != record.ResourceType {
			return nil, false, fmt.Errorf("%w: idempotency key %q already used for another submission", types.ErrValidation, record.IdempotencyKey)
		}
		stored, err := d.eventsFromRecord(ctx, existing)
		return stored, true, err
	case existing != nil:
		// expired, free the key
		if err := tx.Unscoped().Delete(existing).Error; err != nil {
			tx.Rollback()
			return nil, false, fmt.Errorf("failed to expire idempotency record: %w", err)
		}
	}

	if err := tx.Create(&events).Error; err != nil {
		tx.Rollback()
		return nil, false, fmt.Errorf("failed to create history events: %w", err)
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		tx.Rollback()
		return nil, false, fmt.Errorf("failed to marshal event ids: %w", err)
	}
	record.EventIDs = string(idsJSON)

	if err := tx.Create(record).Error; err != nil {
		tx.Rollback()
		return nil, false, fmt.Errorf("failed to create idempotency record: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, false, err
	}
	return events, false, nil
}

// GetIdempotencyRecord returns the record stored under key, or nil if there is none
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	return findIdempotencyRecord(d.db.WithContext(ctx), key)
}

// Limit(1).Find keeps a missing key from being logged as an error.
func findIdempotencyRecord(db *gorm.DB, key string) (*IdempotencyRecord, error) {
	var records []IdempotencyRecord
	if err := db.Where("idempotency_key = ?", key).Limit(1).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch idempotency record: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// eventsFromRecord loads the events a record points at, in insertion order
func (d *Database) eventsFromRecord(ctx context.Context, record *IdempotencyRecord) ([]types.HistoryEvent, error) {
	var ids []string
	if err := json.Unmarshal([]byte(record.EventIDs), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record %q: %w", record.IdempotencyKey, err)
	}
	var events []types.HistoryEvent
	if err := d.db.WithContext(ctx).Where("event_id IN ?", ids).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch replayed events: %w", err)
	}
	return events, nil
}

// ListEvents returns every event in insertion order
func (d *Database) ListEvents(ctx context.Context) ([]types.HistoryEvent, error) {
	var events []types.HistoryEvent
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list history events: %w", err)
	}
	return events, nil
}

// ListEventsByOrderBook returns the events of one order book in insertion order
func (d *Database) ListEventsByOrderBook(ctx context.Context, orderBookID string) ([]types.HistoryEvent, error) {
	var events []types.HistoryEvent
	if err := d.db.WithContext(ctx).
		Where("order_book_id = ?", orderBookID).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list history events for order book: %w", err)
	}
	return events, nil
}
