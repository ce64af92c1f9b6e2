package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/types"
)

// DefaultIdempotencyTTL is how long a submission key blocks a second append.
const DefaultIdempotencyTTL = 24 * time.Hour

// Ledger is the append-only store of history events.
type Ledger struct {
	db             *Database
	now            func() time.Time
	idempotencyTTL time.Duration
	appended       metric.Int64Counter
}

func NewLedger(gormDB *gorm.DB) *Ledger {
	meter := otel.Meter("klear-orderbook/history")
	appended, _ := meter.Int64Counter("ledger.events.appended",
		metric.WithDescription("History events written to the ledger"))

	return &Ledger{
		db:             NewDatabase(gormDB),
		now:            func() time.Time { return time.Now().UTC() },
		idempotencyTTL: DefaultIdempotencyTTL,
		appended:       appended,
	}
}

// Append records one ORDER_CREATED event per item reference, all sharing the
// serialized snapshot and a creation timestamp. Either every event is stored
// or none is. A non-empty idempotencyKey that was already used for the same
// order book returns the events stored the first time.
func (l *Ledger) Append(ctx context.Context, snapshot types.OrderBook, refs []string, idempotencyKey string) ([]types.HistoryEvent, error) {
	logger := log.With().
		Str("order_book_id", snapshot.OrderBookID).
		Str("service", "ledger").
		Logger()

	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: at least one item reference is required", types.ErrValidation)
	}
	for i, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			return nil, fmt.Errorf("%w: item reference %d is blank", types.ErrValidation, i)
		}
	}

	blob, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize order book snapshot: %w", err)
	}

	now := l.now()
	events := make([]types.HistoryEvent, len(refs))
	for i, ref := range refs {
		events[i] = types.HistoryEvent{
			EventID:     uuid.New().String(),
			OrderBookID: snapshot.OrderBookID,
			Snapshot:    string(blob),
			ItemRef:     ref,
			Kind:        types.EventOrderCreated,
			CreatedAt:   now,
		}
	}

	if idempotencyKey == "" {
		if err := l.db.CreateEvents(ctx, events); err != nil {
			return nil, err
		}
		l.recordAppended(ctx, len(events))
		logger.Info().Int("events", len(events)).Msg("history events appended")
		return events, nil
	}

	record := &IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     snapshot.OrderBookID,
		ResourceType:   string(snapshot.Status),
		ExpiresAt:      now.Add(l.idempotencyTTL),
	}
	stored, replayed, err := l.db.CreateEventsWithIdempotency(ctx, events, record, now)
	if err != nil {
		return nil, err
	}
	if replayed {
		logger.Info().Str("idempotency_key", idempotencyKey).Msg("duplicate submission, returning recorded events")
		return stored, nil
	}
	l.recordAppended(ctx, len(stored))
	logger.Info().Int("events", len(stored)).Str("idempotency_key", idempotencyKey).Msg("history events appended")
	return stored, nil
}

// Replay returns the events recorded under a live idempotency key for the
// given order book and submission status. ok is false when nothing matches.
func (l *Ledger) Replay(ctx context.Context, orderBookID string, status types.Status, idempotencyKey string) (events []types.HistoryEvent, ok bool, err error) {
	if idempotencyKey == "" {
		return nil, false, nil
	}
	record, err := l.db.GetIdempotencyRecord(ctx, idempotencyKey)
	if err != nil || record == nil {
		return nil, false, err
	}
	if !record.ExpiresAt.After(l.now()) || record.ResourceID != orderBookID || record.ResourceType != string(status) {
		return nil, false, nil
	}
	events, err = l.db.eventsFromRecord(ctx, record)
	if err != nil {
		return nil, false, err
	}
	return events, true, nil
}

// ListAll returns every event in insertion order.
func (l *Ledger) ListAll(ctx context.Context) ([]types.HistoryEvent, error) {
	return l.db.ListEvents(ctx)
}

// ListByOrderBook returns the events of one order book in insertion order.
func (l *Ledger) ListByOrderBook(ctx context.Context, orderBookID string) ([]types.HistoryEvent, error) {
	return l.db.ListEventsByOrderBook(ctx, orderBookID)
}

func (l *Ledger) recordAppended(ctx context.Context, n int) {
	if l.appended == nil {
		return
	}
	l.appended.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", string(types.EventOrderCreated))))
}
