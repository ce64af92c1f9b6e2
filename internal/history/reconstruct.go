package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ksred/klear-orderbook/internal/resolver"
	"github.com/ksred/klear-orderbook/internal/types"
)

// DefaultConcurrency bounds the number of in-flight item resolutions.
const DefaultConcurrency = 8

// decimal64Digits is the precision of an IEEE 754 decimal64 context.
const decimal64Digits = 16

// Reconstructor turns stored events into resolved history views.
type Reconstructor struct {
	resolver    resolver.Resolver
	concurrency int
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
}

func NewReconstructor(r resolver.Resolver, concurrency int) *Reconstructor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	meter := otel.Meter("klear-orderbook/history")
	failures, _ := meter.Int64Counter("history.resolution.failures",
		metric.WithDescription("Item references that could not be resolved"))
	duration, _ := meter.Float64Histogram("history.reconstruct.duration",
		metric.WithDescription("Time spent reconstructing history"),
		metric.WithUnit("ms"))

	return &Reconstructor{
		resolver:    r,
		concurrency: concurrency,
		failures:    failures,
		duration:    duration,
	}
}

type decodedEvent struct {
	event     *types.HistoryEvent
	orderBook types.OrderBook
}

// Reconstruct produces one view per event in the same order. A snapshot that
// does not decode aborts with ErrCorruptSnapshot before anything is resolved.
// Resolution failures only blank the item of the affected view.
func (r *Reconstructor) Reconstruct(ctx context.Context, events []types.HistoryEvent) ([]types.ResolvedHistoryView, error) {
	start := time.Now()
	defer func() {
		if r.duration != nil {
			r.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
		}
	}()

	decoded := make([]decodedEvent, len(events))
	for i := range events {
		book, err := decodeSnapshot(&events[i])
		if err != nil {
			return nil, err
		}
		decoded[i] = decodedEvent{event: &events[i], orderBook: book}
	}

	mapper := iter.Mapper[decodedEvent, types.ResolvedHistoryView]{MaxGoroutines: r.concurrency}
	views := mapper.Map(decoded, func(d *decodedEvent) types.ResolvedHistoryView {
		return types.ResolvedHistoryView{
			OrderBook: d.orderBook,
			OrderItem: r.resolveItem(ctx, d.event),
			EntryDate: d.event.CreatedAt,
		}
	})
	return views, nil
}

func decodeSnapshot(event *types.HistoryEvent) (types.OrderBook, error) {
	var book types.OrderBook
	if err := json.Unmarshal([]byte(event.Snapshot), &book); err != nil {
		return types.OrderBook{}, fmt.Errorf("%w: event %s: %v", types.ErrCorruptSnapshot, event.EventID, err)
	}
	if err := validateSnapshot(book); err != nil {
		return types.OrderBook{}, fmt.Errorf("%w: event %s: %v", types.ErrCorruptSnapshot, event.EventID, err)
	}
	return book, nil
}

// validateSnapshot rejects snapshots that decode but could never have been
// written by the ledger, such as null, {} or an unknown status.
func validateSnapshot(book types.OrderBook) error {
	if strings.TrimSpace(book.OrderBookID) == "" {
		return errors.New("missing order book id")
	}
	if strings.TrimSpace(book.Instrument) == "" {
		return errors.New("missing instrument")
	}
	if _, err := types.ParseStatus(string(book.Status)); err != nil {
		return err
	}
	return nil
}

func (r *Reconstructor) resolveItem(ctx context.Context, event *types.HistoryEvent) types.OrderItem {
	doc, err := r.resolver.Resolve(ctx, event.ItemRef)
	if err != nil {
		log.Warn().
			Err(err).
			Str("event_id", event.EventID).
			Str("order_book_id", event.OrderBookID).
			Str("item_ref", event.ItemRef).
			Msg("failed to resolve item reference")
		if r.failures != nil {
			r.failures.Add(ctx, 1)
		}
		return types.OrderItem{}
	}
	return extractItem(doc)
}

// extractItem reads the item fields it recognises; anything missing or of the
// wrong type stays absent.
func extractItem(doc resolver.Document) types.OrderItem {
	var item types.OrderItem

	if href, ok := doc.String("_links", "self", "href"); ok {
		item.Location = &href
	}
	if q, ok := doc.Number("quantity"); ok && q == math.Trunc(q) && q >= math.MinInt64 && q < math.MaxInt64 {
		quantity := int64(q)
		item.Quantity = &quantity
	}
	if created, ok := doc.String("createdDate"); ok {
		item.CreatedDate = &created
	}
	if raw, ok := doc.Lookup("price"); ok {
		if price, ok := parsePrice(raw); ok {
			item.Price = decimal.NewNullDecimal(price)
		}
	}
	return item
}

func parsePrice(raw any) (decimal.Decimal, bool) {
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	case float64:
		return normalizePrice(v)
	case float32:
		return normalizePrice(float64(v))
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	default:
		return decimal.Decimal{}, false
	}
}

// normalizePrice rounds the exact binary value of v to 16 significant
// digits, so 20.00 becomes exactly 20 and 0.1+0.2 becomes 0.3.
func normalizePrice(v float64) (decimal.Decimal, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Decimal{}, false
	}
	exact := new(big.Float).SetFloat64(v)
	d, err := decimal.NewFromString(exact.Text('g', decimal64Digits))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
