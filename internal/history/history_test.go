package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-orderbook/internal/resolver"
	"github.com/ksred/klear-orderbook/internal/types"
)

var testNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&types.HistoryEvent{}, &IdempotencyRecord{}))
	require.NoError(t, RegisterImmutabilityGuard(db))
	return db
}

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	ledger := NewLedger(db)
	ledger.now = func() time.Time { return testNow }
	return ledger, db
}

func testBook(id string, status types.Status) types.OrderBook {
	return types.OrderBook{
		OrderBookID: id,
		Instrument:  "AAPL",
		Status:      status,
		CreatedAt:   testNow.Add(-time.Hour),
		UpdatedAt:   testNow.Add(-time.Hour),
	}
}

type fakeResolver struct {
	mu    sync.Mutex
	docs  map[string]resolver.Document
	delay func(ref string) time.Duration
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, ref string) (resolver.Document, error) {
	f.mu.Lock()
	f.calls++
	doc, ok := f.docs[ref]
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(ref))
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", resolver.ErrNotFound, ref)
	}
	return doc, nil
}

func itemDoc(location string, quantity int64, price any) resolver.Document {
	doc := resolver.Document{
		"quantity":    float64(quantity),
		"createdDate": "2024-03-01T09:00:00Z",
		"_links": map[string]any{
			"self": map[string]any{"href": location},
		},
	}
	if price != nil {
		doc["price"] = price
	}
	return doc
}

func TestAppendCreatesOneEventPerReference(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	refs := []string{"/marketOrders/1", "/limitOrders/2", "/marketOrders/3"}
	events, err := ledger.Append(ctx, testBook("book-1", types.StatusOpen), refs, "")
	require.NoError(t, err)
	require.Len(t, events, 3)

	stored, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	ids := map[string]bool{}
	for i, e := range stored {
		require.Equal(t, refs[i], e.ItemRef)
		require.Equal(t, "book-1", e.OrderBookID)
		require.Equal(t, types.EventOrderCreated, e.Kind)
		require.Equal(t, stored[0].Snapshot, e.Snapshot)
		require.True(t, testNow.Equal(e.CreatedAt))
		require.NotEmpty(t, e.EventID)
		ids[e.EventID] = true
	}
	require.Len(t, ids, 3)
}

func TestAppendRejectsMissingReferences(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	book := testBook("book-1", types.StatusOpen)

	_, err := ledger.Append(ctx, book, nil, "")
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = ledger.Append(ctx, book, []string{"/marketOrders/1", "   "}, "")
	require.ErrorIs(t, err, types.ErrValidation)

	stored, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestSnapshotIsDetachedFromLaterChanges(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	book := testBook("book-1", types.StatusOpen)
	_, err := ledger.Append(ctx, book, []string{"/marketOrders/1"}, "")
	require.NoError(t, err)

	book.Status = types.StatusClosed
	book.UpdatedAt = testNow

	stored, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	decoded, err := decodeSnapshot(&stored[0])
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, decoded.Status)
	require.Equal(t, "AAPL", decoded.Instrument)
	require.True(t, testNow.Add(-time.Hour).Equal(decoded.UpdatedAt))
}

func TestListByOrderBook(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(ctx, testBook("book-1", types.StatusOpen), []string{"/marketOrders/1"}, "")
	require.NoError(t, err)
	_, err = ledger.Append(ctx, testBook("book-2", types.StatusOpen), []string{"/marketOrders/2"}, "")
	require.NoError(t, err)
	_, err = ledger.Append(ctx, testBook("book-1", types.StatusClosed), []string{"/executions/3"}, "")
	require.NoError(t, err)

	events, err := ledger.ListByOrderBook(ctx, "book-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "/marketOrders/1", events[0].ItemRef)
	require.Equal(t, "/executions/3", events[1].ItemRef)
}

func TestAppendIsIdempotentPerKey(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	book := testBook("book-1", types.StatusOpen)

	first, err := ledger.Append(ctx, book, []string{"/marketOrders/1", "/marketOrders/2"}, "key-1")
	require.NoError(t, err)

	second, err := ledger.Append(ctx, book, []string{"/marketOrders/1", "/marketOrders/2"}, "key-1")
	require.NoError(t, err)
	require.Len(t, second, 2)
	require.Equal(t, first[0].EventID, second[0].EventID)
	require.Equal(t, first[1].EventID, second[1].EventID)

	stored, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	// same key for a different order book
	_, err = ledger.Append(ctx, testBook("book-2", types.StatusOpen), []string{"/marketOrders/3"}, "key-1")
	require.ErrorIs(t, err, types.ErrValidation)

	// expired keys can be reused
	ledger.now = func() time.Time { return testNow.Add(DefaultIdempotencyTTL + time.Minute) }
	_, err = ledger.Append(ctx, book, []string{"/marketOrders/1"}, "key-1")
	require.NoError(t, err)

	stored, err = ledger.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 3)
}

func TestReplay(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.Append(ctx, testBook("book-1", types.StatusOpen), []string{"/marketOrders/1", "/marketOrders/2"}, "key-1")
	require.NoError(t, err)

	events, ok, err := ledger.Replay(ctx, "book-1", types.StatusOpen, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, events, 2)
	require.Equal(t, first[0].EventID, events[0].EventID)
	require.Equal(t, first[1].EventID, events[1].EventID)

	tests := []struct {
		name   string
		book   string
		status types.Status
		key    string
	}{
		{"no key", "book-1", types.StatusOpen, ""},
		{"unknown key", "book-1", types.StatusOpen, "key-2"},
		{"other book", "book-2", types.StatusOpen, "key-1"},
		{"other status", "book-1", types.StatusClosed, "key-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, ok, err := ledger.Replay(ctx, tt.book, tt.status, tt.key)
			require.NoError(t, err)
			require.False(t, ok)
			require.Empty(t, events)
		})
	}

	ledger.now = func() time.Time { return testNow.Add(DefaultIdempotencyTTL + time.Minute) }
	_, ok, err = ledger.Replay(ctx, "book-1", types.StatusOpen, "key-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoredEventsAreImmutable(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(ctx, testBook("book-1", types.StatusOpen), []string{"/marketOrders/1"}, "")
	require.NoError(t, err)

	var event types.HistoryEvent
	require.NoError(t, db.First(&event).Error)

	err = db.Model(&event).Update("item_ref", "/marketOrders/99").Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	event.Kind = types.EventExecuted
	err = db.Save(&event).Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	err = db.Delete(&event).Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	// paths that skip model hooks
	err = db.Model(&event).UpdateColumn("item_ref", "/marketOrders/99").Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	err = db.Model(&event).UpdateColumns(map[string]interface{}{"item_ref": "/marketOrders/99"}).Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	err = db.Session(&gorm.Session{SkipHooks: true}).Model(&event).Update("item_ref", "/marketOrders/99").Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	err = db.Session(&gorm.Session{SkipHooks: true}).Delete(&event).Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	err = db.Table("history_events").Where("event_id = ?", event.EventID).Update("item_ref", "/marketOrders/99").Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	err = db.Where("event_id = ?", event.EventID).Delete(&types.HistoryEvent{}).Error
	require.ErrorIs(t, err, types.ErrImmutabilityViolation)

	stored, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "/marketOrders/1", stored[0].ItemRef)
	require.Equal(t, types.EventOrderCreated, stored[0].Kind)
}

func TestImmutabilityGuardLeavesOtherTablesAndRawSQL(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(ctx, testBook("book-1", types.StatusOpen), []string{"/marketOrders/1"}, "key-1")
	require.NoError(t, err)

	// idempotency records stay mutable
	require.NoError(t, db.Model(&IdempotencyRecord{}).Where("idempotency_key = ?", "key-1").Update("resource_type", "CLOSED").Error)

	// raw SQL bypasses gorm's update and delete callbacks
	require.NoError(t, db.Exec("UPDATE history_events SET item_ref = ?", "/marketOrders/2").Error)
	stored, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "/marketOrders/2", stored[0].ItemRef)
}

func TestReconstructResolvesItemsInOrder(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	res := &fakeResolver{docs: map[string]resolver.Document{
		"/marketOrders/1": itemDoc("/marketOrders/1", 10, nil),
		"/limitOrders/2":  itemDoc("/limitOrders/2", 5, 19.5),
		"/executions/9":   itemDoc("/executions/9", 10, 20.00),
	}}

	book := testBook("book-1", types.StatusOpen)
	_, err := ledger.Append(ctx, book, []string{"/marketOrders/1", "/limitOrders/2"}, "")
	require.NoError(t, err)
	book.Status = types.StatusClosed
	_, err = ledger.Append(ctx, book, []string{"/executions/9"}, "")
	require.NoError(t, err)

	events, err := ledger.ListAll(ctx)
	require.NoError(t, err)

	views, err := NewReconstructor(res, 2).Reconstruct(ctx, events)
	require.NoError(t, err)
	require.Len(t, views, 3)

	require.Equal(t, "/marketOrders/1", *views[0].OrderItem.Location)
	require.Equal(t, int64(10), *views[0].OrderItem.Quantity)
	require.False(t, views[0].OrderItem.Price.Valid)
	require.Equal(t, types.StatusOpen, views[0].OrderBook.Status)

	require.Equal(t, "/limitOrders/2", *views[1].OrderItem.Location)
	require.True(t, views[1].OrderItem.Price.Decimal.Equal(decimal.RequireFromString("19.5")))

	exec := views[2]
	require.Equal(t, types.StatusClosed, exec.OrderBook.Status)
	require.Equal(t, "AAPL", exec.OrderBook.Instrument)
	require.Equal(t, "/executions/9", *exec.OrderItem.Location)
	require.Equal(t, int64(10), *exec.OrderItem.Quantity)
	require.True(t, exec.OrderItem.Price.Valid)
	require.True(t, exec.OrderItem.Price.Decimal.Equal(decimal.RequireFromString("20.00")))
	require.Equal(t, "2024-03-01T09:00:00Z", *exec.OrderItem.CreatedDate)
	require.True(t, testNow.Equal(exec.EntryDate))
}

func TestReconstructPreservesOrderUnderConcurrency(t *testing.T) {
	docs := map[string]resolver.Document{}
	events := make([]types.HistoryEvent, 20)
	blob, err := json.Marshal(testBook("book-1", types.StatusOpen))
	require.NoError(t, err)
	for i := range events {
		ref := fmt.Sprintf("/marketOrders/%d", i+1)
		docs[ref] = itemDoc(ref, int64(i+1), nil)
		events[i] = types.HistoryEvent{EventID: uuid.NewString(), OrderBookID: "book-1", Snapshot: string(blob), ItemRef: ref, CreatedAt: testNow}
	}
	res := &fakeResolver{
		docs: docs,
		delay: func(ref string) time.Duration {
			// earlier references finish last
			var n int
			_, _ = fmt.Sscanf(ref, "/marketOrders/%d", &n)
			return time.Duration(20-n) * time.Millisecond
		},
	}

	views, err := NewReconstructor(res, 4).Reconstruct(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, views, 20)
	for i, v := range views {
		require.Equal(t, fmt.Sprintf("/marketOrders/%d", i+1), *v.OrderItem.Location)
		require.Equal(t, int64(i+1), *v.OrderItem.Quantity)
	}
}

func TestReconstructAbsorbsResolutionFailures(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	res := &fakeResolver{docs: map[string]resolver.Document{
		"/marketOrders/1": itemDoc("/marketOrders/1", 10, nil),
		"/marketOrders/3": itemDoc("/marketOrders/3", 30, nil),
	}}

	_, err := ledger.Append(ctx, testBook("book-1", types.StatusOpen), []string{"/marketOrders/1", "/marketOrders/2", "/marketOrders/3"}, "")
	require.NoError(t, err)
	events, err := ledger.ListAll(ctx)
	require.NoError(t, err)

	views, err := NewReconstructor(res, 0).Reconstruct(ctx, events)
	require.NoError(t, err)
	require.Len(t, views, 3)

	missing := views[1]
	require.Nil(t, missing.OrderItem.Location)
	require.Nil(t, missing.OrderItem.Quantity)
	require.Nil(t, missing.OrderItem.CreatedDate)
	require.False(t, missing.OrderItem.Price.Valid)
	require.Equal(t, "book-1", missing.OrderBook.OrderBookID)
	require.True(t, testNow.Equal(missing.EntryDate))

	require.Equal(t, int64(10), *views[0].OrderItem.Quantity)
	require.Equal(t, int64(30), *views[2].OrderItem.Quantity)
}

func TestReconstructAbortsOnCorruptSnapshot(t *testing.T) {
	blob, err := json.Marshal(testBook("book-1", types.StatusOpen))
	require.NoError(t, err)

	tests := []struct {
		name     string
		snapshot string
	}{
		{"not json", "{not json"},
		{"array", "[]"},
		{"string", `"x"`},
		{"null", "null"},
		{"empty object", "{}"},
		{"missing instrument", `{"id":"book-1","status":"OPEN"}`},
		{"missing id", `{"instrument":"AAPL","status":"OPEN"}`},
		{"unknown status", `{"id":"book-1","instrument":"AAPL","status":"BOGUS"}`},
		{"lowercase status", `{"id":"book-1","instrument":"AAPL","status":"open"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &fakeResolver{docs: map[string]resolver.Document{}}
			events := []types.HistoryEvent{
				{EventID: "good", Snapshot: string(blob), ItemRef: "/marketOrders/1"},
				{EventID: "bad", Snapshot: tt.snapshot, ItemRef: "/marketOrders/2"},
			}

			views, err := NewReconstructor(res, 2).Reconstruct(context.Background(), events)
			require.ErrorIs(t, err, types.ErrCorruptSnapshot)
			require.Contains(t, err.Error(), "bad")
			require.Nil(t, views)
			require.Zero(t, res.calls)
		})
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		name  string
		in    float64
		want  string
		valid bool
	}{
		{"whole", 20.00, "20", true},
		{"fraction", 19.5, "19.5", true},
		{"binary noise", 0.1 + 0.2, "0.3", true},
		{"tenth", 0.1, "0.1", true},
		{"large", 1e21, "1000000000000000000000", true},
		{"nan", math.NaN(), "", false},
		{"inf", math.Inf(1), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizePrice(tt.in)
			require.Equal(t, tt.valid, ok)
			if tt.valid {
				require.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
			}
		})
	}
}

func TestExtractItemIsBestEffort(t *testing.T) {
	item := extractItem(resolver.Document{
		"quantity":    "ten",
		"price":       "20.00",
		"createdDate": 12,
		"_links":      "nope",
	})
	require.Nil(t, item.Quantity)
	require.Nil(t, item.CreatedDate)
	require.Nil(t, item.Location)
	require.True(t, item.Price.Valid)
	require.Equal(t, "20", item.Price.Decimal.String())

	item = extractItem(resolver.Document{"quantity": 2.5, "price": nil})
	require.Nil(t, item.Quantity)
	require.False(t, item.Price.Valid)

	item = extractItem(resolver.Document{})
	require.Equal(t, types.OrderItem{}, item)
}

func TestAuditOnceCountsCorruptSnapshots(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(ctx, testBook("book-1", types.StatusOpen), []string{"/marketOrders/1"}, "")
	require.NoError(t, err)
	for _, snapshot := range []string{"garbage", "null", "{}", `{"id":"book-1","instrument":"AAPL","status":"BOGUS"}`} {
		require.NoError(t, db.Create(&types.HistoryEvent{
			EventID:     uuid.NewString(),
			OrderBookID: "book-1",
			Snapshot:    snapshot,
			ItemRef:     "/marketOrders/2",
			Kind:        types.EventOrderCreated,
			CreatedAt:   testNow,
		}).Error)
	}

	corrupt, err := NewAuditor(ledger, time.Minute).auditOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, corrupt)
}

func TestAuditorStopsOnCancel(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewAuditor(ledger, 10*time.Millisecond).Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("auditor did not stop")
	}
}

func TestHistoryHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	res := &fakeResolver{docs: map[string]resolver.Document{
		"/executions/9": itemDoc("/executions/9", 10, 20.00),
	}}
	handlers := NewGinHandlers(NewService(ledger, NewReconstructor(res, 2)))

	router := gin.New()
	router.GET("/orderHistories", handlers.ListHistoriesHandler())
	router.GET("/orderBooks/:id/histories", handlers.ListOrderBookHistoriesHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orderHistories", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"data":[]}`, w.Body.String())

	_, err := ledger.Append(ctx, testBook("book-1", types.StatusClosed), []string{"/executions/9"}, "")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orderBooks/book-1/histories", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool                        `json:"success"`
		Data    []types.ResolvedHistoryView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Len(t, body.Data, 1)
	require.Equal(t, "book-1", body.Data[0].OrderBook.OrderBookID)
	require.True(t, body.Data[0].OrderItem.Price.Decimal.Equal(decimal.NewFromInt(20)))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orderBooks/other/histories", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"data":[]}`, w.Body.String())
}

func TestResolverErrorsAreNotFatal(t *testing.T) {
	res := resolverFunc(func(ctx context.Context, ref string) (resolver.Document, error) {
		return nil, errors.New("connection refused")
	})
	blob, err := json.Marshal(testBook("book-1", types.StatusOpen))
	require.NoError(t, err)

	views, err := NewReconstructor(res, 1).Reconstruct(context.Background(), []types.HistoryEvent{
		{EventID: "e1", Snapshot: string(blob), ItemRef: "/marketOrders/1", CreatedAt: testNow},
	})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, types.OrderItem{}, views[0].OrderItem)
}

type resolverFunc func(ctx context.Context, ref string) (resolver.Document, error)

func (f resolverFunc) Resolve(ctx context.Context, ref string) (resolver.Document, error) {
	return f(ctx, ref)
}
