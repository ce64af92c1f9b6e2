package orderbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/auth"
	"github.com/ksred/klear-orderbook/internal/types"
	"github.com/ksred/klear-orderbook/pkg/response"
)

// SubmissionKind selects which order book status admits a submission.
type SubmissionKind string

const (
	SubmissionOrder     SubmissionKind = "order"
	SubmissionExecution SubmissionKind = "execution"
)

// RequiredStatus is the status a book must be in to accept the submission.
func (k SubmissionKind) RequiredStatus() types.Status {
	if k == SubmissionExecution {
		return types.StatusClosed
	}
	return types.StatusOpen
}

// EventAppender records accepted submissions and replays those already
// recorded under an idempotency key.
type EventAppender interface {
	Append(ctx context.Context, snapshot types.OrderBook, refs []string, idempotencyKey string) ([]types.HistoryEvent, error)
	Replay(ctx context.Context, orderBookID string, status types.Status, idempotencyKey string) ([]types.HistoryEvent, bool, error)
}

// Service owns the order book lifecycle and gates submissions into the ledger
type Service struct {
	db          *Database
	ledger      EventAppender
	locks       *keyedMutex
	now         func() time.Time
	submissions metric.Int64Counter
}

// NewService creates a new order book service with the given database connection
func NewService(gormDB *gorm.DB, ledger EventAppender) *Service {
	meter := otel.Meter("klear-orderbook/orderbook")
	submissions, _ := meter.Int64Counter("orderbook.submissions",
		metric.WithDescription("Order and execution submissions by outcome"))

	return &Service{
		db:          NewDatabase(gormDB),
		ledger:      ledger,
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
		submissions: submissions,
	}
}

// Create opens a new order book for instrument. New books are always OPEN.
func (s *Service) Create(ctx context.Context, instrument string) (*types.OrderBook, error) {
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return nil, fmt.Errorf("%w: instrument is required", types.ErrValidation)
	}

	now := s.now()
	book := &types.OrderBook{
		OrderBookID: uuid.New().String(),
		Instrument:  instrument,
		Status:      types.StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreateOrderBook(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to create order book: %w", err)
	}

	log.Info().
		Str("order_book_id", book.OrderBookID).
		Str("instrument", instrument).
		Msg("order book created")
	return book, nil
}

// Get retrieves an order book by its ID
func (s *Service) Get(ctx context.Context, orderBookID string) (*types.OrderBook, error) {
	return s.db.GetOrderBook(ctx, orderBookID)
}

// List returns all order books in creation order
func (s *Service) List(ctx context.Context) ([]types.OrderBook, error) {
	return s.db.ListOrderBooks(ctx)
}

// Transition moves a book to the requested status. OPEN to CLOSED is the
// only change allowed; asking for the current status returns the book as is.
func (s *Service) Transition(ctx context.Context, orderBookID, requested string) (*types.OrderBook, error) {
	logger := log.With().
		Str("order_book_id", orderBookID).
		Str("service", "orderbook").
		Logger()

	target, err := types.ParseStatus(requested)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(orderBookID)
	defer unlock()

	book, err := s.db.GetOrderBook(ctx, orderBookID)
	if err != nil {
		return nil, err
	}
	if book.Status == target {
		return book, nil
	}
	if book.Status != types.StatusOpen || target != types.StatusClosed {
		return nil, fmt.Errorf("%w: %s to %s", types.ErrIllegalTransition, book.Status, target)
	}

	now := s.now()
	closed, err := s.db.CloseOrderBook(ctx, orderBookID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to close order book: %w", err)
	}
	if !closed {
		// closed elsewhere between the read and the update
		logger.Warn().Msg("order book already closed")
		return s.db.GetOrderBook(ctx, orderBookID)
	}

	book.Status = types.StatusClosed
	book.UpdatedAt = now
	logger.Info().Msg("order book closed")
	return book, nil
}

// RequireStatus returns the book when it exists and is in the expected
// status, ErrNotEligible otherwise.
func (s *Service) RequireStatus(ctx context.Context, orderBookID string, expected types.Status) (*types.OrderBook, error) {
	book, err := s.db.GetOrderBook(ctx, orderBookID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: order book %s does not exist", types.ErrNotEligible, orderBookID)
	}
	if err != nil {
		return nil, err
	}
	if book.Status != expected {
		return nil, fmt.Errorf("%w: order book %s is %s, requires %s", types.ErrNotEligible, orderBookID, book.Status, expected)
	}
	return book, nil
}

// Submit admits item references into the book's history. Orders need an OPEN
// book and executions a CLOSED one. A retry with a live idempotency key gets
// the originally recorded events back even if the book has since changed
// status.
func (s *Service) Submit(ctx context.Context, orderBookID string, kind SubmissionKind, refs []string, idempotencyKey string) ([]types.HistoryEvent, error) {
	logger := log.With().
		Str("order_book_id", orderBookID).
		Str("service", "orderbook").
		Str("kind", string(kind)).
		Logger()

	unlock := s.locks.Lock(orderBookID)
	defer unlock()

	if idempotencyKey != "" {
		events, ok, err := s.ledger.Replay(ctx, orderBookID, kind.RequiredStatus(), idempotencyKey)
		if err != nil {
			s.recordSubmission(ctx, kind, "failed")
			return nil, err
		}
		if ok {
			s.recordSubmission(ctx, kind, "replayed")
			logger.Info().Str("idempotency_key", idempotencyKey).Msg("duplicate submission, returning recorded events")
			return events, nil
		}
	}

	book, err := s.RequireStatus(ctx, orderBookID, kind.RequiredStatus())
	if err != nil {
		s.recordSubmission(ctx, kind, "rejected")
		logger.Info().Err(err).Msg("submission rejected")
		return nil, err
	}

	events, err := s.ledger.Append(ctx, *book, refs, idempotencyKey)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, types.ErrValidation) {
			outcome = "rejected"
		}
		s.recordSubmission(ctx, kind, outcome)
		return nil, err
	}

	s.recordSubmission(ctx, kind, "accepted")
	logger.Info().Int("items", len(refs)).Msg("submission accepted")
	return events, nil
}

func (s *Service) recordSubmission(ctx context.Context, kind SubmissionKind, outcome string) {
	if s.submissions == nil {
		return
	}
	s.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

// GinHandlers contains HTTP handlers for order book endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order book endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createOrderBookRequest struct {
	Instrument string `json:"instrument"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type itemReference struct {
	Location string `json:"location"`
}

type submitRequest struct {
	ItemList []itemReference `json:"item_list"`
}

// CreateOrderBookHandler handles POST requests to open a new order book
func (h *GinHandlers) CreateOrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrderBookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		book, err := h.service.Create(c.Request.Context(), req.Instrument)
		response.Handle(c, book, err)
	}
}

// GetOrderBookHandler handles GET requests for a single order book
// URL parameter: id
func (h *GinHandlers) GetOrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		book, err := h.service.Get(c.Request.Context(), c.Param("id"))
		response.Handle(c, book, err)
	}
}

// ListOrderBooksHandler handles GET requests listing all order books
func (h *GinHandlers) ListOrderBooksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		books, err := h.service.List(c.Request.Context())
		if books == nil {
			books = []types.OrderBook{}
		}
		response.Handle(c, books, err)
	}
}

// UpdateStatusHandler handles PATCH requests changing an order book's status
// Request body: {"status": "CLOSED"}
func (h *GinHandlers) UpdateStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		book, err := h.service.Transition(c.Request.Context(), c.Param("id"), req.Status)
		response.Handle(c, book, err)
	}
}

// SubmitHandler handles PUT requests adding orders or executions to a book.
// An optional Idempotency-Key header makes retries safe.
// Responds 204 on success.
func (h *GinHandlers) SubmitHandler(kind SubmissionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		refs := make([]string, len(req.ItemList))
		for i, item := range req.ItemList {
			refs[i] = item.Location
		}

		if claims, ok := c.Get("claims"); ok {
			log.Debug().
				Str("client_id", auth.GetClientID(claims)).
				Str("order_book_id", c.Param("id")).
				Str("kind", string(kind)).
				Msg("submission received")
		}

		if _, err := h.service.Submit(c.Request.Context(), c.Param("id"), kind, refs, c.GetHeader("Idempotency-Key")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.NoContent(c)
	}
}
