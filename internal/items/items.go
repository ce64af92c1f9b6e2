package items

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-orderbook/internal/resolver"
	"github.com/ksred/klear-orderbook/internal/types"
	"github.com/ksred/klear-orderbook/pkg/response"
)

// Service manages the write-once order and execution items that history
// events point at.
type Service struct {
	db  *Database
	now func() time.Time
}

// NewService creates a new item service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:  NewDatabase(gormDB),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateMarketOrder(ctx context.Context, quantity int64) (*MarketOrder, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}
	order := &MarketOrder{Quantity: quantity, CreatedAt: s.now()}
	if err := s.db.CreateMarketOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create market order: %w", err)
	}
	log.Info().Str("location", Location(KindMarketOrder, order.ID)).Int64("quantity", quantity).Msg("market order created")
	return order, nil
}

func (s *Service) CreateLimitOrder(ctx context.Context, quantity int64, price *decimal.Decimal) (*LimitOrder, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}
	if err := validatePrice(price); err != nil {
		return nil, err
	}
	order := &LimitOrder{Quantity: quantity, Price: *price, CreatedAt: s.now()}
	if err := s.db.CreateLimitOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create limit order: %w", err)
	}
	log.Info().Str("location", Location(KindLimitOrder, order.ID)).Int64("quantity", quantity).Str("price", price.String()).Msg("limit order created")
	return order, nil
}

func (s *Service) CreateExecution(ctx context.Context, quantity int64, price *decimal.Decimal) (*Execution, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}
	if err := validatePrice(price); err != nil {
		return nil, err
	}
	execution := &Execution{Quantity: quantity, Price: *price, CreatedAt: s.now()}
	if err := s.db.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	log.Info().Str("location", Location(KindExecution, execution.ID)).Int64("quantity", quantity).Str("price", price.String()).Msg("execution created")
	return execution, nil
}

// Document loads the item of the given kind and renders its document.
func (s *Service) Document(ctx context.Context, kind Kind, id uint) (resolver.Document, error) {
	switch kind {
	case KindMarketOrder:
		order, err := s.db.GetMarketOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		return order.Document(), nil
	case KindLimitOrder:
		order, err := s.db.GetLimitOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		return order.Document(), nil
	case KindExecution:
		execution, err := s.db.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		return execution.Document(), nil
	default:
		return nil, fmt.Errorf("%w: unknown item kind %q", types.ErrNotFound, kind)
	}
}

func validateQuantity(quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", types.ErrValidation)
	}
	return nil
}

func validatePrice(price *decimal.Decimal) error {
	if price == nil {
		return fmt.Errorf("%w: price is required", types.ErrValidation)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", types.ErrValidation)
	}
	return nil
}

// GinHandlers contains HTTP handlers for item endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for item endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createItemRequest struct {
	Quantity int64            `json:"quantity" binding:"required"`
	Price    *decimal.Decimal `json:"price"`
}

// CreateHandler handles POST requests creating an item of the given kind.
// Responds with the item document wrapped in the standard envelope.
func (h *GinHandlers) CreateHandler(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		var (
			doc resolver.Document
			err error
		)
		switch kind {
		case KindMarketOrder:
			var order *MarketOrder
			if order, err = h.service.CreateMarketOrder(ctx, req.Quantity); err == nil {
				doc = order.Document()
			}
		case KindLimitOrder:
			var order *LimitOrder
			if order, err = h.service.CreateLimitOrder(ctx, req.Quantity, req.Price); err == nil {
				doc = order.Document()
			}
		case KindExecution:
			var execution *Execution
			if execution, err = h.service.CreateExecution(ctx, req.Quantity, req.Price); err == nil {
				doc = execution.Document()
			}
		}
		response.Handle(c, doc, err)
	}
}

// GetHandler handles GET requests for a single item.
// The bare document is returned, without the envelope, so other services
// can resolve item references against this endpoint directly.
func (h *GinHandlers) GetHandler(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			response.NotFound(c, "Item not found")
			return
		}

		doc, err := h.service.Document(c.Request.Context(), kind, uint(id))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		c.JSON(200, doc)
	}
}
