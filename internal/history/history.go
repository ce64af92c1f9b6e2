package history

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-orderbook/internal/types"
	"github.com/ksred/klear-orderbook/pkg/response"
)

// Service serves the reconstructed history read model.
type Service struct {
	ledger        *Ledger
	reconstructor *Reconstructor
}

func NewService(ledger *Ledger, reconstructor *Reconstructor) *Service {
	return &Service{
		ledger:        ledger,
		reconstructor: reconstructor,
	}
}

// ListHistory reconstructs the whole ledger in insertion order.
func (s *Service) ListHistory(ctx context.Context) ([]types.ResolvedHistoryView, error) {
	events, err := s.ledger.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return s.reconstructor.Reconstruct(ctx, events)
}

// ListOrderBookHistory reconstructs the events of a single order book.
func (s *Service) ListOrderBookHistory(ctx context.Context, orderBookID string) ([]types.ResolvedHistoryView, error) {
	events, err := s.ledger.ListByOrderBook(ctx, orderBookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order book history: %w", err)
	}
	return s.reconstructor.Reconstruct(ctx, events)
}

// GinHandlers contains HTTP handlers for history endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for history endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListHistoriesHandler handles GET requests for the full reconstructed history
func (h *GinHandlers) ListHistoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := h.service.ListHistory(c.Request.Context())
		response.Handle(c, nonNil(views), err)
	}
}

// ListOrderBookHistoriesHandler handles GET requests for one order book's history
func (h *GinHandlers) ListOrderBookHistoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := h.service.ListOrderBookHistory(c.Request.Context(), c.Param("id"))
		response.Handle(c, nonNil(views), err)
	}
}

// empty histories render as [] rather than null
func nonNil(views []types.ResolvedHistoryView) []types.ResolvedHistoryView {
	if views == nil {
		return []types.ResolvedHistoryView{}
	}
	return views
}
