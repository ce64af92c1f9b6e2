package history

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ksred/klear-orderbook/internal/types"
)

// Auditor periodically checks that every stored snapshot still decodes.
type Auditor struct {
	ledger   *Ledger
	interval time.Duration // Time between audit passes, 0 disables
	corrupt  metric.Int64Counter
}

func NewAuditor(ledger *Ledger, interval time.Duration) *Auditor {
	meter := otel.Meter("klear-orderbook/history")
	corrupt, _ := meter.Int64Counter("ledger.audit.corrupt",
		metric.WithDescription("Corrupt snapshots found by the ledger audit"))

	return &Auditor{
		ledger:   ledger,
		interval: interval,
		corrupt:  corrupt,
	}
}

// Start begins the audit loop and blocks until ctx is done
func (a *Auditor) Start(ctx context.Context) {
	logger := log.With().Str("component", "ledger_auditor").Logger()
	if a.interval <= 0 {
		logger.Info().Msg("ledger auditor disabled")
		return
	}
	logger.Info().Dur("interval", a.interval).Msg("starting ledger auditor")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down ledger auditor")
			return
		case <-ticker.C:
			if _, err := a.auditOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to audit ledger")
			}
		}
	}
}

// auditOnce scans the ledger and returns the number of corrupt events.
func (a *Auditor) auditOnce(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "ledger_auditor").Logger()

	events, err := a.ledger.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	corrupt := 0
	for i := range events {
		if _, err := decodeSnapshot(&events[i]); err != nil {
			if !errors.Is(err, types.ErrCorruptSnapshot) {
				return corrupt, err
			}
			corrupt++
			logger.Error().
				Err(err).
				Str("event_id", events[i].EventID).
				Str("order_book_id", events[i].OrderBookID).
				Msg("corrupt order book snapshot")
		}
	}

	if corrupt > 0 && a.corrupt != nil {
		a.corrupt.Add(ctx, int64(corrupt))
	}
	logger.Info().Int("events", len(events)).Int("corrupt", corrupt).Msg("ledger audit complete")
	return corrupt, nil
}
