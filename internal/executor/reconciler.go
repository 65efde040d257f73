package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ees-trading/ees/internal/archive"
	"github.com/ees-trading/ees/internal/events"
	"github.com/ees-trading/ees/internal/position"
)

// adoptedStopDiscount sets the initial stop for an adopted position
// relative to its broker-reported entry price.
var adoptedStopDiscount = decimal.NewFromFloat(0.97)

// Reconcile aligns the local book with the broker. Tagged broker
// positions missing locally are adopted; local positions the broker no
// longer holds are marked closed. Untagged broker positions are never
// touched. Runs at startup and on the session's reconcile cadence.
func (e *Executor) Reconcile(ctx context.Context) error {
	brokerPositions, err := e.api.Positions(ctx)
	if err != nil {
		return fmt.Errorf("listing broker positions: %w", err)
	}

	atBroker := make(map[string]position.Position, len(brokerPositions))
	for _, bp := range brokerPositions {
		if bp.OwnerTag != position.OwnerTag {
			continue
		}
		if local, held := e.store.GetBySymbol(bp.Symbol); held {
			atBroker[bp.Symbol] = local
			continue
		}
		adopted := e.adopt(bp.Symbol, bp.Quantity, bp.EntryPrice)
		atBroker[bp.Symbol] = adopted
	}

	// Anything local the broker no longer reports was flattened
	// externally. Book it closed at the last known price.
	for _, local := range e.store.Snapshot() {
		if _, held := atBroker[local.Symbol]; held {
			continue
		}
		if local.ExitInFlight {
			// A working sell explains the mismatch; the exit path
			// finishes the bookkeeping.
			continue
		}
		e.markClosedExternally(ctx, local)
	}
	return nil
}

func (e *Executor) adopt(symbol string, quantity int64, entryPrice decimal.Decimal) position.Position {
	p := position.New(symbol, quantity, entryPrice, time.Now())
	p.Adopted = true
	p.State = position.StateTrailing
	p.StopPrice = entryPrice.Mul(adoptedStopDiscount).Round(4)
	if err := e.store.Add(p); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("adopt failed")
		return p
	}

	e.bus.Publish(events.New(events.KindPositionAdopted).
		WithSymbol(symbol).
		WithPosition(p.ID).
		With("quantity", quantity).
		With("entry_price", entryPrice.String()).
		With("stop_price", p.StopPrice.String()))

	e.logger.Warn().
		Str("symbol", symbol).
		Int64("quantity", quantity).
		Str("stop_price", p.StopPrice.String()).
		Msg("adopted tagged broker position")
	return p
}

func (e *Executor) markClosedExternally(ctx context.Context, p position.Position) {
	if _, err := e.store.Remove(p.ID); err != nil {
		e.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("removing externally closed position failed")
		return
	}

	exitPrice := p.LastPrice
	realized := exitPrice.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Quantity)).Round(4)

	e.mu.Lock()
	e.counters.RealizedPnLToday = e.counters.RealizedPnLToday.Add(realized)
	e.mu.Unlock()

	e.bus.Publish(events.New(events.KindPositionClosed).
		WithSymbol(p.Symbol).
		WithPosition(p.ID).
		WithReason("closed_externally").
		With("exit_price", exitPrice.String()).
		With("realized_pnl", realized.String()))

	if err := e.archive.Record(ctx, archive.Trade{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exitPrice,
		EntryTime:   p.EntryTime,
		ExitTime:    time.Now(),
		RealizedPnL: realized,
		ExitReason:  "closed_externally",
		FinalState:  string(p.State),
		Adopted:     p.Adopted,
	}); err != nil {
		e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("trade archive failed")
	}

	e.logger.Warn().
		Str("symbol", p.Symbol).
		Str("position", p.ID).
		Msg("position gone at broker, marked closed")
}
