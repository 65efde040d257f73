package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ees-trading/ees/internal/archive"
	"github.com/ees-trading/ees/internal/broker"
	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
	"github.com/ees-trading/ees/internal/position"
	"github.com/ees-trading/ees/internal/sizing"
	"github.com/ees-trading/ees/internal/state"
	"github.com/ees-trading/ees/internal/trailing"
)

// ErrTradingClosed means the session phase does not permit new entries.
var ErrTradingClosed = fmt.Errorf("trading not allowed in current phase")

// ErrAlreadyHeld means a strategy-owned position already exists for the
// symbol. No stacking; re-entry is out of scope.
var ErrAlreadyHeld = fmt.Errorf("symbol already held")

// ErrEntryInFlight means an entry order for the symbol is still working.
var ErrEntryInFlight = fmt.Errorf("entry order already in flight")

// brokerAPI is the slice of the broker client the executor consumes.
type brokerAPI interface {
	PreviewOrder(ctx context.Context, req broker.OrderRequest) (broker.PreviewResult, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest, previewID string) (string, error)
	OrderStatusByID(ctx context.Context, orderID string) (broker.OrderStatus, error)
	Positions(ctx context.Context) ([]broker.BrokerPosition, error)
}

// Executor places and tracks orders, owns the position store's write
// side, and keeps local state reconciled with the broker.
type Executor struct {
	cfg     config.ExecutorConfig
	api     brokerAPI
	store   *position.Store
	bus     events.Publisher
	archive *archive.Archive
	logger  zerolog.Logger

	// tradingAllowed gates new entries on the session phase. Exits are
	// always allowed.
	tradingAllowed func() bool

	mu            sync.Mutex
	entryInFlight map[string]state.OrderRecord // symbol -> working entry
	counters      state.Counters
}

// New creates the executor. tradingAllowed is consulted before every
// entry; a nil archive disables trade archiving.
func New(cfg config.ExecutorConfig, api brokerAPI, store *position.Store, bus events.Publisher, arch *archive.Archive, tradingAllowed func() bool) *Executor {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	if tradingAllowed == nil {
		tradingAllowed = func() bool { return true }
	}
	return &Executor{
		cfg:            cfg,
		api:            api,
		store:          store,
		bus:            bus,
		archive:        arch,
		logger:         config.NewLogger("executor"),
		tradingAllowed: tradingAllowed,
		entryInFlight:  make(map[string]state.OrderRecord),
	}
}

func (e *Executor) pollInterval() time.Duration {
	if e.cfg.OrderPollIntervalSec <= 0 {
		return 2 * time.Second
	}
	return time.Duration(e.cfg.OrderPollIntervalSec) * time.Second
}

func (e *Executor) fillTimeout() time.Duration {
	if e.cfg.FillTimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(e.cfg.FillTimeoutSec) * time.Second
}

// Counters returns today's tallies.
func (e *Executor) Counters() state.Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// ResetCounters zeroes the daily tallies at the day boundary.
func (e *Executor) ResetCounters() {
	e.mu.Lock()
	e.counters = state.Counters{RealizedPnLToday: decimal.Zero}
	e.mu.Unlock()
}

// RestoreCounters reinstates persisted tallies after a restart.
func (e *Executor) RestoreCounters(c state.Counters) {
	e.mu.Lock()
	e.counters = c
	e.mu.Unlock()
}

// InFlightOrders snapshots working entry orders for persistence.
func (e *Executor) InFlightOrders() []state.OrderRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]state.OrderRecord, 0, len(e.entryInFlight))
	for _, rec := range e.entryInFlight {
		out = append(out, rec)
	}
	return out
}

// Enter runs the full entry path: preview, place, poll to terminal,
// open the position. Blocks until terminal or timeout; the session loop
// calls it from a worker.
func (e *Executor) Enter(ctx context.Context, intent sizing.OrderIntent) (position.Position, error) {
	if !e.tradingAllowed() {
		return position.Position{}, fmt.Errorf("%s: %w", intent.Symbol, ErrTradingClosed)
	}
	if e.store.Holds(intent.Symbol) {
		return position.Position{}, fmt.Errorf("%s: %w", intent.Symbol, ErrAlreadyHeld)
	}

	req := broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          broker.SideBuy,
		Quantity:      intent.Quantity,
		PriceType:     broker.PriceTypeLimit,
		LimitPrice:    intent.MaxPrice,
		OwnerTag:      position.OwnerTag,
	}

	e.mu.Lock()
	if _, busy := e.entryInFlight[intent.Symbol]; busy {
		e.mu.Unlock()
		return position.Position{}, fmt.Errorf("%s: %w", intent.Symbol, ErrEntryInFlight)
	}
	e.entryInFlight[intent.Symbol] = state.OrderRecord{
		ClientOrderID: req.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          string(broker.SideBuy),
		Quantity:      intent.Quantity,
		PlacedAt:      time.Now(),
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.entryInFlight, intent.Symbol)
		e.mu.Unlock()
	}()

	preview, err := e.api.PreviewOrder(ctx, req)
	if err != nil {
		e.bus.Publish(events.New(events.KindOrderRejected).
			WithSymbol(intent.Symbol).
			WithReason(err.Error()).
			With("stage", "preview"))
		return position.Position{}, fmt.Errorf("previewing %s: %w", intent.Symbol, err)
	}

	orderID, err := e.placeWithRetry(ctx, req, preview.PreviewID)
	if err != nil {
		e.bus.Publish(events.New(events.KindOrderRejected).
			WithSymbol(intent.Symbol).
			WithReason(err.Error()).
			With("stage", "place"))
		return position.Position{}, fmt.Errorf("placing %s: %w", intent.Symbol, err)
	}

	e.mu.Lock()
	rec := e.entryInFlight[intent.Symbol]
	rec.OrderID = orderID
	e.entryInFlight[intent.Symbol] = rec
	e.mu.Unlock()

	e.bus.Publish(events.New(events.KindOrderPlaced).
		WithSymbol(intent.Symbol).
		With("order_id", orderID).
		With("quantity", intent.Quantity).
		With("limit_price", intent.MaxPrice.String()))

	status, err := e.pollToTerminal(ctx, orderID)
	if err != nil {
		return position.Position{}, err
	}

	switch status.State {
	case broker.OrderExecuted:
	case broker.OrderPartiallyFilled:
		// Fill-timeout with a partial: keep what filled.
		if status.FilledQuantity == 0 {
			return position.Position{}, fmt.Errorf("order %s for %s timed out unfilled", orderID, intent.Symbol)
		}
	default:
		e.bus.Publish(events.New(events.KindOrderRejected).
			WithSymbol(intent.Symbol).
			WithReason(status.Reason).
			With("order_id", orderID).
			With("state", string(status.State)))
		return position.Position{}, fmt.Errorf("order %s for %s ended %s: %s", orderID, intent.Symbol, status.State, status.Reason)
	}

	p := position.New(intent.Symbol, status.FilledQuantity, status.AvgFillPrice, time.Now())
	if err := e.store.Add(p); err != nil {
		return position.Position{}, fmt.Errorf("registering position for %s: %w", intent.Symbol, err)
	}

	e.mu.Lock()
	e.counters.TradesToday++
	e.mu.Unlock()

	e.bus.Publish(events.New(events.KindOrderFilled).
		WithSymbol(intent.Symbol).
		With("order_id", orderID).
		With("fill_price", status.AvgFillPrice.String()).
		With("quantity", status.FilledQuantity))
	e.bus.Publish(events.New(events.KindPositionOpened).
		WithSymbol(intent.Symbol).
		WithPosition(p.ID).
		With("entry_price", status.AvgFillPrice.String()).
		With("quantity", status.FilledQuantity))

	e.logger.Info().
		Str("symbol", intent.Symbol).
		Str("position", p.ID).
		Int64("quantity", status.FilledQuantity).
		Str("fill_price", status.AvgFillPrice.String()).
		Msg("position opened")
	return p, nil
}

// placeWithRetry retries one transport failure with the same client
// order id; the broker deduplicates on it.
func (e *Executor) placeWithRetry(ctx context.Context, req broker.OrderRequest, previewID string) (string, error) {
	orderID, err := e.api.PlaceOrder(ctx, req, previewID)
	if err == nil {
		return orderID, nil
	}
	e.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("place failed, retrying with same idempotency key")
	return e.api.PlaceOrder(ctx, req, previewID)
}

func (e *Executor) pollToTerminal(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	deadline := time.Now().Add(e.fillTimeout())
	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()

	var last broker.OrderStatus
	for {
		status, err := e.api.OrderStatusByID(ctx, orderID)
		if err != nil {
			e.logger.Warn().Err(err).Str("order_id", orderID).Msg("order poll failed")
		} else {
			last = status
			if status.State.Terminal() {
				return status, nil
			}
		}

		if time.Now().After(deadline) {
			return last, nil // caller decides what a timed-out partial means
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Exit flattens a position per the trailing engine's instruction. An
// intent for a position with a working sell, or one already gone, is
// dropped.
func (e *Executor) Exit(ctx context.Context, intent trailing.ExitIntent) error {
	p, ok := e.store.Get(intent.PositionID)
	if !ok {
		return nil // already closed; re-delivery has no effect
	}
	if p.ExitOrderID != "" {
		return nil
	}

	req := broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        p.Symbol,
		Side:          broker.SideSell,
		Quantity:      p.Quantity,
		PriceType:     broker.PriceTypeMarket,
		OwnerTag:      position.OwnerTag,
	}

	orderID, err := e.placeWithRetry(ctx, req, "")
	if err != nil {
		// Clear the in-flight flag so the next tick retries the exit.
		p.ExitInFlight = false
		_ = e.store.Update(p)
		e.bus.Publish(events.New(events.KindOrderRejected).
			WithSymbol(p.Symbol).
			WithPosition(p.ID).
			WithReason(err.Error()).
			With("stage", "exit_place"))
		return fmt.Errorf("placing exit for %s: %w", p.Symbol, err)
	}

	p.ExitInFlight = true
	p.ExitOrderID = orderID
	if err := e.store.Update(p); err != nil {
		return err
	}

	e.bus.Publish(events.New(events.KindOrderPlaced).
		WithSymbol(p.Symbol).
		WithPosition(p.ID).
		With("order_id", orderID).
		With("side", "SELL").
		With("reason", string(intent.Reason)))

	status, err := e.pollToTerminal(ctx, orderID)
	if err != nil {
		return err
	}

	switch {
	case status.State == broker.OrderExecuted:
		return e.closePosition(ctx, p, status, intent.Reason, false)
	case status.State == broker.OrderPartiallyFilled && status.FilledQuantity > 0:
		return e.partialExit(ctx, p, status, intent.Reason)
	default:
		// Sell did not execute; re-arm the position for the next tick.
		p, ok = e.store.Get(p.ID)
		if ok {
			p.ExitInFlight = false
			p.ExitOrderID = ""
			_ = e.store.Update(p)
		}
		return fmt.Errorf("exit order %s for %s ended %s", orderID, req.Symbol, status.State)
	}
}

func (e *Executor) closePosition(ctx context.Context, p position.Position, status broker.OrderStatus, reason trailing.ExitReason, adopted bool) error {
	realized := status.AvgFillPrice.Sub(p.EntryPrice).Mul(decimal.NewFromInt(status.FilledQuantity)).Round(4)

	if _, err := e.store.Remove(p.ID); err != nil {
		return err
	}

	e.mu.Lock()
	e.counters.RealizedPnLToday = e.counters.RealizedPnLToday.Add(realized)
	e.mu.Unlock()

	e.bus.Publish(events.New(events.KindPositionClosed).
		WithSymbol(p.Symbol).
		WithPosition(p.ID).
		WithReason(string(reason)).
		With("exit_price", status.AvgFillPrice.String()).
		With("realized_pnl", realized.String()))

	if err := e.archive.Record(ctx, archive.Trade{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Quantity:    status.FilledQuantity,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   status.AvgFillPrice,
		EntryTime:   p.EntryTime,
		ExitTime:    time.Now(),
		RealizedPnL: realized,
		ExitReason:  string(reason),
		FinalState:  string(p.State),
		Adopted:     p.Adopted || adopted,
	}); err != nil {
		e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("trade archive failed")
	}

	e.logger.Info().
		Str("symbol", p.Symbol).
		Str("position", p.ID).
		Str("reason", string(reason)).
		Str("realized_pnl", realized.String()).
		Msg("position closed")
	return nil
}

// partialExit books the filled slice and leaves the remainder holding
// its trailing state.
func (e *Executor) partialExit(ctx context.Context, p position.Position, status broker.OrderStatus, reason trailing.ExitReason) error {
	realized := status.AvgFillPrice.Sub(p.EntryPrice).Mul(decimal.NewFromInt(status.FilledQuantity)).Round(4)

	p.Quantity -= status.FilledQuantity
	p.ExitInFlight = false
	p.ExitOrderID = ""
	if err := e.store.Update(p); err != nil {
		return err
	}

	e.mu.Lock()
	e.counters.RealizedPnLToday = e.counters.RealizedPnLToday.Add(realized)
	e.mu.Unlock()

	e.bus.Publish(events.New(events.KindPartialExit).
		WithSymbol(p.Symbol).
		WithPosition(p.ID).
		WithReason(string(reason)).
		With("filled_quantity", status.FilledQuantity).
		With("remaining_quantity", p.Quantity).
		With("realized_pnl", realized.String()))

	e.logger.Warn().
		Str("symbol", p.Symbol).
		Int64("filled", status.FilledQuantity).
		Int64("remaining", p.Quantity).
		Msg("partial exit fill, remainder keeps trailing state")
	return nil
}

// DrainExits consumes the trailing engine's exit stream until the
// context ends.
func (e *Executor) DrainExits(ctx context.Context, exits <-chan trailing.ExitIntent) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-exits:
			if err := e.Exit(ctx, intent); err != nil {
				e.logger.Error().Err(err).Str("position", intent.PositionID).Msg("exit failed")
			}
		}
	}
}
