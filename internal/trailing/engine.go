package trailing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
	"github.com/ees-trading/ees/internal/indicators"
	"github.com/ees-trading/ees/internal/marketdata"
	"github.com/ees-trading/ees/internal/position"
)

// ExitReason labels why a position should be flattened.
type ExitReason string

const (
	ReasonStopHit    ExitReason = "StopHit"
	ReasonTakeProfit ExitReason = "TakeProfit"
	ReasonMomentum   ExitReason = "MomentumExit"
	ReasonTime       ExitReason = "TimeExit"
	ReasonDivergence ExitReason = "DivergenceExit"
)

// ExitIntent instructs the executor to sell a position in full.
type ExitIntent struct {
	PositionID string
	Symbol     string
	Quantity   int64
	Reason     ExitReason
}

// QuoteSource delivers a fresh print, bypassing caches. Stop decisions
// never run on stale quotes.
type QuoteSource interface {
	RefreshQuote(ctx context.Context, symbol string) (marketdata.Quote, error)
}

// IndicatorSource delivers the current indicator set.
type IndicatorSource interface {
	Get(ctx context.Context, symbol string, tf marketdata.Timeframe) (indicators.Set, error)
}

// Engine runs the per-position stealth state machine. Stops live only
// in process; the broker never sees them.
type Engine struct {
	cfg    config.TrailingConfig
	store  *position.Store
	quotes QuoteSource
	ind    IndicatorSource
	bus    events.Publisher
	exits  chan ExitIntent
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates the trailing engine.
func NewEngine(cfg config.TrailingConfig, store *position.Store, quotes QuoteSource, ind IndicatorSource, bus events.Publisher) *Engine {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		quotes: quotes,
		ind:    ind,
		bus:    bus,
		exits:  make(chan ExitIntent, 64),
		logger: config.NewLogger("trailing"),
	}
}

// Exits is the stream of sell instructions for the executor.
func (e *Engine) Exits() <-chan ExitIntent {
	return e.exits
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		if e.locks == nil {
			e.locks = make(map[string]*sync.Mutex)
		}
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Forget drops the per-position lock after close.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
}

// TickAll refreshes every open position concurrently. Updates within
// one position are serialized by its own mutex.
func (e *Engine) TickAll(ctx context.Context) {
	snapshot := e.store.Snapshot()
	var wg sync.WaitGroup
	for _, p := range snapshot {
		wg.Add(1)
		go func(p position.Position) {
			defer wg.Done()
			e.tickOne(ctx, p.ID)
		}(p)
	}
	wg.Wait()
}

func (e *Engine) tickOne(ctx context.Context, id string) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	p, ok := e.store.Get(id)
	if !ok {
		return
	}
	if p.ExitInFlight {
		return // a sell is already working; evaluation is idempotent
	}

	quote, err := e.quotes.RefreshQuote(ctx, p.Symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("no fresh quote, skipping position tick")
		return
	}

	ind, err := e.ind.Get(ctx, p.Symbol, marketdata.Timeframe5m)
	if err != nil {
		// Price-only triggers still run; indicator triggers sit out.
		e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("no indicators for position tick")
		ind = indicators.Set{}
	}

	updated, intent := e.Step(p, quote.Last, ind, time.Now())

	if !updated.StopPrice.Equal(p.StopPrice) {
		e.bus.Publish(events.New(events.KindStopAdjusted).
			WithSymbol(p.Symbol).
			WithPosition(p.ID).
			With("old_stop", p.StopPrice.String()).
			With("new_stop", updated.StopPrice.String()).
			With("state", string(updated.State)))
	}

	if intent != nil {
		updated.ExitInFlight = true
	}
	if err := e.store.Update(updated); err != nil {
		e.logger.Error().Err(err).Str("position", p.ID).Msg("position update failed")
		return
	}
	if intent != nil {
		select {
		case e.exits <- *intent:
		default:
			// Channel full: clear the in-flight flag so the next tick
			// re-emits.
			updated.ExitInFlight = false
			_ = e.store.Update(updated)
			e.logger.Error().Str("position", p.ID).Msg("exit channel full, intent dropped")
		}
	}
}

// trailPct derives the trailing distance from volatility and tightens
// it in the later states.
func (e *Engine) trailPct(p position.Position, ind indicators.Set) float64 {
	price, _ := p.LastPrice.Float64()
	pct := e.cfg.MinTrailPct
	if price > 0 && ind.ATR14 > 0 {
		pct = ind.ATR14 / price
	}
	if pct < e.cfg.MinTrailPct {
		pct = e.cfg.MinTrailPct
	}
	if pct > e.cfg.MaxTrailPct {
		pct = e.cfg.MaxTrailPct
	}
	switch p.State {
	case position.StateExplosive:
		pct *= 0.6
	case position.StateMoon:
		pct *= 0.4
	}
	return pct
}

// Step advances one position through the state machine for a single
// tick. It is pure over its inputs: the caller owns persistence and
// event emission. The returned intent, if any, is a full-quantity sell.
func (e *Engine) Step(p position.Position, price decimal.Decimal, ind indicators.Set, now time.Time) (position.Position, *ExitIntent) {
	p.LastPrice = price
	p.LastTickAt = now
	if price.GreaterThan(p.HighestPrice) {
		p.HighestPrice = price
	}

	if p.StopPrice.IsZero() {
		p.StopPrice = p.EntryPrice.Mul(decimal.NewFromFloat(1 - e.cfg.InitialStopPct)).Round(4)
	}

	pnl := p.UnrealizedPnLPct()
	p.State = e.advanceState(p.State, pnl)
	p.TrailPct = e.trailPct(p, ind)

	e.raiseStops(&p)

	intent := e.checkExits(&p, pnl, ind, now)
	return p, intent
}

// advanceState returns the highest state the pnl qualifies for, never
// regressing below the current one.
func (e *Engine) advanceState(cur position.StealthState, pnl float64) position.StealthState {
	target := position.StateInactive
	switch {
	case pnl >= e.cfg.MoonTriggerPct:
		target = position.StateMoon
	case pnl >= e.cfg.ExplosiveTriggerPct:
		target = position.StateExplosive
	case pnl >= e.cfg.TrailingActivatePct:
		target = position.StateTrailing
	case pnl >= e.cfg.BreakevenTriggerPct:
		target = position.StateBreakeven
	}
	if cur.AtLeast(target) {
		return cur
	}
	return target
}

// raiseStops applies the per-state stop and take-profit floors. The
// ratchet invariant holds by construction: every update goes through
// ratchet(), which refuses to lower the stop.
func (e *Engine) raiseStops(p *position.Position) {
	if p.State.AtLeast(position.StateBreakeven) {
		e.ratchet(p, p.EntryPrice.Mul(decimal.NewFromFloat(1+e.cfg.BreakevenOffsetPct)))
	}
	if p.State.AtLeast(position.StateTrailing) {
		e.ratchet(p, p.HighestPrice.Mul(decimal.NewFromFloat(1-p.TrailPct)))
	}
	if p.State.AtLeast(position.StateMoon) {
		p.TakeProfitPrice = decimal.Max(p.TakeProfitPrice, p.EntryPrice.Mul(decimal.NewFromFloat(1+e.cfg.MoonTakeProfitPct)).Round(4))
	} else if p.State.AtLeast(position.StateExplosive) {
		p.TakeProfitPrice = decimal.Max(p.TakeProfitPrice, p.EntryPrice.Mul(decimal.NewFromFloat(1+e.cfg.ExplosiveTakeProfitPct)).Round(4))
	}
}

// ratchet raises the stop to candidate if higher. A lower candidate is
// simply ignored; the stop never moves down.
func (e *Engine) ratchet(p *position.Position, candidate decimal.Decimal) {
	candidate = candidate.Round(4)
	if candidate.GreaterThan(p.StopPrice) {
		p.StopPrice = candidate
	}
}

// checkExits walks the trigger ladder in its fixed order.
func (e *Engine) checkExits(p *position.Position, pnl float64, ind indicators.Set, now time.Time) *ExitIntent {
	exit := func(reason ExitReason) *ExitIntent {
		return &ExitIntent{PositionID: p.ID, Symbol: p.Symbol, Quantity: p.Quantity, Reason: reason}
	}

	if p.LastPrice.LessThanOrEqual(p.StopPrice) {
		return exit(ReasonStopHit)
	}
	if !p.TakeProfitPrice.IsZero() && p.LastPrice.GreaterThanOrEqual(p.TakeProfitPrice) {
		return exit(ReasonTakeProfit)
	}
	if p.State.AtLeast(position.StateTrailing) && ind.RSI14 > 0 && ind.RSI14 < e.cfg.RSICloseThreshold {
		return exit(ReasonMomentum)
	}
	if ind.SellingVolumeRatio >= e.cfg.SellingSurgeThreshold && pnl > 0 {
		// Defensive tighten, not an exit.
		tightened := p.LastPrice.Mul(decimal.NewFromFloat(1 - p.TrailPct*0.2))
		e.ratchet(p, tightened)
	}
	if now.Sub(p.EntryTime) >= time.Duration(e.cfg.MaxHoldingHours)*time.Hour {
		return exit(ReasonTime)
	}
	if pnl < 0 && ind.MACDHist < 0 && ind.RSI14 > 0 && ind.RSI14 < 45 {
		return exit(ReasonDivergence)
	}
	return nil
}
