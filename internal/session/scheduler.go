package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ees-trading/ees/internal/broker"
	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
	"github.com/ees-trading/ees/internal/indicators"
	"github.com/ees-trading/ees/internal/marketdata"
	"github.com/ees-trading/ees/internal/news"
	"github.com/ees-trading/ees/internal/position"
	"github.com/ees-trading/ees/internal/signal"
	"github.com/ees-trading/ees/internal/sizing"
	"github.com/ees-trading/ees/internal/state"
	"github.com/ees-trading/ees/internal/trailing"
	"github.com/ees-trading/ees/internal/universe"
)

// scanTimeframe is the bar interval the scan evaluates strategies on.
const scanTimeframe = marketdata.Timeframe5m

// reasonSessionClose marks exits forced by the flatten-at-close policy.
const reasonSessionClose = trailing.ExitReason("SessionClose")

// Dark-phase heartbeat cadence; holidays log at most hourly.
const (
	heartbeatInterval        = time.Minute
	holidayHeartbeatInterval = time.Hour
)

// QuoteSource is the slice of the data fabric the scheduler scans with.
type QuoteSource interface {
	BatchQuotes(ctx context.Context, symbols []string) (map[string]marketdata.Quote, error)
}

// IndicatorSource serves indicator sets per symbol and timeframe.
type IndicatorSource interface {
	Get(ctx context.Context, symbol string, tf marketdata.Timeframe) (indicators.Set, error)
}

// BarSource serves raw bars for strategies that read the tape directly.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, tf marketdata.Timeframe, count int) ([]marketdata.Bar, error)
}

// SentimentSource is the news filter surface the scheduler uses.
type SentimentSource interface {
	Assess(ctx context.Context, sym universe.Symbol, premarket bool) news.Assessment
	WarmUp(ctx context.Context, underlyings []string)
}

// Evaluator folds strategy verdicts into a composite per symbol.
type Evaluator interface {
	Evaluate(ctx context.Context, in signal.Input) signal.Composite
}

// Allocator sizes accepted signals against available cash.
type Allocator interface {
	Size(sig signal.Composite, quote marketdata.Quote, cashAvailable decimal.Decimal, owned []position.Position, nCandidates int) (sizing.OrderIntent, error)
}

// AccountSource reports buying power.
type AccountSource interface {
	Balance(ctx context.Context) (broker.AccountSnapshot, error)
}

// Trader is the executor surface the scheduler drives.
type Trader interface {
	Enter(ctx context.Context, intent sizing.OrderIntent) (position.Position, error)
	Exit(ctx context.Context, intent trailing.ExitIntent) error
	Reconcile(ctx context.Context) error
	Counters() state.Counters
	ResetCounters()
}

// PositionTicker advances trailing stops across the book.
type PositionTicker interface {
	TickAll(ctx context.Context)
}

// Renewer refreshes the broker auth session during prep.
type Renewer interface {
	Renew(ctx context.Context) error
}

// Scheduler owns the trading-day clock. It derives the phase from wall
// time in the exchange timezone, runs the scan and position loops while
// the market is open, and keeps every tick behind a panic boundary so
// one bad strategy cannot take the process down.
type Scheduler struct {
	cfg     *config.Config
	loc     *time.Location
	cal     *Calendar
	uni     *universe.Universe
	store   *position.Store
	quotes  QuoteSource
	ind     IndicatorSource
	bars    BarSource
	news    SentimentSource
	engine  Evaluator
	sizer   Allocator
	acct    AccountSource
	trader  Trader
	posLoop PositionTicker
	auth    Renewer
	bus     events.Publisher
	logger  zerolog.Logger

	// now is the clock, swapped out by tests.
	now func() time.Time

	// lastHeartbeat is touched only from the Run goroutine.
	lastHeartbeat time.Time

	mu    sync.RWMutex
	phase Phase
}

// Deps carries the scheduler's collaborators.
type Deps struct {
	Universe   *universe.Universe
	Calendar   *Calendar
	Store      *position.Store
	Quotes     QuoteSource
	Indicators IndicatorSource
	Bars       BarSource
	News       SentimentSource
	Engine     Evaluator
	Sizer      Allocator
	Account    AccountSource
	Trader     Trader
	Positions  PositionTicker
	Auth       Renewer
	Bus        events.Publisher
}

// NewScheduler creates the scheduler. The exchange timezone must
// resolve; everything downstream reasons in it.
func NewScheduler(cfg *config.Config, deps Deps) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Session.ExchangeTimezone)
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone %q: %w", cfg.Session.ExchangeTimezone, err)
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Scheduler{
		cfg:     cfg,
		loc:     loc,
		cal:     deps.Calendar,
		uni:     deps.Universe,
		store:   deps.Store,
		quotes:  deps.Quotes,
		ind:     deps.Indicators,
		bars:    deps.Bars,
		news:    deps.News,
		engine:  deps.Engine,
		sizer:   deps.Sizer,
		acct:    deps.Account,
		trader:  deps.Trader,
		posLoop: deps.Positions,
		auth:    deps.Auth,
		bus:     bus,
		logger:  config.NewLogger("session"),
		now:     time.Now,
		phase:   PhaseDark,
	}, nil
}

// Phase returns the current phase.
func (s *Scheduler) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// TradingAllowed reports whether new entries are permitted. The
// executor consults this before every entry.
func (s *Scheduler) TradingAllowed() bool {
	return s.Phase() == PhaseOpen
}

// Run drives the phase machine until the context ends. Each tick runs
// behind a recover boundary: a panic is reported as a fatal-error event
// and the loop carries on.
func (s *Scheduler) Run(ctx context.Context) error {
	scanTick := time.NewTicker(s.cfg.Session.ScanInterval())
	defer scanTick.Stop()
	posTick := time.NewTicker(s.cfg.Session.PositionTick())
	defer posTick.Stop()
	reconcileTick := time.NewTicker(s.cfg.Session.ReconcileInterval())
	defer reconcileTick.Stop()
	phaseTick := time.NewTicker(time.Second)
	defer phaseTick.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// Each cadence runs on its own worker so a slow scan never delays
	// stop evaluation on open positions. A tick that fires while the
	// previous one of the same cadence is still in flight is skipped.
	var scanBusy, posBusy, reconcileBusy atomic.Bool
	var workers sync.WaitGroup
	defer workers.Wait()

	s.safeRun(ctx, "phase", s.checkPhase)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("session loop stopped")
			return ctx.Err()
		case <-phaseTick.C:
			s.safeRun(ctx, "phase", s.checkPhase)
		case <-scanTick.C:
			if s.Phase() == PhaseOpen {
				s.dispatch(ctx, "scan", &scanBusy, &workers, s.scan)
			}
		case <-posTick.C:
			if p := s.Phase(); p == PhaseOpen || p == PhaseCooldown {
				s.dispatch(ctx, "positions", &posBusy, &workers, func(ctx context.Context) {
					s.posLoop.TickAll(ctx)
				})
			}
		case <-reconcileTick.C:
			if s.Phase() != PhaseDark {
				s.dispatch(ctx, "reconcile", &reconcileBusy, &workers, func(ctx context.Context) {
					if err := s.trader.Reconcile(ctx); err != nil {
						s.logger.Error().Err(err).Msg("reconcile failed")
					}
				})
			}
		case <-heartbeat.C:
			if s.Phase() == PhaseDark {
				s.heartbeat()
			}
		}
	}
}

// dispatch hands one tick to a worker goroutine, coalescing overlap.
func (s *Scheduler) dispatch(ctx context.Context, name string, busy *atomic.Bool, wg *sync.WaitGroup, fn func(context.Context)) {
	if !busy.CompareAndSwap(false, true) {
		s.logger.Debug().Str("tick", name).Msg("previous tick still running, coalesced")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer busy.Store(false)
		s.safeRun(ctx, name, fn)
	}()
}

// safeRun is the panic boundary around every tick.
func (s *Scheduler) safeRun(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("tick", name).
				Str("stack", string(debug.Stack())).
				Msg("tick panicked, loop continues")
			s.bus.Publish(events.New(events.KindFatalError).
				WithReason(fmt.Sprintf("%s tick panicked: %v", name, r)))
		}
	}()
	fn(ctx)
}

func (s *Scheduler) checkPhase(ctx context.Context) {
	next := PhaseAt(s.now().In(s.loc), s.cal)

	s.mu.Lock()
	prev := s.phase
	if next == prev {
		s.mu.Unlock()
		return
	}
	s.phase = next
	s.mu.Unlock()

	s.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("phase changed")
	s.bus.Publish(events.New(events.KindPhaseChanged).
		WithReason(string(next)).
		With("from", string(prev)).
		With("to", string(next)))

	switch next {
	case PhasePrep:
		s.prep(ctx)
	case PhaseCooldown:
		if s.cfg.Session.FlattenAtClose {
			s.flatten(ctx)
		}
	case PhaseDark:
		if prev == PhaseCooldown {
			s.endOfDay()
		}
	}
}

// prep readies the day: fresh auth, warmed sentiment and quote caches,
// a clean book against the broker, zeroed counters.
func (s *Scheduler) prep(ctx context.Context) {
	s.trader.ResetCounters()

	if s.auth != nil {
		if err := s.auth.Renew(ctx); err != nil {
			s.logger.Error().Err(err).Msg("pre-market session renewal failed")
		}
	}
	if err := s.trader.Reconcile(ctx); err != nil {
		s.logger.Error().Err(err).Msg("pre-market reconcile failed")
	}

	s.news.WarmUp(ctx, s.uni.Underlyings())
	if _, err := s.quotes.BatchQuotes(ctx, s.uni.Tickers()); err != nil {
		s.logger.Warn().Err(err).Msg("quote cache warm-up failed")
	}
	s.logger.Info().Int("symbols", s.uni.Size()).Msg("pre-market prep complete")
}

// scan runs one pass over the universe: quotes, indicators, sentiment,
// strategy evaluation, then sized entries best-first.
func (s *Scheduler) scan(ctx context.Context) {
	started := s.now()
	tickers := s.uni.Tickers()

	quotes, err := s.quotes.BatchQuotes(ctx, tickers)
	if err != nil {
		s.logger.Error().Err(err).Msg("scan quote batch failed")
		return
	}

	sessionOpen := SessionOpenAt(s.now().In(s.loc))
	var accepted []signal.Composite
	evaluated := 0

	for _, ticker := range tickers {
		if s.store.Holds(ticker) {
			continue
		}
		quote, ok := quotes[ticker]
		if !ok {
			continue
		}
		sym, _ := s.uni.Get(ticker)

		ind, err := s.ind.Get(ctx, ticker, scanTimeframe)
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", ticker).Msg("indicators unavailable, symbol skipped")
			continue
		}
		bars, err := s.bars.GetBars(ctx, ticker, scanTimeframe, 100)
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", ticker).Msg("bars unavailable, symbol skipped")
			continue
		}

		in := signal.Input{
			Symbol:      sym,
			Quote:       quote,
			Bars:        bars,
			Indicators:  ind,
			Sentiment:   s.news.Assess(ctx, sym, false),
			SessionOpen: sessionOpen,
		}
		c := s.engine.Evaluate(ctx, in)
		evaluated++

		if c.Accepted {
			accepted = append(accepted, c)
			s.bus.Publish(events.New(events.KindSignalAccepted).
				WithSymbol(c.Symbol).
				With("confidence", c.Confidence).
				With("agreement", string(c.AgreementLevel)))
		} else if c.Vetoed {
			s.bus.Publish(events.New(events.KindSignalRejected).
				WithSymbol(c.Symbol).
				WithReason(c.RejectReason))
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return signal.Less(accepted[i], accepted[j]) })
	entered := s.enterBest(ctx, accepted, quotes)

	s.bus.Publish(events.New(events.KindScanTickCompleted).
		With("evaluated", evaluated).
		With("accepted", len(accepted)).
		With("entered", entered).
		With("elapsed_ms", s.now().Sub(started).Milliseconds()))
}

// enterBest sizes and places accepted signals in rank order, stopping
// at the position cap. Cash is re-fetched once per scan; each fill
// reduces the remainder locally.
func (s *Scheduler) enterBest(ctx context.Context, accepted []signal.Composite, quotes map[string]marketdata.Quote) int {
	if len(accepted) == 0 {
		return 0
	}

	snapshot, err := s.acct.Balance(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("balance fetch failed, entries skipped this scan")
		return 0
	}
	cash := snapshot.CashAvailableForInvestment

	entered := 0
	for _, c := range accepted {
		owned := s.store.Snapshot()
		intent, err := s.sizer.Size(c, quotes[c.Symbol], cash, owned, len(accepted))
		if err != nil {
			if err == sizing.ErrPositionCapReached {
				break
			}
			s.logger.Debug().Err(err).Str("symbol", c.Symbol).Msg("signal not sized")
			continue
		}

		p, err := s.trader.Enter(ctx, intent)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", c.Symbol).Msg("entry failed")
			continue
		}
		entered++
		cash = cash.Sub(p.CostBasis())
	}
	return entered
}

// flatten force-exits every open position at the close.
func (s *Scheduler) flatten(ctx context.Context) {
	for _, p := range s.store.Snapshot() {
		if p.ExitInFlight {
			continue
		}
		err := s.trader.Exit(ctx, trailing.ExitIntent{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Quantity:   p.Quantity,
			Reason:     reasonSessionClose,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("flatten exit failed")
		}
	}
}

// endOfDay publishes the daily summary as the session goes dark.
func (s *Scheduler) endOfDay() {
	counters := s.trader.Counters()
	s.bus.Publish(events.New(events.KindEndOfDaySummary).
		With("trades", counters.TradesToday).
		With("realized_pnl", counters.RealizedPnLToday.String()).
		With("open_positions", s.store.Count()))
	s.logger.Info().
		Int("trades", counters.TradesToday).
		Str("realized_pnl", counters.RealizedPnLToday.String()).
		Int("open_positions", s.store.Count()).
		Msg("end of day")
}

func (s *Scheduler) heartbeat() {
	now := s.now().In(s.loc)
	name, holiday := s.cal.HolidayName(now)
	if holiday && now.Sub(s.lastHeartbeat) < holidayHeartbeatInterval {
		return
	}
	s.lastHeartbeat = now

	evt := s.logger.Info().Str("phase", string(PhaseDark))
	if holiday {
		evt = evt.Str("holiday", name)
	}
	evt.Msg("market closed, heartbeat")
}
