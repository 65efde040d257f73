package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const universeYAML = `
version: "1.0.0"
symbols:
  - symbol: TQQQ
    direction: bull
    underlying_id: NDX
    leverage_factor: 3
    pair_symbol: SQQQ
  - symbol: SQQQ
    direction: bear
    underlying_id: NDX
    leverage_factor: 3
    pair_symbol: TQQQ
`

func testUniverse(t *testing.T) *universe.Universe {
	t.Helper()
	path := filepath.Join(t.TempDir(), "universe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(universeYAML), 0o644))
	u, err := universe.Load(path)
	require.NoError(t, err)
	return u
}

type fakeQuotes struct {
	quotes map[string]marketdata.Quote
	err    error
	calls  int
}

func (f *fakeQuotes) BatchQuotes(_ context.Context, _ []string) (map[string]marketdata.Quote, error) {
	f.calls++
	return f.quotes, f.err
}

type fakeIndicators struct{}

func (fakeIndicators) Get(context.Context, string, marketdata.Timeframe) (indicators.Set, error) {
	return indicators.Set{BarCount: 100}, nil
}

type fakeBars struct{}

func (fakeBars) GetBars(context.Context, string, marketdata.Timeframe, int) ([]marketdata.Bar, error) {
	return []marketdata.Bar{{Time: time.Now(), Close: 50}}, nil
}

type fakeNews struct {
	warmed []string
}

func (f *fakeNews) Assess(context.Context, universe.Symbol, bool) news.Assessment {
	return news.Assessment{Decision: news.DecisionNeutral}
}

func (f *fakeNews) WarmUp(_ context.Context, underlyings []string) {
	f.warmed = underlyings
}

// fakeEval accepts the symbols in accept; panics when told to.
type fakeEval struct {
	accept   map[string]float64
	panicMsg string
}

func (f *fakeEval) Evaluate(_ context.Context, in signal.Input) signal.Composite {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	conf, ok := f.accept[in.Symbol.Ticker]
	return signal.Composite{
		Symbol:         in.Symbol.Ticker,
		Accepted:       ok,
		Confidence:     conf,
		Agree:          2,
		AgreementLevel: signal.AgreementMedium,
	}
}

type fakeSizer struct {
	err   error
	sized []string
}

func (f *fakeSizer) Size(sig signal.Composite, _ marketdata.Quote, _ decimal.Decimal, _ []position.Position, _ int) (sizing.OrderIntent, error) {
	if f.err != nil {
		return sizing.OrderIntent{}, f.err
	}
	f.sized = append(f.sized, sig.Symbol)
	return sizing.OrderIntent{Symbol: sig.Symbol, Quantity: 10, MaxPrice: decimal.NewFromFloat(50.10)}, nil
}

type fakeAccount struct{ err error }

func (f *fakeAccount) Balance(context.Context) (broker.AccountSnapshot, error) {
	if f.err != nil {
		return broker.AccountSnapshot{}, f.err
	}
	return broker.AccountSnapshot{CashAvailableForInvestment: decimal.NewFromInt(10000)}, nil
}

type fakeTrader struct {
	mu         sync.Mutex
	entered    []sizing.OrderIntent
	exited     []trailing.ExitIntent
	reconciles int
	resets     int
	counters   state.Counters
	enterErr   error
}

func (f *fakeTrader) Enter(_ context.Context, intent sizing.OrderIntent) (position.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enterErr != nil {
		return position.Position{}, f.enterErr
	}
	f.entered = append(f.entered, intent)
	return position.New(intent.Symbol, intent.Quantity, decimal.NewFromFloat(50.00), time.Now()), nil
}

func (f *fakeTrader) Exit(_ context.Context, intent trailing.ExitIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = append(f.exited, intent)
	return nil
}

func (f *fakeTrader) Reconcile(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return nil
}

func (f *fakeTrader) Counters() state.Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}

func (f *fakeTrader) ResetCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

type fakePositions struct{ ticks int }

func (f *fakePositions) TickAll(context.Context) { f.ticks++ }

type fakeAuth struct {
	renews int
	err    error
}

func (f *fakeAuth) Renew(context.Context) error {
	f.renews++
	return f.err
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) kinds() []events.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Kind, len(b.events))
	for i, e := range b.events {
		out[i] = e.Kind
	}
	return out
}

type harness struct {
	sched  *Scheduler
	store  *position.Store
	quotes *fakeQuotes
	news   *fakeNews
	eval   *fakeEval
	sizer  *fakeSizer
	trader *fakeTrader
	auth   *fakeAuth
	bus    *recordingBus
}

func newHarness(t *testing.T, flattenAtClose bool) *harness {
	t.Helper()
	cfg := &config.Config{
		Session: config.SessionConfig{
			ExchangeTimezone:  "America/New_York",
			ScanIntervalSec:   30,
			PositionTickSec:   5,
			ReconcileEveryMin: 10,
			FlattenAtClose:    flattenAtClose,
		},
	}
	h := &harness{
		store: position.NewStore(nil),
		quotes: &fakeQuotes{quotes: map[string]marketdata.Quote{
			"TQQQ": {Symbol: "TQQQ", Last: decimal.NewFromFloat(50.00), Ask: decimal.NewFromFloat(50.02)},
			"SQQQ": {Symbol: "SQQQ", Last: decimal.NewFromFloat(20.00), Ask: decimal.NewFromFloat(20.01)},
		}},
		news:   &fakeNews{},
		eval:   &fakeEval{accept: map[string]float64{"TQQQ": 0.95}},
		sizer:  &fakeSizer{},
		trader: &fakeTrader{},
		auth:   &fakeAuth{},
		bus:    &recordingBus{},
	}

	cal, err := LoadCalendar("")
	require.NoError(t, err)

	h.sched, err = NewScheduler(cfg, Deps{
		Universe:   testUniverse(t),
		Calendar:   cal,
		Store:      h.store,
		Quotes:     h.quotes,
		Indicators: fakeIndicators{},
		Bars:       fakeBars{},
		News:       h.news,
		Engine:     h.eval,
		Sizer:      h.sizer,
		Account:    &fakeAccount{},
		Trader:     h.trader,
		Positions:  &fakePositions{},
		Auth:       h.auth,
		Bus:        h.bus,
	})
	require.NoError(t, err)
	return h
}

// setClock pins the scheduler's clock to a New York wall time on a
// regular Monday.
func (h *harness) setClock(t *testing.T, hour, minute int) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	at := time.Date(2026, 8, 24, hour, minute, 0, 0, loc)
	h.sched.now = func() time.Time { return at }
}

func TestScheduler_PrepTransition(t *testing.T) {
	h := newHarness(t, false)
	h.setClock(t, 4, 30)

	h.sched.checkPhase(context.Background())

	assert.Equal(t, PhasePrep, h.sched.Phase())
	assert.Equal(t, 1, h.trader.resets)
	assert.Equal(t, 1, h.auth.renews)
	assert.Equal(t, 1, h.trader.reconciles)
	assert.Equal(t, []string{"NDX"}, h.news.warmed)
	assert.Equal(t, 1, h.quotes.calls, "quote cache warmed")
	assert.Contains(t, h.bus.kinds(), events.KindPhaseChanged)
}

func TestScheduler_TradingAllowedOnlyWhenOpen(t *testing.T) {
	h := newHarness(t, false)

	for _, tc := range []struct {
		hour, minute int
		allowed      bool
	}{
		{2, 0, false},
		{8, 0, false},
		{10, 0, true},
		{17, 0, false},
	} {
		h.setClock(t, tc.hour, tc.minute)
		h.sched.checkPhase(context.Background())
		assert.Equal(t, tc.allowed, h.sched.TradingAllowed(), "%02d:%02d", tc.hour, tc.minute)
	}
}

func TestScan_EntersAcceptedCandidates(t *testing.T) {
	h := newHarness(t, false)
	h.setClock(t, 10, 0)
	h.sched.checkPhase(context.Background())

	h.sched.scan(context.Background())

	require.Len(t, h.trader.entered, 1)
	assert.Equal(t, "TQQQ", h.trader.entered[0].Symbol)
	assert.Equal(t, []string{"TQQQ"}, h.sizer.sized)

	kinds := h.bus.kinds()
	assert.Contains(t, kinds, events.KindSignalAccepted)
	assert.Contains(t, kinds, events.KindScanTickCompleted)
}

func TestScan_HeldSymbolsSkipped(t *testing.T) {
	h := newHarness(t, false)
	h.setClock(t, 10, 0)
	h.sched.checkPhase(context.Background())
	require.NoError(t, h.store.Add(position.New("TQQQ", 10, decimal.NewFromFloat(49), time.Now())))

	h.sched.scan(context.Background())
	assert.Empty(t, h.trader.entered)
}

func TestScan_QuoteBatchFailureAbortsScan(t *testing.T) {
	h := newHarness(t, false)
	h.setClock(t, 10, 0)
	h.sched.checkPhase(context.Background())
	h.quotes.err = fmt.Errorf("all providers down")

	h.sched.scan(context.Background())
	assert.Empty(t, h.trader.entered)
	assert.NotContains(t, h.bus.kinds(), events.KindScanTickCompleted)
}

func TestScan_CapReachedStopsEntries(t *testing.T) {
	h := newHarness(t, false)
	h.setClock(t, 10, 0)
	h.sched.checkPhase(context.Background())
	h.sizer.err = sizing.ErrPositionCapReached

	h.sched.scan(context.Background())
	assert.Empty(t, h.trader.entered)
}

func TestDispatch_CoalescesOverlappingTicks(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var busy atomic.Bool
	var wg sync.WaitGroup
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	h.sched.dispatch(ctx, "scan", &busy, &wg, func(context.Context) {
		runs.Add(1)
		close(started)
		<-release
	})
	<-started

	// Fires while the first tick is still in flight: skipped.
	h.sched.dispatch(ctx, "scan", &busy, &wg, func(context.Context) {
		runs.Add(1)
	})

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), runs.Load())

	// After the first completes the cadence accepts ticks again.
	h.sched.dispatch(ctx, "scan", &busy, &wg, func(context.Context) {
		runs.Add(1)
	})
	wg.Wait()
	assert.Equal(t, int32(2), runs.Load())
}

func TestDispatch_SlowScanDoesNotBlockPositionTick(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var scanBusy, posBusy atomic.Bool
	var wg sync.WaitGroup
	scanStarted := make(chan struct{})
	scanRelease := make(chan struct{})

	h.sched.dispatch(ctx, "scan", &scanBusy, &wg, func(context.Context) {
		close(scanStarted)
		<-scanRelease
	})
	<-scanStarted

	ticked := make(chan struct{})
	h.sched.dispatch(ctx, "positions", &posBusy, &wg, func(context.Context) {
		close(ticked)
	})

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("position tick waited on the scan cadence")
	}

	close(scanRelease)
	wg.Wait()
}

func TestHeartbeat_HolidayThrottledHourly(t *testing.T) {
	h := newHarness(t, false)
	path := filepath.Join(t.TempDir(), "holidays.yaml")
	require.NoError(t, os.WriteFile(path, []byte("holidays:\n  - date: 2026-08-24\n    name: Test Holiday\n"), 0o644))
	cal, err := LoadCalendar(path)
	require.NoError(t, err)
	h.sched.cal = cal

	h.setClock(t, 2, 0)
	h.sched.heartbeat()
	first := h.sched.lastHeartbeat
	assert.False(t, first.IsZero())

	// One minute later: inside the holiday hour, no emission.
	h.setClock(t, 2, 1)
	h.sched.heartbeat()
	assert.Equal(t, first, h.sched.lastHeartbeat)

	// Past the hour the heartbeat fires again.
	h.setClock(t, 3, 1)
	h.sched.heartbeat()
	assert.True(t, h.sched.lastHeartbeat.After(first))
}

func TestHeartbeat_RegularDarkDayEveryTick(t *testing.T) {
	h := newHarness(t, false)

	h.setClock(t, 2, 0)
	h.sched.heartbeat()
	first := h.sched.lastHeartbeat

	h.setClock(t, 2, 1)
	h.sched.heartbeat()
	assert.True(t, h.sched.lastHeartbeat.After(first))
}

func TestSafeRun_ContainsPanic(t *testing.T) {
	h := newHarness(t, false)
	h.setClock(t, 10, 0)
	h.sched.checkPhase(context.Background())
	h.eval.panicMsg = "strategy blew up"

	require.NotPanics(t, func() {
		h.sched.safeRun(context.Background(), "scan", h.sched.scan)
	})
	assert.Contains(t, h.bus.kinds(), events.KindFatalError)
}

func TestScheduler_EndOfDaySummary(t *testing.T) {
	h := newHarness(t, false)
	h.trader.counters = state.Counters{TradesToday: 4, RealizedPnLToday: decimal.NewFromFloat(312.50)}

	h.setClock(t, 16, 30)
	h.sched.checkPhase(context.Background())
	require.Equal(t, PhaseCooldown, h.sched.Phase())

	h.setClock(t, 20, 1)
	h.sched.checkPhase(context.Background())
	require.Equal(t, PhaseDark, h.sched.Phase())

	var summary *events.Event
	for i := range h.bus.events {
		if h.bus.events[i].Kind == events.KindEndOfDaySummary {
			summary = &h.bus.events[i]
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, 4, summary.Payload["trades"])
	assert.Equal(t, "312.5", summary.Payload["realized_pnl"])
}

func TestScheduler_FlattenAtClose(t *testing.T) {
	h := newHarness(t, true)
	p := position.New("TQQQ", 70, decimal.NewFromFloat(50.00), time.Now())
	require.NoError(t, h.store.Add(p))

	h.setClock(t, 16, 30)
	h.sched.checkPhase(context.Background())

	require.Len(t, h.trader.exited, 1)
	assert.Equal(t, p.ID, h.trader.exited[0].PositionID)
	assert.Equal(t, reasonSessionClose, h.trader.exited[0].Reason)
}

func TestScheduler_NoFlattenByDefault(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.store.Add(position.New("TQQQ", 70, decimal.NewFromFloat(50.00), time.Now())))

	h.setClock(t, 16, 30)
	h.sched.checkPhase(context.Background())
	assert.Empty(t, h.trader.exited)
}
