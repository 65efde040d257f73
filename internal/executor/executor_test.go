package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ees-trading/ees/internal/broker"
	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
	"github.com/ees-trading/ees/internal/position"
	"github.com/ees-trading/ees/internal/sizing"
	"github.com/ees-trading/ees/internal/trailing"
)

type fakeBroker struct {
	mu sync.Mutex

	previewErr  error
	placeErrs   []error // consumed per call; nil entry means success
	statuses    []broker.OrderStatus
	positions   []broker.BrokerPosition
	positionErr error

	previewCalls int
	placeReqs    []broker.OrderRequest
	statusCalls  int
}

func (f *fakeBroker) PreviewOrder(_ context.Context, req broker.OrderRequest) (broker.PreviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewCalls++
	if f.previewErr != nil {
		return broker.PreviewResult{}, f.previewErr
	}
	return broker.PreviewResult{PreviewID: "pv-1", EstimatedCost: req.LimitPrice.Mul(decimal.NewFromInt(req.Quantity))}, nil
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req broker.OrderRequest, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeReqs = append(f.placeReqs, req)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("ord-%d", len(f.placeReqs)), nil
}

func (f *fakeBroker) OrderStatusByID(_ context.Context, orderID string) (broker.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return broker.OrderStatus{OrderID: orderID, State: broker.OrderOpen}, nil
	}
	idx := f.statusCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1 // keep reporting the final scripted state
	}
	st := f.statuses[idx]
	f.statusCalls++
	st.OrderID = orderID
	return st, nil
}

func (f *fakeBroker) Positions(context.Context) ([]broker.BrokerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionErr != nil {
		return nil, f.positionErr
	}
	return f.positions, nil
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

func testExecutor(api brokerAPI, allowed func() bool) (*Executor, *position.Store, *recordingBus) {
	store := position.NewStore(nil)
	bus := &recordingBus{}
	cfg := config.ExecutorConfig{OrderPollIntervalSec: 1, FillTimeoutSec: 30}
	return New(cfg, api, store, bus, nil, allowed), store, bus
}

func buyIntent() sizing.OrderIntent {
	return sizing.OrderIntent{
		Symbol:   "TQQQ",
		Quantity: 70,
		MaxPrice: decimal.NewFromFloat(50.10),
	}
}

func TestEnter_FullLifecycle(t *testing.T) {
	api := &fakeBroker{
		statuses: []broker.OrderStatus{{
			State:          broker.OrderExecuted,
			FilledQuantity: 70,
			AvgFillPrice:   decimal.NewFromFloat(50.05),
		}},
	}
	exec, store, bus := testExecutor(api, nil)

	p, err := exec.Enter(context.Background(), buyIntent())
	require.NoError(t, err)

	assert.Equal(t, "TQQQ", p.Symbol)
	assert.Equal(t, int64(70), p.Quantity)
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromFloat(50.05)))
	assert.Equal(t, position.StateInactive, p.State)
	assert.True(t, store.Holds("TQQQ"))
	assert.Equal(t, 1, exec.Counters().TradesToday)

	require.Len(t, api.placeReqs, 1)
	assert.NotEmpty(t, api.placeReqs[0].ClientOrderID)
	assert.Equal(t, position.OwnerTag, api.placeReqs[0].OwnerTag)
	assert.Equal(t, broker.PriceTypeLimit, api.placeReqs[0].PriceType)

	assert.Equal(t, []events.Kind{
		events.KindOrderPlaced,
		events.KindOrderFilled,
		events.KindPositionOpened,
	}, bus.kinds())
}

func TestEnter_RejectedOutsideTradingPhase(t *testing.T) {
	api := &fakeBroker{}
	exec, _, _ := testExecutor(api, func() bool { return false })

	_, err := exec.Enter(context.Background(), buyIntent())
	assert.ErrorIs(t, err, ErrTradingClosed)
	assert.Zero(t, api.previewCalls)
}

// The entry gate composes session phase with auth health, the way the
// binary wires it: a halted credential blocks entries even mid-session.
func TestEnter_RejectedWhileAuthHalted(t *testing.T) {
	api := &fakeBroker{
		statuses: []broker.OrderStatus{{
			State:          broker.OrderExecuted,
			FilledQuantity: 70,
			AvgFillPrice:   decimal.NewFromFloat(50.05),
		}},
	}
	sessionOpen := true
	authHalted := false
	exec, _, _ := testExecutor(api, func() bool { return sessionOpen && !authHalted })

	authHalted = true
	_, err := exec.Enter(context.Background(), buyIntent())
	assert.ErrorIs(t, err, ErrTradingClosed)
	assert.Zero(t, api.previewCalls)

	authHalted = false
	_, err = exec.Enter(context.Background(), buyIntent())
	require.NoError(t, err)
}

func TestEnter_RejectedWhenAlreadyHeld(t *testing.T) {
	api := &fakeBroker{}
	exec, store, _ := testExecutor(api, nil)
	require.NoError(t, store.Add(position.New("TQQQ", 10, decimal.NewFromFloat(49), time.Now())))

	_, err := exec.Enter(context.Background(), buyIntent())
	assert.ErrorIs(t, err, ErrAlreadyHeld)
	assert.Zero(t, api.previewCalls)
}

func TestEnter_PreviewFailureEmitsRejection(t *testing.T) {
	api := &fakeBroker{previewErr: fmt.Errorf("insufficient funds")}
	exec, store, bus := testExecutor(api, nil)

	_, err := exec.Enter(context.Background(), buyIntent())
	require.Error(t, err)
	assert.Empty(t, api.placeReqs)
	assert.False(t, store.Holds("TQQQ"))
	assert.Equal(t, []events.Kind{events.KindOrderRejected}, bus.kinds())
}

func TestEnter_PlaceRetriesOnceWithSameIdempotencyKey(t *testing.T) {
	api := &fakeBroker{
		placeErrs: []error{fmt.Errorf("connection reset"), nil},
		statuses: []broker.OrderStatus{{
			State:          broker.OrderExecuted,
			FilledQuantity: 70,
			AvgFillPrice:   decimal.NewFromFloat(50.00),
		}},
	}
	exec, _, _ := testExecutor(api, nil)

	_, err := exec.Enter(context.Background(), buyIntent())
	require.NoError(t, err)

	require.Len(t, api.placeReqs, 2)
	assert.Equal(t, api.placeReqs[0].ClientOrderID, api.placeReqs[1].ClientOrderID)
}

func TestEnter_BrokerRejectionSurfaces(t *testing.T) {
	api := &fakeBroker{
		statuses: []broker.OrderStatus{{
			State:  broker.OrderRejected,
			Reason: "price out of band",
		}},
	}
	exec, store, bus := testExecutor(api, nil)

	_, err := exec.Enter(context.Background(), buyIntent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price out of band")
	assert.False(t, store.Holds("TQQQ"))
	assert.Contains(t, bus.kinds(), events.KindOrderRejected)
	assert.Zero(t, exec.Counters().TradesToday)
}

func openPosition(t *testing.T, store *position.Store) position.Position {
	t.Helper()
	p := position.New("TQQQ", 70, decimal.NewFromFloat(50.00), time.Now().Add(-time.Hour))
	p.LastPrice = decimal.NewFromFloat(54.00)
	p.State = position.StateExplosive
	p.ExitInFlight = true
	require.NoError(t, store.Add(p))
	return p
}

func TestExit_ClosesAndBooksPnL(t *testing.T) {
	api := &fakeBroker{
		statuses: []broker.OrderStatus{{
			State:          broker.OrderExecuted,
			FilledQuantity: 70,
			AvgFillPrice:   decimal.NewFromFloat(54.00),
		}},
	}
	exec, store, bus := testExecutor(api, nil)
	p := openPosition(t, store)

	err := exec.Exit(context.Background(), trailing.ExitIntent{
		PositionID: p.ID, Symbol: p.Symbol, Quantity: p.Quantity, Reason: trailing.ReasonStopHit,
	})
	require.NoError(t, err)

	assert.False(t, store.Holds("TQQQ"))
	// (54.00 - 50.00) x 70 = 280
	assert.True(t, exec.Counters().RealizedPnLToday.Equal(decimal.NewFromInt(280)),
		"got %s", exec.Counters().RealizedPnLToday)

	require.Len(t, api.placeReqs, 1)
	assert.Equal(t, broker.SideSell, api.placeReqs[0].Side)
	assert.Equal(t, broker.PriceTypeMarket, api.placeReqs[0].PriceType)
	assert.Contains(t, bus.kinds(), events.KindPositionClosed)
}

func TestExit_RedeliveryIsNoOp(t *testing.T) {
	api := &fakeBroker{}
	exec, _, _ := testExecutor(api, nil)

	err := exec.Exit(context.Background(), trailing.ExitIntent{PositionID: "gone", Symbol: "TQQQ"})
	require.NoError(t, err)
	assert.Empty(t, api.placeReqs)
}

func TestExit_PlaceFailureReArmsPosition(t *testing.T) {
	api := &fakeBroker{
		placeErrs: []error{fmt.Errorf("down"), fmt.Errorf("still down")},
	}
	exec, store, _ := testExecutor(api, nil)
	p := openPosition(t, store)

	err := exec.Exit(context.Background(), trailing.ExitIntent{
		PositionID: p.ID, Symbol: p.Symbol, Quantity: p.Quantity, Reason: trailing.ReasonStopHit,
	})
	require.Error(t, err)

	got, ok := store.Get(p.ID)
	require.True(t, ok)
	assert.False(t, got.ExitInFlight, "next tick must be able to retry the exit")
}

func TestExit_PartialFillKeepsRemainder(t *testing.T) {
	api := &fakeBroker{
		statuses: []broker.OrderStatus{{
			State:          broker.OrderPartiallyFilled,
			FilledQuantity: 30,
			AvgFillPrice:   decimal.NewFromFloat(54.00),
		}},
	}
	exec, store, bus := testExecutor(api, nil)
	// Short timeout so the poll loop gives up on the non-terminal state.
	exec.cfg.FillTimeoutSec = 1
	p := openPosition(t, store)

	err := exec.Exit(context.Background(), trailing.ExitIntent{
		PositionID: p.ID, Symbol: p.Symbol, Quantity: p.Quantity, Reason: trailing.ReasonTakeProfit,
	})
	require.NoError(t, err)

	got, ok := store.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, int64(40), got.Quantity)
	assert.Equal(t, position.StateExplosive, got.State, "remainder keeps its trailing state")
	assert.False(t, got.ExitInFlight)
	// (54.00 - 50.00) x 30 = 120
	assert.True(t, exec.Counters().RealizedPnLToday.Equal(decimal.NewFromInt(120)))
	assert.Contains(t, bus.kinds(), events.KindPartialExit)
}

func TestReconcile_AdoptsTaggedPositions(t *testing.T) {
	api := &fakeBroker{
		positions: []broker.BrokerPosition{
			{Symbol: "SQQQ", Quantity: 40, EntryPrice: decimal.NewFromFloat(20.00), OwnerTag: position.OwnerTag},
			{Symbol: "AAPL", Quantity: 10, EntryPrice: decimal.NewFromFloat(180.00)}, // foreign, untouched
		},
	}
	exec, store, bus := testExecutor(api, nil)

	require.NoError(t, exec.Reconcile(context.Background()))

	got, ok := store.GetBySymbol("SQQQ")
	require.True(t, ok)
	assert.True(t, got.Adopted)
	assert.Equal(t, position.StateTrailing, got.State)
	assert.True(t, got.StopPrice.Equal(decimal.NewFromFloat(19.40)), "stop %s", got.StopPrice)

	assert.False(t, store.Holds("AAPL"))
	assert.Contains(t, bus.kinds(), events.KindPositionAdopted)
}

func TestReconcile_KnownPositionNotReadopted(t *testing.T) {
	api := &fakeBroker{
		positions: []broker.BrokerPosition{
			{Symbol: "TQQQ", Quantity: 70, EntryPrice: decimal.NewFromFloat(50.00), OwnerTag: position.OwnerTag},
		},
	}
	exec, store, bus := testExecutor(api, nil)
	p := position.New("TQQQ", 70, decimal.NewFromFloat(50.00), time.Now())
	require.NoError(t, store.Add(p))

	require.NoError(t, exec.Reconcile(context.Background()))

	got, _ := store.GetBySymbol("TQQQ")
	assert.Equal(t, p.ID, got.ID)
	assert.False(t, got.Adopted)
	assert.NotContains(t, bus.kinds(), events.KindPositionAdopted)
}

func TestReconcile_MarksExternallyClosedPositions(t *testing.T) {
	api := &fakeBroker{} // broker holds nothing
	exec, store, bus := testExecutor(api, nil)

	p := position.New("TQQQ", 70, decimal.NewFromFloat(50.00), time.Now().Add(-time.Hour))
	p.LastPrice = decimal.NewFromFloat(52.00)
	require.NoError(t, store.Add(p))

	require.NoError(t, exec.Reconcile(context.Background()))

	assert.False(t, store.Holds("TQQQ"))
	// (52.00 - 50.00) x 70 = 140 booked from the last known price.
	assert.True(t, exec.Counters().RealizedPnLToday.Equal(decimal.NewFromInt(140)))
	assert.Contains(t, bus.kinds(), events.KindPositionClosed)
}

func TestReconcile_ExitInFlightMismatchLeftAlone(t *testing.T) {
	api := &fakeBroker{}
	exec, store, _ := testExecutor(api, nil)
	p := openPosition(t, store) // ExitInFlight = true

	require.NoError(t, exec.Reconcile(context.Background()))
	assert.True(t, store.Holds(p.Symbol), "working sell explains the gap, exit path finishes it")
}

func TestReconcile_BrokerErrorSurfaces(t *testing.T) {
	api := &fakeBroker{positionErr: fmt.Errorf("503")}
	exec, _, _ := testExecutor(api, nil)
	assert.Error(t, exec.Reconcile(context.Background()))
}

func TestDrainExits_StopsOnContextCancel(t *testing.T) {
	api := &fakeBroker{
		statuses: []broker.OrderStatus{{
			State:          broker.OrderExecuted,
			FilledQuantity: 70,
			AvgFillPrice:   decimal.NewFromFloat(54.00),
		}},
	}
	exec, store, _ := testExecutor(api, nil)
	p := openPosition(t, store)

	exits := make(chan trailing.ExitIntent, 1)
	exits <- trailing.ExitIntent{PositionID: p.ID, Symbol: p.Symbol, Quantity: p.Quantity, Reason: trailing.ReasonStopHit}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		exec.DrainExits(ctx, exits)
		close(done)
	}()

	require.Eventually(t, func() bool { return !store.Holds("TQQQ") }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain loop did not stop")
	}
}
