package marketdata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
)

// fakeProvider is a scriptable provider for fabric tests.
type fakeProvider struct {
	name       string
	batchLimit int

	mu         sync.Mutex
	quoteCalls int
	batchCalls int
	barCalls   int
	failQuotes bool
	failBatch  bool
}

func (p *fakeProvider) Name() string    { return p.name }
func (p *fakeProvider) BatchLimit() int { return p.batchLimit }

func (p *fakeProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteCalls++
	if p.failQuotes {
		return Quote{}, fmt.Errorf("%s is down", p.name)
	}
	return Quote{
		Symbol:    symbol,
		Last:      decimal.NewFromFloat(42.5),
		Bid:       decimal.NewFromFloat(42.49),
		Ask:       decimal.NewFromFloat(42.51),
		Timestamp: time.Now(),
	}, nil
}

func (p *fakeProvider) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	p.mu.Lock()
	p.batchCalls++
	fail := p.failBatch
	p.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%s is down", p.name)
	}
	out := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		out[s] = Quote{Symbol: s, Last: decimal.NewFromFloat(10), Timestamp: time.Now()}
	}
	return out, nil
}

func (p *fakeProvider) Bars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.barCalls++
	bars := make([]Bar, count)
	base := time.Now().Add(-time.Duration(count) * time.Minute)
	for i := range bars {
		bars[i] = Bar{Time: base.Add(time.Duration(i) * time.Minute), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1000}
	}
	return bars, nil
}

func testFabric(t *testing.T, providers ...*fakeProvider) *Fabric {
	t.Helper()
	pcfg := config.ProviderConfig{Enabled: true, CallsPerMinute: 6000, BurstCapacity: 100}
	f := &Fabric{
		batchSize:    50,
		quotes:       newQuoteCache(64, time.Minute),
		bars:         newBarCache(64, time.Minute, time.Hour),
		quoteTTL:     time.Minute,
		bus:          events.NopPublisher{},
		logger:       config.NewLogger("marketdata-test"),
		lastFailover: map[string]time.Time{},
	}
	for _, p := range providers {
		f.providers = append(f.providers, newGuardedProvider(p, pcfg, time.Second, f.onCircuitChange))
	}
	return f
}

func TestGetQuote_CachesWithinTTL(t *testing.T) {
	p := &fakeProvider{name: "primary", batchLimit: 50}
	f := testFabric(t, p)

	q1, err := f.GetQuote(context.Background(), "TQQQ")
	require.NoError(t, err)
	assert.Equal(t, "TQQQ", q1.Symbol)

	_, err = f.GetQuote(context.Background(), "TQQQ")
	require.NoError(t, err)
	assert.Equal(t, 1, p.quoteCalls, "second lookup should hit the cache")
}

func TestRefreshQuote_BypassesCache(t *testing.T) {
	p := &fakeProvider{name: "primary", batchLimit: 50}
	f := testFabric(t, p)

	_, err := f.GetQuote(context.Background(), "SQQQ")
	require.NoError(t, err)
	_, err = f.RefreshQuote(context.Background(), "SQQQ")
	require.NoError(t, err)
	assert.Equal(t, 2, p.quoteCalls)
}

func TestGetQuote_FailsOverInPriorityOrder(t *testing.T) {
	down := &fakeProvider{name: "primary", batchLimit: 50, failQuotes: true}
	up := &fakeProvider{name: "backup", batchLimit: 1}
	f := testFabric(t, down, up)

	q, err := f.GetQuote(context.Background(), "UPRO")
	require.NoError(t, err)
	assert.Equal(t, "UPRO", q.Symbol)
	assert.Equal(t, 1, down.quoteCalls)
	assert.Equal(t, 1, up.quoteCalls)
}

func TestGetQuote_AllProvidersDown(t *testing.T) {
	a := &fakeProvider{name: "a", batchLimit: 1, failQuotes: true}
	b := &fakeProvider{name: "b", batchLimit: 1, failQuotes: true}
	f := testFabric(t, a, b)

	_, err := f.GetQuote(context.Background(), "TQQQ")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestGetQuote_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	down := &fakeProvider{name: "primary", batchLimit: 50, failQuotes: true}
	up := &fakeProvider{name: "backup", batchLimit: 1}
	f := testFabric(t, down, up)

	for i := 0; i < providerFailureThreshold+2; i++ {
		_, err := f.RefreshQuote(context.Background(), "TQQQ")
		require.NoError(t, err) // backup serves every time
	}

	// Once the circuit opens the primary stops being tried at all.
	assert.Equal(t, providerFailureThreshold, down.quoteCalls)
	health := f.ProviderStatus()
	require.Len(t, health, 2)
	assert.Equal(t, "open", health[0].CircuitState)
	assert.Equal(t, "closed", health[1].CircuitState)
}

func TestBatchQuotes_ChunksToProviderLimit(t *testing.T) {
	p := &fakeProvider{name: "primary", batchLimit: 10}
	f := testFabric(t, p)

	symbols := make([]string, 25)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
	}

	out, err := f.BatchQuotes(context.Background(), symbols)
	require.NoError(t, err)
	assert.Len(t, out, 25)
	assert.Equal(t, 3, p.batchCalls, "25 symbols at limit 10 should take 3 calls")
}

func TestBatchQuotes_ServesCachedAndFetchesRest(t *testing.T) {
	p := &fakeProvider{name: "primary", batchLimit: 50}
	f := testFabric(t, p)

	_, err := f.GetQuote(context.Background(), "TQQQ")
	require.NoError(t, err)

	out, err := f.BatchQuotes(context.Background(), []string{"TQQQ", "SQQQ"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, p.batchCalls, "cached symbol must not be refetched")
}

func TestBatchQuotes_FailsOverWholeBatch(t *testing.T) {
	down := &fakeProvider{name: "primary", batchLimit: 50, failBatch: true}
	up := &fakeProvider{name: "backup", batchLimit: 20}
	f := testFabric(t, down, up)

	out, err := f.BatchQuotes(context.Background(), []string{"TQQQ", "SQQQ", "UPRO"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, 1, up.batchCalls)
}

func TestGetBars_SkipsBrokerAndCaches(t *testing.T) {
	brokerSide := &fakeProvider{name: "broker", batchLimit: 50}
	history := &fakeProvider{name: "polygon", batchLimit: 1}
	f := testFabric(t, brokerSide, history)

	bars, err := f.GetBars(context.Background(), "TQQQ", Timeframe5m, 30)
	require.NoError(t, err)
	assert.Len(t, bars, 30)
	assert.Equal(t, 0, brokerSide.barCalls, "broker never serves bars")
	assert.Equal(t, 1, history.barCalls)

	_, err = f.GetBars(context.Background(), "TQQQ", Timeframe5m, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, history.barCalls, "second lookup should hit the bar cache")
}

func TestGetBars_RejectsInvalidTimeframe(t *testing.T) {
	f := testFabric(t, &fakeProvider{name: "primary", batchLimit: 1})
	_, err := f.GetBars(context.Background(), "TQQQ", Timeframe("7m"), 10)
	require.Error(t, err)
}

func TestGuard_DailyBudgetExhausts(t *testing.T) {
	p := &fakeProvider{name: "primary", batchLimit: 1}
	g := newGuardedProvider(p, config.ProviderConfig{
		Enabled: true, CallsPerMinute: 6000, BurstCapacity: 100, DailyBudget: 2,
	}, time.Second, nil)

	for i := 0; i < 2; i++ {
		_, err := g.do(context.Background(), func() (interface{}, error) {
			return p.Quote(context.Background(), "TQQQ")
		})
		require.NoError(t, err)
	}

	_, err := g.do(context.Background(), func() (interface{}, error) {
		return p.Quote(context.Background(), "TQQQ")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.False(t, g.available())
}

func TestGuard_RateLimitFailsFastPastMaxWait(t *testing.T) {
	p := &fakeProvider{name: "primary", batchLimit: 1}
	g := newGuardedProvider(p, config.ProviderConfig{
		Enabled: true, CallsPerMinute: 1, BurstCapacity: 1,
	}, 10*time.Millisecond, nil)

	_, err := g.do(context.Background(), func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)

	_, err = g.do(context.Background(), func() (interface{}, error) { return nil, nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestTimeframe(t *testing.T) {
	assert.True(t, Timeframe5m.Intraday())
	assert.False(t, Timeframe1h.Intraday())
	assert.False(t, Timeframe1d.Intraday())
	assert.True(t, Timeframe1d.Valid())
	assert.False(t, Timeframe("2h").Valid())
}
