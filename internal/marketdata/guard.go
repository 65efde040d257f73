package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ees-trading/ees/internal/config"
)

// ErrRateLimited means the provider's token bucket could not admit the
// call within maxWait. The fabric treats it as a failover signal, not a
// circuit failure.
var ErrRateLimited = fmt.Errorf("provider rate limit exceeded")

// ErrBudgetExhausted means the provider's daily call budget is spent.
var ErrBudgetExhausted = fmt.Errorf("provider daily budget exhausted")

// Circuit thresholds for market-data upstreams.
const (
	providerFailureThreshold = 5
	providerFailureWindow    = 30 * time.Second
	providerOpenCooldown     = 60 * time.Second
	providerHalfOpenProbes   = 1
)

// guardedProvider wraps a Provider with a circuit breaker, a token
// bucket and a daily budget. Provider-local state is serialized here so
// the raw providers stay stateless.
type guardedProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	maxWait  time.Duration

	dailyBudget int
	callsToday  atomic.Int64
	budgetDay   atomic.Value // string YYYY-MM-DD

	mu          sync.Mutex
	lastErr     error
	lastErrTime time.Time

	logger zerolog.Logger
}

func newGuardedProvider(p Provider, cfg config.ProviderConfig, maxWait time.Duration, onStateChange func(name string, from, to gobreaker.State)) *guardedProvider {
	perSecond := rate.Limit(float64(cfg.CallsPerMinute) / 60.0)
	if perSecond <= 0 {
		perSecond = rate.Inf
	}
	burst := cfg.BurstCapacity
	if burst < 1 {
		burst = 1
	}

	g := &guardedProvider{
		provider:    p,
		limiter:     rate.NewLimiter(perSecond, burst),
		maxWait:     maxWait,
		dailyBudget: cfg.DailyBudget,
		logger:      config.NewProviderLogger(p.Name()),
	}
	g.budgetDay.Store(time.Now().Format("2006-01-02"))

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: providerHalfOpenProbes,
		Interval:    providerFailureWindow,
		Timeout:     providerOpenCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= providerFailureThreshold
		},
		OnStateChange: onStateChange,
	})

	return g
}

// available reports whether a call could be admitted right now without
// waiting: circuit not open and budget remaining.
func (g *guardedProvider) available() bool {
	if g.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return g.budgetRemaining()
}

func (g *guardedProvider) budgetRemaining() bool {
	if g.dailyBudget <= 0 {
		return true
	}
	today := time.Now().Format("2006-01-02")
	if g.budgetDay.Load().(string) != today {
		g.budgetDay.Store(today)
		g.callsToday.Store(0)
	}
	return g.callsToday.Load() < int64(g.dailyBudget)
}

// do admits one provider call through the bucket and the breaker.
func (g *guardedProvider) do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if !g.budgetRemaining() {
		return nil, fmt.Errorf("%w: %s", ErrBudgetExhausted, g.provider.Name())
	}

	res := g.limiter.Reserve()
	if !res.OK() {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, g.provider.Name())
	}
	delay := res.Delay()
	if delay > g.maxWait {
		res.Cancel()
		return nil, fmt.Errorf("%w: %s would wait %s", ErrRateLimited, g.provider.Name(), delay)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			res.Cancel()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	g.callsToday.Add(1)

	out, err := g.breaker.Execute(fn)
	if err != nil {
		g.mu.Lock()
		g.lastErr = err
		g.lastErrTime = time.Now()
		g.mu.Unlock()
	}
	return out, err
}

func (g *guardedProvider) health() ProviderHealth {
	h := ProviderHealth{
		Name:        g.provider.Name(),
		DailyBudget: g.dailyBudget,
		CallsToday:  g.callsToday.Load(),
	}
	switch g.breaker.State() {
	case gobreaker.StateClosed:
		h.CircuitState = "closed"
	case gobreaker.StateOpen:
		h.CircuitState = "open"
	case gobreaker.StateHalfOpen:
		h.CircuitState = "half_open"
	}
	g.mu.Lock()
	if g.lastErr != nil {
		h.LastError = g.lastErr.Error()
		h.LastErrorTime = g.lastErrTime
	}
	g.mu.Unlock()
	return h
}
