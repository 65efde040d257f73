package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
)

// Fabric fronts the provider roster with caching and priority failover.
// Callers never see which upstream served them; they see a quote, bars,
// or a terminal error after the whole roster has been tried.
type Fabric struct {
	providers []*guardedProvider // in failover priority order
	batchSize int

	quotes  *quoteCache
	bars    *barCache
	quoteL2 *redisQuoteCache // nil when redis is disabled

	quoteTTL time.Duration
	bus      events.Publisher
	logger   zerolog.Logger

	mu           sync.Mutex
	lastFailover map[string]time.Time // provider -> last failover event, for dedup
}

// NewFabric assembles the fabric from the configured provider order.
// The broker provider is built from the supplied quote service; the
// HTTP providers are built from their configs. Providers that are
// disabled or missing credentials are skipped with a warning.
func NewFabric(cfg *config.Config, brokerQuotes BrokerQuoteService, apiKeys map[string]string, bus events.Publisher) (*Fabric, error) {
	if bus == nil {
		bus = events.NopPublisher{}
	}

	f := &Fabric{
		batchSize:    cfg.Data.ProviderBatchSize,
		quotes:       newQuoteCache(cfg.Data.CacheSize, cfg.Data.QuoteTTL()),
		bars:         newBarCache(cfg.Data.CacheSize, cfg.Data.BarTTL(false), cfg.Data.BarTTL(true)),
		quoteTTL:     cfg.Data.QuoteTTL(),
		bus:          bus,
		logger:       config.NewLogger("marketdata"),
		lastFailover: make(map[string]time.Time),
	}
	if f.batchSize <= 0 || f.batchSize > 50 {
		f.batchSize = 50
	}

	if cfg.Redis.Enabled {
		f.quoteL2 = newRedisQuoteCache(cfg.Redis, cfg.Data.QuoteTTL())
	}

	timeout := cfg.Data.RequestTimeout()
	maxWait := cfg.Data.MaxWait()

	for _, name := range cfg.Data.ProviderOrder {
		pcfg, ok := cfg.Data.Providers[name]
		if !ok || !pcfg.Enabled {
			f.logger.Warn().Str("provider", name).Msg("provider disabled, skipping")
			continue
		}

		var p Provider
		switch name {
		case "broker":
			if brokerQuotes == nil {
				f.logger.Warn().Msg("broker quote service not wired, skipping broker provider")
				continue
			}
			p = NewBrokerProvider(brokerQuotes, f.batchSize)
		case "polygon":
			key := apiKeys[name]
			if key == "" {
				f.logger.Warn().Str("provider", name).Msg("no api key, skipping")
				continue
			}
			p = NewPolygonProvider(pcfg.BaseURL, key, timeout)
		case "alphavantage":
			key := apiKeys[name]
			if key == "" {
				f.logger.Warn().Str("provider", name).Msg("no api key, skipping")
				continue
			}
			p = NewAlphaVantageProvider(pcfg.BaseURL, key, timeout)
		case "yahoo":
			p = NewYahooProvider(pcfg.BaseURL, timeout)
		default:
			return nil, fmt.Errorf("unknown provider %q in provider_order", name)
		}

		f.providers = append(f.providers, newGuardedProvider(p, pcfg, maxWait, f.onCircuitChange))
	}

	if len(f.providers) == 0 {
		return nil, fmt.Errorf("no market data providers enabled")
	}

	f.logger.Info().Int("providers", len(f.providers)).Msg("market data fabric ready")
	return f, nil
}

func (f *Fabric) onCircuitChange(name string, from, to gobreaker.State) {
	f.logger.Warn().
		Str("provider", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("provider circuit state changed")
}

// recordFailover emits at most one failover event per provider per
// minute so a flapping upstream does not flood the bus.
func (f *Fabric) recordFailover(from string, err error) {
	f.mu.Lock()
	last := f.lastFailover[from]
	now := time.Now()
	if now.Sub(last) < time.Minute {
		f.mu.Unlock()
		return
	}
	f.lastFailover[from] = now
	f.mu.Unlock()

	f.bus.Publish(events.New(events.KindProviderFailover).
		WithReason(err.Error()).
		With("provider", from))
}

// GetQuote returns a quote for one symbol, serving from cache when the
// entry is younger than the TTL.
func (f *Fabric) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if q, ok := f.quotes.get(symbol); ok {
		return q, nil
	}
	if f.quoteL2 != nil {
		if q, ok := f.quoteL2.get(ctx, symbol); ok && q.Age() < f.quoteTTL {
			f.quotes.put(q)
			return q, nil
		}
	}
	return f.refreshQuote(ctx, symbol)
}

// RefreshQuote bypasses both cache tiers. Exit-trigger evaluation uses
// it so a stop decision never fires on a stale print.
func (f *Fabric) RefreshQuote(ctx context.Context, symbol string) (Quote, error) {
	return f.refreshQuote(ctx, symbol)
}

func (f *Fabric) refreshQuote(ctx context.Context, symbol string) (Quote, error) {
	var lastErr error
	for _, g := range f.providers {
		if !g.available() {
			continue
		}
		out, err := g.do(ctx, func() (interface{}, error) {
			return g.provider.Quote(ctx, symbol)
		})
		if err != nil {
			lastErr = err
			f.recordFailover(g.provider.Name(), err)
			continue
		}
		q := out.(Quote)
		f.storeQuote(ctx, q)
		return q, nil
	}
	if lastErr != nil {
		return Quote{}, fmt.Errorf("%w: last error: %v", ErrNoProviderAvailable, lastErr)
	}
	return Quote{}, ErrNoProviderAvailable
}

func (f *Fabric) storeQuote(ctx context.Context, q Quote) {
	f.quotes.put(q)
	if f.quoteL2 != nil {
		f.quoteL2.put(ctx, q)
	}
}

// BatchQuotes returns quotes for many symbols in one scan pass. Cached
// symbols are served locally; the remainder is chunked to the provider
// batch limit and fetched concurrently. Missing symbols are absent from
// the result, not an error, as long as at least one chunk succeeds.
func (f *Fabric) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	var missing []string
	for _, s := range symbols {
		if q, ok := f.quotes.get(s); ok {
			out[s] = q
			continue
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := f.fetchBatch(ctx, missing)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	for s, q := range fetched {
		out[s] = q
	}
	return out, nil
}

func (f *Fabric) fetchBatch(ctx context.Context, symbols []string) (map[string]Quote, error) {
	var lastErr error
	for _, g := range f.providers {
		if !g.available() {
			continue
		}

		limit := g.provider.BatchLimit()
		if limit > f.batchSize {
			limit = f.batchSize
		}
		if limit < 1 {
			limit = 1
		}

		var mu sync.Mutex
		merged := make(map[string]Quote, len(symbols))

		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(4)
		for start := 0; start < len(symbols); start += limit {
			end := start + limit
			if end > len(symbols) {
				end = len(symbols)
			}
			chunk := symbols[start:end]
			grp.Go(func() error {
				out, err := g.do(grpCtx, func() (interface{}, error) {
					return g.provider.BatchQuotes(grpCtx, chunk)
				})
				if err != nil {
					return err
				}
				mu.Lock()
				for s, q := range out.(map[string]Quote) {
					merged[s] = q
				}
				mu.Unlock()
				return nil
			})
		}

		if err := grp.Wait(); err != nil {
			lastErr = err
			f.recordFailover(g.provider.Name(), err)
			// Keep whatever chunks landed before the failure.
			if len(merged) > 0 {
				for _, q := range merged {
					f.storeQuote(ctx, q)
				}
				return merged, nil
			}
			continue
		}

		for _, q := range merged {
			f.storeQuote(ctx, q)
		}
		return merged, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrNoProviderAvailable, lastErr)
	}
	return nil, ErrNoProviderAvailable
}

// GetBars returns count bars for the symbol and timeframe, most recent
// last. The broker provider is skipped transparently since it serves no
// history.
func (f *Fabric) GetBars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("invalid timeframe %q", tf)
	}
	if bars, ok := f.bars.get(symbol, tf, count); ok {
		return bars, nil
	}

	var lastErr error
	for _, g := range f.providers {
		if g.provider.Name() == "broker" {
			continue
		}
		if !g.available() {
			continue
		}
		out, err := g.do(ctx, func() (interface{}, error) {
			return g.provider.Bars(ctx, symbol, tf, count)
		})
		if err != nil {
			lastErr = err
			f.recordFailover(g.provider.Name(), err)
			continue
		}
		bars := out.([]Bar)
		if len(bars) == 0 {
			lastErr = fmt.Errorf("%s returned no bars for %s: %w", g.provider.Name(), symbol, ErrInsufficientHistory)
			continue
		}
		f.bars.put(symbol, tf, count, bars)
		return bars, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrNoProviderAvailable, lastErr)
	}
	return nil, ErrNoProviderAvailable
}

// ProviderStatus returns a health snapshot per provider, in priority
// order, for the operator surface.
func (f *Fabric) ProviderStatus() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(f.providers))
	for _, g := range f.providers {
		out = append(out, g.health())
	}
	return out
}

// Close releases the L2 connection if one was opened.
func (f *Fabric) Close() error {
	if f.quoteL2 != nil {
		return f.quoteL2.close()
	}
	return nil
}
