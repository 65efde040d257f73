package news

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/universe"
)

// Filter turns raw articles into a direction-aware verdict per symbol.
// Source failures never block a trade: a fetch error degrades that
// source to silence and, with no data at all, the verdict is Neutral.
type Filter struct {
	fetchers []Fetcher
	mapping  *universe.SentimentMap
	cfg      config.NewsConfig
	cache    *lru.LRU[string, Sentiment]
	logger   zerolog.Logger
}

// NewFilter creates the sentiment filter.
func NewFilter(cfg config.NewsConfig, mapping *universe.SentimentMap, fetchers []Fetcher, cacheSize int, ttl time.Duration) *Filter {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	return &Filter{
		fetchers: fetchers,
		mapping:  mapping,
		cfg:      cfg,
		cache:    lru.NewLRU[string, Sentiment](cacheSize, nil, ttl),
		logger:   config.NewLogger("news"),
	}
}

// Lookback returns the article window for the given session moment.
func (f *Filter) Lookback(premarket bool) time.Duration {
	hours := f.cfg.LookbackHours
	if premarket {
		hours = f.cfg.PremarketLookbackHours
	}
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// SentimentFor aggregates news into one score for the underlying,
// serving from cache when fresh.
func (f *Filter) SentimentFor(ctx context.Context, underlyingID string, premarket bool) Sentiment {
	if s, ok := f.cache.Get(underlyingID); ok {
		return s
	}

	mapping, ok := f.mapping.Get(underlyingID)
	if !ok {
		f.logger.Warn().Str("underlying", underlyingID).Msg("no sentiment mapping, scoring neutral")
		return Sentiment{UnderlyingID: underlyingID, ComputedAt: time.Now()}
	}

	lookback := f.Lookback(premarket)
	since := time.Now().Add(-lookback)
	items := f.fetchAll(ctx, mapping.Keywords, since)

	s := f.aggregate(underlyingID, items, lookback)
	f.cache.Add(underlyingID, s)
	return s
}

func (f *Filter) fetchAll(ctx context.Context, query []string, since time.Time) []Item {
	var mu sync.Mutex
	var all []Item

	var wg sync.WaitGroup
	for _, fetcher := range f.fetchers {
		wg.Add(1)
		go func(fetcher Fetcher) {
			defer wg.Done()
			items, err := fetcher.Fetch(ctx, query, since)
			if err != nil {
				f.logger.Warn().Err(err).Str("source", fetcher.Name()).Msg("news fetch failed, degrading")
				return
			}
			mu.Lock()
			all = append(all, items...)
			mu.Unlock()
		}(fetcher)
	}
	wg.Wait()
	return all
}

// aggregate computes the weighted mean polarity across matching items.
// Weight = sourceReliability x recencyDecay; decay is exponential with a
// half-life of a quarter of the lookback window.
func (f *Filter) aggregate(underlyingID string, items []Item, lookback time.Duration) Sentiment {
	s := Sentiment{UnderlyingID: underlyingID, ComputedAt: time.Now()}

	halfLife := lookback / 4
	sources := map[string]bool{}

	var weightedSum, weightTotal, signedWeight float64
	for _, item := range items {
		if !f.mapping.Matches(underlyingID, item.Headline+" "+item.Summary) {
			continue
		}
		polarity, itemConf := scoreText(item.Headline + " " + item.Summary)
		if itemConf == 0 {
			continue
		}

		decay := math.Exp2(-item.Age().Hours() / halfLife.Hours())
		weight := f.mapping.SourceWeight(underlyingID, item.Source) * decay * itemConf
		if weight <= 0 {
			continue
		}

		weightedSum += polarity * weight
		weightTotal += weight
		if polarity > 0 {
			signedWeight += weight
		} else if polarity < 0 {
			signedWeight -= weight
		}
		sources[item.Source] = true
		s.ItemCount++
	}

	if weightTotal == 0 {
		return s
	}

	s.Score = weightedSum / weightTotal
	s.SourceCount = len(sources)

	// Confidence grows with source breadth and with cross-source
	// agreement on the sign.
	breadth := math.Min(1, float64(s.SourceCount)/3.0)
	agreement := math.Abs(signedWeight) / weightTotal
	s.Confidence = breadth * agreement
	return s
}

// Assess converts an underlying's sentiment into the verdict for one
// ETF, flipping polarity alignment for bear instruments.
func (f *Filter) Assess(ctx context.Context, sym universe.Symbol, premarket bool) Assessment {
	s := f.SentimentFor(ctx, sym.UnderlyingID, premarket)

	var aligned bool
	switch sym.Direction {
	case universe.DirectionBull:
		aligned = s.Score > 0
	case universe.DirectionBear:
		aligned = s.Score < 0
	default:
		aligned = true
	}

	a := Assessment{
		Decision:   DecisionNeutral,
		Score:      s.Score,
		Confidence: s.Confidence,
		Aligned:    aligned,
	}

	magnitude := math.Abs(s.Score)
	switch {
	case magnitude >= f.cfg.BlockThreshold && !aligned:
		a.Decision = DecisionBlock
	case aligned && magnitude >= f.cfg.BoostThreshold && s.Confidence >= f.cfg.BoostMinConfidence:
		a.Decision = DecisionBoost
	}
	return a
}

// WarmUp primes the cache for every underlying before the open.
func (f *Filter) WarmUp(ctx context.Context, underlyings []string) {
	for _, u := range underlyings {
		select {
		case <-ctx.Done():
			return
		default:
		}
		f.SentimentFor(ctx, u, true)
	}
	f.logger.Info().Int("underlyings", len(underlyings)).Msg("sentiment cache warmed")
}
