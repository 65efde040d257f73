package indicators

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/marketdata"
)

// BarSource is the slice of the data fabric the service consumes.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, tf marketdata.Timeframe, count int) ([]marketdata.Bar, error)
}

// barCount maps a timeframe to the lookback fetched for it. Daily
// series carry the full 200-bar window so the long SMA resolves.
func barCount(tf marketdata.Timeframe) int {
	if tf == marketdata.Timeframe1d {
		return 220
	}
	return 100
}

// Service computes indicator sets on demand and caches them. The cache
// key includes the last bar timestamp, so a new bar naturally
// invalidates the entry.
type Service struct {
	source BarSource
	cache  *lru.LRU[string, Set]
	logger zerolog.Logger
}

// NewService creates an indicator service over the given bar source.
func NewService(source BarSource, cacheSize int, ttl time.Duration) *Service {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Service{
		source: source,
		cache:  lru.NewLRU[string, Set](cacheSize, nil, ttl),
		logger: config.NewLogger("indicators"),
	}
}

func cacheKey(symbol string, tf marketdata.Timeframe, lastBar time.Time) string {
	return fmt.Sprintf("%s:%s:v%d:%d", symbol, tf, SetVersion, lastBar.Unix())
}

// Get returns the indicator set for the symbol at the timeframe,
// computing it if the cached entry no longer matches the latest bar.
func (s *Service) Get(ctx context.Context, symbol string, tf marketdata.Timeframe) (Set, error) {
	bars, err := s.source.GetBars(ctx, symbol, tf, barCount(tf))
	if err != nil {
		return Set{}, fmt.Errorf("fetching bars for %s %s: %w", symbol, tf, err)
	}
	if len(bars) == 0 {
		return Set{}, fmt.Errorf("no bars for %s %s: %w", symbol, tf, marketdata.ErrInsufficientHistory)
	}

	key := cacheKey(symbol, tf, bars[len(bars)-1].Time)
	if set, ok := s.cache.Get(key); ok {
		return set, nil
	}

	set, err := Compute(symbol, tf, bars)
	if err != nil {
		return Set{}, err
	}

	s.cache.Add(key, set)
	s.logger.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("bars", set.BarCount).
		Str("quality", string(set.Quality)).
		Msg("indicator set computed")
	return set, nil
}
