package news

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/universe"
)

func testSentimentMap(t *testing.T) *universe.SentimentMap {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sentiment_map.yaml")
	content := `mappings:
  - underlying_id: NDX
    keywords: ["nasdaq", "tech stocks", "qqq"]
    source_reliability:
      reuters: 0.9
      blogspam: 0.2
  - underlying_id: SPX
    keywords: ["s&p 500", "spx"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	m, err := universe.LoadSentimentMap(path)
	require.NoError(t, err)
	return m
}

type stubFetcher struct {
	name  string
	items []Item
	err   error
	calls int
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) Fetch(ctx context.Context, query []string, since time.Time) ([]Item, error) {
	s.calls++
	return s.items, s.err
}

func testConfig() config.NewsConfig {
	return config.NewsConfig{
		LookbackHours:          24,
		PremarketLookbackHours: 30,
		BlockThreshold:         0.3,
		BoostThreshold:         0.3,
		BoostMinConfidence:     0.6,
	}
}

func bullSymbol() universe.Symbol {
	return universe.Symbol{Ticker: "TQQQ", Direction: universe.DirectionBull, UnderlyingID: "NDX", LeverageFactor: 3}
}

func bearSymbol() universe.Symbol {
	return universe.Symbol{Ticker: "SQQQ", Direction: universe.DirectionBear, UnderlyingID: "NDX", LeverageFactor: 3}
}

func positiveItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{
			Source:      fmt.Sprintf("source%d", i),
			Headline:    "Nasdaq surges as tech stocks rally on strong profits",
			PublishedAt: time.Now().Add(-time.Hour),
		}
	}
	return items
}

func TestScoreText(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantSign int
	}{
		{"positive", "Stocks surge on record profits", 1},
		{"negative", "Shares plunge after earnings miss and downgrade", -1},
		{"negated positive", "Rally fails, stocks do not gain", -1},
		{"no lexicon hits", "Company announces quarterly report date", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			polarity, conf := scoreText(tt.text)
			switch tt.wantSign {
			case 1:
				assert.Greater(t, polarity, 0.0)
				assert.Greater(t, conf, 0.0)
			case -1:
				assert.Less(t, polarity, 0.0)
			default:
				assert.Zero(t, polarity)
				assert.Zero(t, conf)
			}
		})
	}
}

func TestAssess_BullBoostBearBlock(t *testing.T) {
	fetcher := &stubFetcher{name: "reuters", items: positiveItems(4)}
	f := NewFilter(testConfig(), testSentimentMap(t), []Fetcher{fetcher}, 16, time.Minute)

	bull := f.Assess(context.Background(), bullSymbol(), false)
	assert.Equal(t, DecisionBoost, bull.Decision)
	assert.True(t, bull.Aligned)
	assert.Greater(t, bull.Score, 0.0)

	// Same positive underlying sentiment blocks the bear leg.
	bear := f.Assess(context.Background(), bearSymbol(), false)
	assert.Equal(t, DecisionBlock, bear.Decision)
	assert.False(t, bear.Aligned)
}

func TestAssess_WeakSignalIsNeutral(t *testing.T) {
	fetcher := &stubFetcher{name: "reuters", items: []Item{{
		Source:      "reuters",
		Headline:    "Nasdaq edges up, modest growth seen",
		PublishedAt: time.Now().Add(-time.Hour),
	}}}
	f := NewFilter(testConfig(), testSentimentMap(t), []Fetcher{fetcher}, 16, time.Minute)

	a := f.Assess(context.Background(), bullSymbol(), false)
	// One source caps confidence below the boost floor.
	assert.Equal(t, DecisionNeutral, a.Decision)
}

func TestAssess_FetchErrorDegradesToNeutral(t *testing.T) {
	fetcher := &stubFetcher{name: "reuters", err: fmt.Errorf("upstream down")}
	f := NewFilter(testConfig(), testSentimentMap(t), []Fetcher{fetcher}, 16, time.Minute)

	a := f.Assess(context.Background(), bullSymbol(), false)
	assert.Equal(t, DecisionNeutral, a.Decision)
	assert.Zero(t, a.Score)
}

func TestSentimentFor_Caches(t *testing.T) {
	fetcher := &stubFetcher{name: "reuters", items: positiveItems(2)}
	f := NewFilter(testConfig(), testSentimentMap(t), []Fetcher{fetcher}, 16, time.Minute)

	f.SentimentFor(context.Background(), "NDX", false)
	f.SentimentFor(context.Background(), "NDX", false)
	assert.Equal(t, 1, fetcher.calls)
}

func TestAggregate_UnreliableSourceCarriesLessWeight(t *testing.T) {
	now := time.Now()
	items := []Item{
		{Source: "reuters", Headline: "Nasdaq plunges on weak tech earnings", PublishedAt: now.Add(-time.Hour)},
		{Source: "blogspam", Headline: "Nasdaq surges, massive rally, huge gains, record profits", PublishedAt: now.Add(-time.Hour)},
	}
	fetcher := &stubFetcher{name: "mixed", items: items}
	f := NewFilter(testConfig(), testSentimentMap(t), []Fetcher{fetcher}, 16, time.Minute)

	s := f.SentimentFor(context.Background(), "NDX", false)
	assert.Less(t, s.Score, 0.0, "0.9-weight negative source should dominate 0.2-weight positive one")
	assert.Equal(t, 2, s.SourceCount)
}

func TestLookback(t *testing.T) {
	f := NewFilter(testConfig(), testSentimentMap(t), nil, 16, time.Minute)
	assert.Equal(t, 24*time.Hour, f.Lookback(false))
	assert.Equal(t, 30*time.Hour, f.Lookback(true))
}
