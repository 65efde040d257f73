package signal

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/indicators"
	"github.com/ees-trading/ees/internal/marketdata"
	"github.com/ees-trading/ees/internal/news"
	"github.com/ees-trading/ees/internal/universe"
)

// fixedStrategy always returns the same verdict.
type fixedStrategy struct {
	name string
	v    Verdict
}

func (s fixedStrategy) Name() string { return s.name }

func (s fixedStrategy) Evaluate(_ context.Context, _ Input) Verdict {
	v := s.v
	v.Strategy = s.name
	return v
}

// stallingStrategy blocks until the context is cancelled.
type stallingStrategy struct{ name string }

func (s stallingStrategy) Name() string { return s.name }

func (s stallingStrategy) Evaluate(ctx context.Context, _ Input) Verdict {
	<-ctx.Done()
	return Verdict{Strategy: s.name, Action: ActionEnter, Confidence: 1}
}

func enterV(conf float64) Verdict { return Verdict{Action: ActionEnter, Confidence: conf} }
func skipV() Verdict              { return Verdict{Action: ActionSkip} }

func testSignalConfig() config.SignalConfig {
	return config.SignalConfig{
		MinAgreeingStrategies:  2,
		MinCompositeConfidence: 0.90,
		StrategyTimeoutSec:     2,
		StrategyWeights:        map[string]float64{},
	}
}

func testInput() Input {
	return Input{
		Symbol: universe.Symbol{Ticker: "TQQQ", Direction: universe.DirectionBull, UnderlyingID: "NDX"},
	}
}

func TestEvaluate_AcceptsOnAgreementAndConfidence(t *testing.T) {
	e := NewEngine(testSignalConfig(), []Strategy{
		fixedStrategy{"a", enterV(0.85)},
		fixedStrategy{"b", enterV(0.88)},
		fixedStrategy{"c", skipV()},
	})

	c := e.Evaluate(context.Background(), testInput())
	require.True(t, c.Accepted)
	assert.Equal(t, 2, c.Agree)
	assert.Equal(t, AgreementMedium, c.AgreementLevel)
	// mean(0.85, 0.88) x 1.1 medium boost
	assert.InDelta(t, 0.865*1.1, c.Confidence, 0.0001)
}

func TestEvaluate_RejectsBelowAgreementGate(t *testing.T) {
	e := NewEngine(testSignalConfig(), []Strategy{
		fixedStrategy{"a", enterV(0.99)},
		fixedStrategy{"b", skipV()},
	})

	c := e.Evaluate(context.Background(), testInput())
	assert.False(t, c.Accepted)
	assert.Contains(t, c.RejectReason, "agreeing strategies")
}

func TestEvaluate_RejectsBelowConfidenceGate(t *testing.T) {
	e := NewEngine(testSignalConfig(), []Strategy{
		fixedStrategy{"a", enterV(0.70)},
		fixedStrategy{"b", enterV(0.70)},
	})

	c := e.Evaluate(context.Background(), testInput())
	assert.False(t, c.Accepted)
	assert.Contains(t, c.RejectReason, "confidence")
}

func TestEvaluate_ExitVetoesRegardless(t *testing.T) {
	e := NewEngine(testSignalConfig(), []Strategy{
		fixedStrategy{"a", enterV(1.0)},
		fixedStrategy{"b", enterV(1.0)},
		fixedStrategy{"c", enterV(1.0)},
		fixedStrategy{"d", Verdict{Action: ActionExit, Reason: "bearish divergence"}},
	})

	c := e.Evaluate(context.Background(), testInput())
	assert.False(t, c.Accepted)
	assert.True(t, c.Vetoed)
	assert.Contains(t, c.RejectReason, "vetoed")
}

func TestEvaluate_SentimentBlockVetoes(t *testing.T) {
	e := NewEngine(testSignalConfig(), []Strategy{
		fixedStrategy{"a", enterV(1.0)},
		fixedStrategy{"b", enterV(1.0)},
	})

	in := testInput()
	in.Sentiment = news.Assessment{Decision: news.DecisionBlock, Score: -0.6}
	c := e.Evaluate(context.Background(), in)
	assert.False(t, c.Accepted)
	assert.True(t, c.Vetoed)
}

func TestEvaluate_BoostAddsConfidence(t *testing.T) {
	e := NewEngine(testSignalConfig(), []Strategy{
		fixedStrategy{"a", enterV(0.80)},
		fixedStrategy{"b", enterV(0.80)},
	})

	in := testInput()
	in.Sentiment = news.Assessment{Decision: news.DecisionBoost, Score: 0.5, Confidence: 0.8, Aligned: true}
	c := e.Evaluate(context.Background(), in)
	require.True(t, c.Accepted)
	// mean 0.80 x 1.1 + 0.2 boost, capped at 1.0
	assert.InDelta(t, 1.0, c.Confidence, 0.0001)
}

func TestEvaluate_WeightsShiftComposite(t *testing.T) {
	cfg := testSignalConfig()
	cfg.MinCompositeConfidence = 0.5
	cfg.StrategyWeights = map[string]float64{"heavy": 3.0, "light": 1.0}

	e := NewEngine(cfg, []Strategy{
		fixedStrategy{"heavy", enterV(1.0)},
		fixedStrategy{"light", enterV(0.4)},
	})

	c := e.Evaluate(context.Background(), testInput())
	// (1.0x3 + 0.4x1)/4 x 1.1
	assert.InDelta(t, 0.85*1.1, c.Confidence, 0.0001)
}

func TestEvaluate_TimedOutStrategyCountsAsSkip(t *testing.T) {
	cfg := testSignalConfig()
	cfg.StrategyTimeoutSec = 1

	e := NewEngine(cfg, []Strategy{
		fixedStrategy{"a", enterV(0.95)},
		fixedStrategy{"b", enterV(0.95)},
		stallingStrategy{"slow"},
	})

	start := time.Now()
	c := e.Evaluate(context.Background(), testInput())
	assert.Less(t, time.Since(start), 2*time.Second)

	require.True(t, c.Accepted)
	assert.Equal(t, 2, c.Agree)
	var slow Verdict
	for _, v := range c.Verdicts {
		if v.Strategy == "slow" {
			slow = v
		}
	}
	assert.Equal(t, ActionSkip, slow.Action)
	assert.Equal(t, "strategy timed out", slow.Reason)
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, AgreementNone, LevelFor(0))
	assert.Equal(t, AgreementLow, LevelFor(1))
	assert.Equal(t, AgreementMedium, LevelFor(2))
	assert.Equal(t, AgreementHigh, LevelFor(3))
	assert.Equal(t, AgreementMaximum, LevelFor(4))
	assert.Equal(t, AgreementMaximum, LevelFor(8))
}

func TestLess_TieBreaking(t *testing.T) {
	base := Composite{Symbol: "BBB", Confidence: 0.95, AgreementLevel: AgreementMedium, SentimentScore: 0.1, VolumeRatio: 1.5}

	higherConf := base
	higherConf.Confidence = 0.97
	assert.True(t, Less(higherConf, base))

	higherAgreement := base
	higherAgreement.AgreementLevel = AgreementHigh
	assert.True(t, Less(higherAgreement, base))

	higherSentiment := base
	higherSentiment.SentimentScore = 0.4
	assert.True(t, Less(higherSentiment, base))

	higherVolume := base
	higherVolume.VolumeRatio = 2.0
	assert.True(t, Less(higherVolume, base))

	lexFirst := base
	lexFirst.Symbol = "AAA"
	assert.True(t, Less(lexFirst, base))

	// Sorting a slate puts the strongest first.
	slate := []Composite{base, higherConf, lexFirst}
	sort.Slice(slate, func(i, j int) bool { return Less(slate[i], slate[j]) })
	assert.Equal(t, 0.97, slate[0].Confidence)
	assert.Equal(t, "AAA", slate[1].Symbol)
}

func TestDefaultStrategies_Roster(t *testing.T) {
	roster := DefaultStrategies()
	require.Len(t, roster, 8)
	names := map[string]bool{}
	for _, s := range roster {
		names[s.Name()] = true
	}
	for _, want := range []string{"trend-sma", "momentum-rsi", "macd", "volume-surge", "orb-breakout", "bollinger-expansion", "news-sentiment", "pattern"} {
		assert.True(t, names[want], want)
	}
}

func TestTrendSMA(t *testing.T) {
	in := testInput()
	in.Indicators = indicators.Set{
		Quality: indicators.QualityExcellent,
		SMA20:   105, SMA50: 102, SMA200: 100,
		LastBar: marketdata.Bar{Open: 105, Close: 106},
	}
	v := trendSMA{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionEnter, v.Action)
	assert.Greater(t, v.Confidence, 0.9)

	in.Indicators.SMA50 = 110 // stack broken
	v = trendSMA{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionSkip, v.Action)
}

func TestMomentumRSI(t *testing.T) {
	in := testInput()
	in.Indicators = indicators.Set{Quality: indicators.QualityGood, RSI14: 70, PrevRSI14: 65}
	v := momentumRSI{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionEnter, v.Action)
	assert.InDelta(t, 0.5, v.Confidence, 0.0001)

	in.Indicators.RSI14 = 90 // overbought
	v = momentumRSI{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionSkip, v.Action)

	in.Indicators.RSI14 = 70
	in.Indicators.PrevRSI14 = 72 // falling
	v = momentumRSI{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionSkip, v.Action)
}

func TestORBBreakout(t *testing.T) {
	open := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	in := testInput()
	in.SessionOpen = open
	in.Bars = []marketdata.Bar{
		{Time: open, High: 100.0},
		{Time: open.Add(5 * time.Minute), High: 100.8},
		{Time: open.Add(10 * time.Minute), High: 100.5},
		{Time: open.Add(20 * time.Minute), High: 103.0}, // outside the range window
	}
	in.Indicators = indicators.Set{LastBar: marketdata.Bar{Close: 101.8}}

	v := orbBreakout{}.Evaluate(context.Background(), in)
	require.Equal(t, ActionEnter, v.Action)
	assert.InDelta(t, 1.0, v.Confidence, 0.01) // ~1% above 100.8

	in.Indicators.LastBar.Close = 100.5
	v = orbBreakout{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionSkip, v.Action)
}

func TestNewsSentimentStrategy(t *testing.T) {
	in := testInput()
	in.Sentiment = news.Assessment{Decision: news.DecisionBoost, Score: 0.5, Confidence: 0.75, Aligned: true}
	v := newsSentiment{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionEnter, v.Action)
	assert.Equal(t, 0.75, v.Confidence)

	in.Sentiment = news.Assessment{Decision: news.DecisionBlock, Score: -0.5}
	v = newsSentiment{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionExit, v.Action)
}

func TestCandlePattern(t *testing.T) {
	in := testInput()
	in.Indicators = indicators.Set{BullishEngulfing: true}
	v := candlePattern{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionEnter, v.Action)
	assert.Equal(t, 0.8, v.Confidence)

	in.Indicators = indicators.Set{}
	v = candlePattern{}.Evaluate(context.Background(), in)
	assert.Equal(t, ActionSkip, v.Action)
}
