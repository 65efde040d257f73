package signal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ees-trading/ees/internal/indicators"
	"github.com/ees-trading/ees/internal/news"
)

// DefaultStrategies returns the standard roster in registry order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		trendSMA{},
		momentumRSI{},
		macdCross{},
		volumeSurge{},
		orbBreakout{},
		bollingerExpansion{},
		newsSentiment{},
		candlePattern{},
	}
}

func skip(name, reason string) Verdict {
	return Verdict{Strategy: name, Action: ActionSkip, Reason: reason}
}

func enter(name string, confidence float64, reason string) Verdict {
	return Verdict{Strategy: name, Action: ActionEnter, Confidence: clamp01(confidence), Reason: reason}
}

// trendSMA wants the full moving-average stack fanned out below price.
type trendSMA struct{}

func (trendSMA) Name() string { return "trend-sma" }

func (s trendSMA) Evaluate(_ context.Context, in Input) Verdict {
	ind := in.Indicators
	if ind.Quality == indicators.QualityMinimal || ind.SMA200 == 0 {
		return skip(s.Name(), "insufficient history for sma stack")
	}
	close := ind.LastBar.Close
	if !(close > ind.SMA20 && ind.SMA20 > ind.SMA50 && ind.SMA50 > ind.SMA200) {
		return skip(s.Name(), "sma stack not aligned")
	}
	// 5% above the long average saturates confidence.
	dist := (close - ind.SMA200) / ind.SMA200
	return enter(s.Name(), dist/0.05, fmt.Sprintf("close %.2f above aligned sma stack", close))
}

// momentumRSI wants RSI in the momentum band and still climbing.
type momentumRSI struct{}

func (momentumRSI) Name() string { return "momentum-rsi" }

func (s momentumRSI) Evaluate(_ context.Context, in Input) Verdict {
	ind := in.Indicators
	if ind.Quality == indicators.QualityMinimal {
		return skip(s.Name(), "insufficient history")
	}
	if ind.RSI14 < 55 || ind.RSI14 > 85 {
		return skip(s.Name(), fmt.Sprintf("rsi %.1f outside [55,85]", ind.RSI14))
	}
	if !ind.RSIRising() {
		return skip(s.Name(), "rsi not rising")
	}
	return enter(s.Name(), (ind.RSI14-55)/30, fmt.Sprintf("rsi %.1f rising", ind.RSI14))
}

// macdCross wants MACD above signal with a growing histogram.
type macdCross struct{}

func (macdCross) Name() string { return "macd" }

func (s macdCross) Evaluate(_ context.Context, in Input) Verdict {
	ind := in.Indicators
	if ind.MACD == 0 && ind.MACDSignal == 0 {
		return skip(s.Name(), "macd not computed")
	}
	if !(ind.MACD > ind.MACDSignal && ind.MACDHist > 0 && ind.MACDHistRising()) {
		return skip(s.Name(), "macd not in bullish expansion")
	}
	// Histogram at 0.2% of price saturates confidence.
	close := ind.LastBar.Close
	if close == 0 {
		return skip(s.Name(), "no close price")
	}
	return enter(s.Name(), ind.MACDHist/close/0.002, fmt.Sprintf("hist %.4f expanding", ind.MACDHist))
}

// volumeSurge wants an outsized bullish candle.
type volumeSurge struct{}

func (volumeSurge) Name() string { return "volume-surge" }

func (s volumeSurge) Evaluate(_ context.Context, in Input) Verdict {
	ind := in.Indicators
	if ind.VolumeRatio20 < 1.5 {
		return skip(s.Name(), fmt.Sprintf("volume ratio %.2f below 1.5", ind.VolumeRatio20))
	}
	if !ind.LastBar.Bullish() {
		return skip(s.Name(), "last candle bearish")
	}
	return enter(s.Name(), ind.VolumeRatio20/3, fmt.Sprintf("volume ratio %.2f on bullish candle", ind.VolumeRatio20))
}

// orbBreakout wants price above the opening-range high.
type orbBreakout struct{}

func (orbBreakout) Name() string { return "orb-breakout" }

func (s orbBreakout) Evaluate(_ context.Context, in Input) Verdict {
	if in.SessionOpen.IsZero() {
		return skip(s.Name(), "session open unknown")
	}
	rangeEnd := in.SessionOpen.Add(15 * time.Minute)

	var high float64
	for _, b := range in.Bars {
		if b.Time.Before(in.SessionOpen) || !b.Time.Before(rangeEnd) {
			continue
		}
		if b.High > high {
			high = b.High
		}
	}
	if high == 0 {
		return skip(s.Name(), "no bars in opening range")
	}
	close := in.Indicators.LastBar.Close
	if close <= high {
		return skip(s.Name(), fmt.Sprintf("close %.2f below range high %.2f", close, high))
	}
	// 1% above the range high saturates confidence.
	return enter(s.Name(), (close-high)/high/0.01, fmt.Sprintf("broke opening range high %.2f", high))
}

// bollingerExpansion wants widening bands with price above the mid.
type bollingerExpansion struct{}

func (bollingerExpansion) Name() string { return "bollinger-expansion" }

func (s bollingerExpansion) Evaluate(_ context.Context, in Input) Verdict {
	ind := in.Indicators
	if ind.BBWidthMedian20 == 0 {
		return skip(s.Name(), "band width history not computed")
	}
	if ind.BBWidth < ind.BBWidthMedian20*1.2 {
		return skip(s.Name(), "bands not expanding")
	}
	if ind.LastBar.Close <= ind.BBMid {
		return skip(s.Name(), "close below band mid")
	}
	expansion := ind.BBWidth/ind.BBWidthMedian20 - 1
	return enter(s.Name(), expansion, fmt.Sprintf("band width %.4f vs median %.4f", ind.BBWidth, ind.BBWidthMedian20))
}

// newsSentiment follows the direction-aware sentiment verdict.
type newsSentiment struct{}

func (newsSentiment) Name() string { return "news-sentiment" }

func (s newsSentiment) Evaluate(_ context.Context, in Input) Verdict {
	sent := in.Sentiment
	if sent.Decision == news.DecisionBlock {
		return Verdict{Strategy: s.Name(), Action: ActionExit, Reason: "sentiment opposes direction"}
	}
	if !sent.Aligned || math.Abs(sent.Score) < 0.3 {
		return skip(s.Name(), "sentiment not decisively aligned")
	}
	return enter(s.Name(), sent.Confidence, fmt.Sprintf("aligned sentiment %.2f", sent.Score))
}

// candlePattern wants a hammer or bullish engulfing on the last bar.
type candlePattern struct{}

func (candlePattern) Name() string { return "pattern" }

func (s candlePattern) Evaluate(_ context.Context, in Input) Verdict {
	ind := in.Indicators
	switch {
	case ind.BullishEngulfing && ind.Hammer:
		return enter(s.Name(), 0.9, "hammer plus bullish engulfing")
	case ind.BullishEngulfing:
		return enter(s.Name(), 0.8, "bullish engulfing")
	case ind.Hammer:
		return enter(s.Name(), 0.6, "hammer")
	}
	return skip(s.Name(), "no entry pattern")
}
