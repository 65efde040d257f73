package indicators

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/cinar/indicator/v2/volume"

	"github.com/ees-trading/ees/internal/marketdata"
)

// SetVersion participates in the cache key. Bump it whenever the
// computation below changes so stale entries cannot be served.
const SetVersion = 2

// Quality grades how much history backed the computation. Consumers may
// refuse QualityMinimal.
type Quality string

const (
	QualityExcellent Quality = "excellent" // >= 200 bars
	QualityGood      Quality = "good"      // >= 50 bars
	QualityLimited   Quality = "limited"   // >= 20 bars
	QualityMinimal   Quality = "minimal"   // < 20 bars
)

func qualityFor(barCount int) Quality {
	switch {
	case barCount >= 200:
		return QualityExcellent
	case barCount >= 50:
		return QualityGood
	case barCount >= 20:
		return QualityLimited
	default:
		return QualityMinimal
	}
}

// minBars is the floor below which no set is computed at all.
const minBars = 20

// Set holds the derived numbers for one symbol and timeframe, aligned to
// the most recent bar. Values whose lookback exceeds the available
// history are zero; Quality tells the consumer how much to trust them.
type Set struct {
	Symbol    string
	Timeframe marketdata.Timeframe
	BarCount  int
	Quality   Quality

	SMA20  float64
	SMA50  float64
	SMA200 float64
	EMA12  float64
	EMA26  float64

	RSI14     float64
	PrevRSI14 float64

	MACD         float64
	MACDSignal   float64
	MACDHist     float64
	PrevMACDHist float64

	ATR14 float64

	BBUpper         float64
	BBMid           float64
	BBLower         float64
	BBWidth         float64
	BBWidthMedian20 float64

	VolumeRatio20      float64
	SellingVolumeRatio float64
	OBV                float64

	Doji             bool
	Hammer           bool
	BullishEngulfing bool

	LastBar marketdata.Bar
}

// RSIRising reports whether RSI advanced from the previous bar.
func (s Set) RSIRising() bool {
	return s.RSI14 > s.PrevRSI14
}

// MACDHistRising reports whether the MACD histogram advanced.
func (s Set) MACDHistRising() bool {
	return s.MACDHist > s.PrevMACDHist
}

// Compute derives a full Set from bars ordered oldest to newest.
func Compute(symbol string, tf marketdata.Timeframe, bars []marketdata.Bar) (Set, error) {
	if len(bars) < minBars {
		return Set{}, fmt.Errorf("%d bars for %s %s, need %d: %w",
			len(bars), symbol, tf, minBars, marketdata.ErrInsufficientHistory)
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	s := Set{
		Symbol:    symbol,
		Timeframe: tf,
		BarCount:  len(bars),
		Quality:   qualityFor(len(bars)),
		LastBar:   bars[len(bars)-1],
	}

	s.SMA20 = lastOf(collect(trend.NewSmaWithPeriod[float64](20).Compute(toChan(closes))))
	if len(bars) >= 50 {
		s.SMA50 = lastOf(collect(trend.NewSmaWithPeriod[float64](50).Compute(toChan(closes))))
	}
	if len(bars) >= 200 {
		s.SMA200 = lastOf(collect(trend.NewSmaWithPeriod[float64](200).Compute(toChan(closes))))
	}
	s.EMA12 = lastOf(collect(trend.NewEmaWithPeriod[float64](12).Compute(toChan(closes))))
	if len(bars) >= 26 {
		s.EMA26 = lastOf(collect(trend.NewEmaWithPeriod[float64](26).Compute(toChan(closes))))
	}

	rsi := collect(momentum.NewRsiWithPeriod[float64](14).Compute(toChan(closes)))
	s.RSI14 = lastOf(rsi)
	s.PrevRSI14 = prevOf(rsi)

	if len(bars) >= 35 { // slow EMA warmup plus signal period
		macdChan, signalChan := trend.NewMacdWithPeriod[float64](12, 26, 9).Compute(toChan(closes))
		macdOut := collectAll(macdChan, signalChan)
		macdVals, signalVals := macdOut[0], macdOut[1]
		s.MACD = lastOf(macdVals)
		s.MACDSignal = lastOf(signalVals)
		s.MACDHist = s.MACD - s.MACDSignal
		if len(macdVals) >= 2 && len(signalVals) >= 2 {
			s.PrevMACDHist = prevOf(macdVals) - prevOf(signalVals)
		}
	}

	s.ATR14 = lastOf(collect(volatility.NewAtr[float64]().Compute(toChan(highs), toChan(lows), toChan(closes))))

	upperChan, midChan, lowerChan := volatility.NewBollingerBandsWithPeriod[float64](20).Compute(toChan(closes))
	bandOut := collectAll(upperChan, midChan, lowerChan)
	uppers, mids, lowers := bandOut[0], bandOut[1], bandOut[2]
	s.BBUpper = lastOf(uppers)
	s.BBMid = lastOf(mids)
	s.BBLower = lastOf(lowers)
	s.BBWidth = bbWidth(lastOf(uppers), lastOf(mids), lastOf(lowers))
	s.BBWidthMedian20 = widthMedian(uppers, mids, lowers, 20)

	s.OBV = lastOf(collect(volume.NewObv[float64]().Compute(toChan(closes), toChan(volumes))))

	volSMA := lastOf(collect(trend.NewSmaWithPeriod[float64](20).Compute(toChan(volumes))))
	if volSMA > 0 {
		s.VolumeRatio20 = volumes[len(volumes)-1] / volSMA
	}
	// Selling pressure only registers when the last candle went against
	// the position.
	if !s.LastBar.Bullish() {
		s.SellingVolumeRatio = s.VolumeRatio20
	}

	s.Doji = isDoji(s.LastBar)
	s.Hammer = isHammer(s.LastBar)
	if len(bars) >= 2 {
		s.BullishEngulfing = isBullishEngulfing(bars[len(bars)-2], s.LastBar)
	}

	return s, nil
}

func toChan(vals []float64) <-chan float64 {
	c := make(chan float64, len(vals))
	for _, v := range vals {
		c <- v
	}
	close(c)
	return c
}

// collectAll drains multiple outputs of one pipeline concurrently;
// multi-output cinar/indicator pipelines share a producer that blocks
// unless every channel is consumed.
func collectAll(chans ...<-chan float64) [][]float64 {
	out := make([][]float64, len(chans))
	var wg sync.WaitGroup
	for i, c := range chans {
		wg.Add(1)
		go func(i int, c <-chan float64) {
			defer wg.Done()
			out[i] = collect(c)
		}(i, c)
	}
	wg.Wait()
	return out
}

func collect(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}

func lastOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return vals[len(vals)-1]
}

func prevOf(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	return vals[len(vals)-2]
}

func bbWidth(upper, mid, lower float64) float64 {
	if mid == 0 {
		return 0
	}
	return (upper - lower) / mid
}

// widthMedian returns the median band width across the trailing window.
func widthMedian(uppers, mids, lowers []float64, window int) float64 {
	n := len(uppers)
	if n == 0 {
		return 0
	}
	if len(mids) < n {
		n = len(mids)
	}
	if len(lowers) < n {
		n = len(lowers)
	}
	start := n - window
	if start < 0 {
		start = 0
	}
	widths := make([]float64, 0, n-start)
	for i := start; i < n; i++ {
		widths = append(widths, bbWidth(uppers[i], mids[i], lowers[i]))
	}
	sort.Float64s(widths)
	mid := len(widths) / 2
	if len(widths)%2 == 1 {
		return widths[mid]
	}
	return (widths[mid-1] + widths[mid]) / 2
}
