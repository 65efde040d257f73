package indicators

import "github.com/ees-trading/ees/internal/marketdata"

// Candle pattern detection on completed bars. Thresholds follow the
// usual textbook definitions; a zero-range bar matches nothing.

func bodySize(b marketdata.Bar) float64 {
	if b.Close > b.Open {
		return b.Close - b.Open
	}
	return b.Open - b.Close
}

// isDoji: body is at most 10% of the full range.
func isDoji(b marketdata.Bar) bool {
	rng := b.High - b.Low
	if rng <= 0 {
		return false
	}
	return bodySize(b)/rng <= 0.10
}

// isHammer: lower shadow at least twice the body, close in the upper
// third of the range.
func isHammer(b marketdata.Bar) bool {
	rng := b.High - b.Low
	if rng <= 0 {
		return false
	}
	body := bodySize(b)
	if body == 0 {
		return false
	}
	bodyLow := b.Open
	if b.Close < b.Open {
		bodyLow = b.Close
	}
	lowerShadow := bodyLow - b.Low
	return lowerShadow >= 2*body && b.Close >= b.Low+rng*2/3
}

// isBullishEngulfing: previous bar bearish, current bar bullish, and the
// current body fully covers the previous body.
func isBullishEngulfing(prev, cur marketdata.Bar) bool {
	if prev.Bullish() || !cur.Bullish() {
		return false
	}
	return cur.Open <= prev.Close && cur.Close >= prev.Open
}
