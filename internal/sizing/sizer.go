package sizing

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/marketdata"
	"github.com/ees-trading/ees/internal/position"
	"github.com/ees-trading/ees/internal/signal"
)

// ErrTooSmall means the computed allocation fell below the minimum
// position value or rounded to zero shares.
var ErrTooSmall = fmt.Errorf("position below minimum size")

// ErrPositionCapReached means the concurrent-position cap is full.
var ErrPositionCapReached = fmt.Errorf("max concurrent positions reached")

// OrderIntent is the sizer's output, handed to the executor.
type OrderIntent struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	MaxPrice decimal.Decimal `json:"max_price"` // ask plus slippage buffer

	Confidence     float64               `json:"confidence"`
	AgreementLevel signal.AgreementLevel `json:"agreement_level"`
}

// Sizer turns accepted composite signals into share quantities.
type Sizer struct {
	cfg    config.SizingConfig
	logger zerolog.Logger
}

// NewSizer creates a position sizer.
func NewSizer(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg, logger: config.NewLogger("sizing")}
}

// confidenceMultiplier maps composite confidence to an aggression
// multiplier.
func confidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.5
	case confidence >= 0.975:
		return 2.0
	default:
		return 1.0
	}
}

// utilizationFor scales back deployment as the book gets crowded.
func utilizationFor(concurrent int) float64 {
	switch {
	case concurrent <= 5:
		return 0.90
	case concurrent <= 10:
		return 0.80
	default:
		return 0.70
	}
}

// Size computes the order intent for an accepted signal.
//
// cashAvailable is the account's cash available for investment; owned
// is the current strategy-owned book; nCandidates counts the accepted
// signals competing in the same tick, this one included.
func (s *Sizer) Size(sig signal.Composite, quote marketdata.Quote, cashAvailable decimal.Decimal, owned []position.Position, nCandidates int) (OrderIntent, error) {
	if len(owned) >= s.cfg.MaxConcurrentPositions {
		return OrderIntent{}, ErrPositionCapReached
	}
	if quote.Ask.IsZero() || quote.Ask.IsNegative() {
		return OrderIntent{}, fmt.Errorf("no usable ask price for %s", sig.Symbol)
	}

	exposure := decimal.Zero
	for _, p := range owned {
		exposure = exposure.Add(p.MarketValue())
	}
	portfolioValue, _ := cashAvailable.Add(exposure).Float64()
	exposureF, _ := exposure.Float64()
	ask, _ := quote.Ask.Float64()

	tradingCapital := portfolioValue * (1 - s.cfg.ReserveFraction)

	concurrent := len(owned) + nCandidates
	utilization := utilizationFor(concurrent)
	fairShare := tradingCapital / math.Max(1, float64(concurrent))

	bonus := sig.AgreementLevel.SizingBonus()
	boostedValue := fairShare * utilization * confidenceMultiplier(sig.Confidence) * (1 + bonus)

	confidenceWeight := 0.5 + (sig.Confidence-0.85)*2.0 + bonus*0.3
	if confidenceWeight < 0.7 {
		confidenceWeight = 0.7
	}
	if confidenceWeight > 1.3 {
		confidenceWeight = 1.3
	}
	confidenceScaled := fairShare * confidenceWeight

	positionValue := math.Min(boostedValue, confidenceScaled)
	positionValue = math.Min(positionValue, portfolioValue*s.cfg.MaxPositionFraction)

	quantity := int64(math.Floor(positionValue / ask))
	if positionValue < s.cfg.MinPositionValue || quantity == 0 {
		return OrderIntent{}, fmt.Errorf("%s allocation %.2f: %w", sig.Symbol, positionValue, ErrTooSmall)
	}

	// A hypothetical fill must keep total exposure inside trading
	// capital; shrink to fit.
	if exposureF+float64(quantity)*ask > tradingCapital {
		quantity = int64(math.Floor((tradingCapital - exposureF) / ask))
		if quantity <= 0 {
			return OrderIntent{}, fmt.Errorf("%s: no room inside trading capital: %w", sig.Symbol, ErrTooSmall)
		}
	}

	maxPrice := quote.Ask.Mul(decimal.NewFromFloat(1 + s.cfg.SlippageBuffer)).Round(4)

	s.logger.Info().
		Str("symbol", sig.Symbol).
		Int64("quantity", quantity).
		Float64("position_value", float64(quantity)*ask).
		Float64("fair_share", fairShare).
		Float64("utilization", utilization).
		Float64("confidence", sig.Confidence).
		Msg("position sized")

	return OrderIntent{
		Symbol:         sig.Symbol,
		Quantity:       quantity,
		MaxPrice:       maxPrice,
		Confidence:     sig.Confidence,
		AgreementLevel: sig.AgreementLevel,
	}, nil
}
