package position

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OwnerTag marks orders and positions this strategy owns. Broker
// positions without it are never touched.
const OwnerTag = "EES"

// StealthState is the trailing-engine state for one position. States
// only advance; a position never regresses to an earlier state.
type StealthState string

const (
	StateInactive  StealthState = "inactive"
	StateBreakeven StealthState = "breakeven"
	StateTrailing  StealthState = "trailing"
	StateExplosive StealthState = "explosive"
	StateMoon      StealthState = "moon"
)

// rank orders the states for the monotone-advance check.
func (s StealthState) rank() int {
	switch s {
	case StateInactive:
		return 0
	case StateBreakeven:
		return 1
	case StateTrailing:
		return 2
	case StateExplosive:
		return 3
	case StateMoon:
		return 4
	}
	return -1
}

// AtLeast reports whether s is at or past other in the progression.
func (s StealthState) AtLeast(other StealthState) bool {
	return s.rank() >= other.rank()
}

// Position is one strategy-owned holding. Prices are fixed-point so
// stop comparisons never suffer float drift. Mutation goes through the
// Store; everyone else reads snapshots.
type Position struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	OwnerTag string `json:"owner_tag"`

	Quantity   int64           `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	EntryTime  time.Time       `json:"entry_time"`

	State           StealthState    `json:"state"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	HighestPrice    decimal.Decimal `json:"highest_price"`
	TrailPct        float64         `json:"trail_pct"`

	LastPrice     decimal.Decimal `json:"last_price"`
	LastTickAt    time.Time       `json:"last_tick_at"`
	ExitInFlight  bool            `json:"exit_in_flight"`
	ExitOrderID   string          `json:"exit_order_id,omitempty"`
	Adopted       bool            `json:"adopted,omitempty"`
	SignalSummary string          `json:"signal_summary,omitempty"`
}

// New creates a position from a fill.
func New(symbol string, quantity int64, fillPrice decimal.Decimal, filledAt time.Time) Position {
	return Position{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		OwnerTag:     OwnerTag,
		Quantity:     quantity,
		EntryPrice:   fillPrice,
		EntryTime:    filledAt,
		State:        StateInactive,
		HighestPrice: fillPrice,
		LastPrice:    fillPrice,
	}
}

// MarketValue returns quantity x last price.
func (p Position) MarketValue() decimal.Decimal {
	return p.LastPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// CostBasis returns quantity x entry price.
func (p Position) CostBasis() decimal.Decimal {
	return p.EntryPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPnLPct returns the fractional gain since entry, e.g. 0.012
// for +1.2%. Zero entry price yields zero.
func (p Position) UnrealizedPnLPct() float64 {
	if p.EntryPrice.IsZero() {
		return 0
	}
	pct, _ := p.LastPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Float64()
	return pct
}

// HoldingDuration returns time since entry.
func (p Position) HoldingDuration() time.Duration {
	return time.Since(p.EntryTime)
}
