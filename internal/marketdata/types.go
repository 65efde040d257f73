package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a bar interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

// Intraday reports whether the timeframe is 15 minutes or finer. Coarser
// timeframes use the longer bar-cache TTL.
func (tf Timeframe) Intraday() bool {
	switch tf {
	case Timeframe1m, Timeframe5m, Timeframe15m:
		return true
	}
	return false
}

// Valid reports whether the timeframe is one the fabric serves.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe1d:
		return true
	}
	return false
}

// Quote is an immutable market snapshot. Prices are fixed-point decimals
// so stop and take-profit comparisons never suffer float drift.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age returns how stale the quote is.
func (q Quote) Age() time.Duration {
	return time.Since(q.Timestamp)
}

// Bar is one OHLCV candle. Closes feed indicator math, which runs on
// float64 end to end.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Bullish reports whether the bar closed above its open.
func (b Bar) Bullish() bool {
	return b.Close > b.Open
}

var (
	// ErrNoProviderAvailable means every provider circuit is open or
	// disabled for the requested operation.
	ErrNoProviderAvailable = fmt.Errorf("no market data provider available")

	// ErrInsufficientHistory means a provider returned fewer bars than
	// the caller's minimum.
	ErrInsufficientHistory = fmt.Errorf("insufficient bar history")

	// ErrStaleQuote means the only quote on hand is older than the
	// freshness bound.
	ErrStaleQuote = fmt.Errorf("quote is stale")

	// ErrUnknownSymbol means the provider does not recognize the symbol.
	ErrUnknownSymbol = fmt.Errorf("unknown symbol")
)

// Provider is the uniform surface every upstream implements.
type Provider interface {
	Name() string

	// Quote fetches a single symbol snapshot.
	Quote(ctx context.Context, symbol string) (Quote, error)

	// BatchQuotes fetches up to the provider's batch limit in one call.
	// Partial results are allowed; missing symbols are simply absent.
	BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)

	// Bars fetches count bars, most recent last.
	Bars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error)

	// BatchLimit returns the provider's maximum symbols per batch call.
	BatchLimit() int
}

// ProviderHealth is the operator-facing view of one provider.
type ProviderHealth struct {
	Name          string    `json:"name"`
	CircuitState  string    `json:"circuit_state"`
	CallsToday    int64     `json:"calls_today"`
	DailyBudget   int       `json:"daily_budget"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
}
