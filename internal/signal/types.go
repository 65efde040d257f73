package signal

import (
	"context"
	"time"

	"github.com/ees-trading/ees/internal/indicators"
	"github.com/ees-trading/ees/internal/marketdata"
	"github.com/ees-trading/ees/internal/news"
	"github.com/ees-trading/ees/internal/universe"
)

// Action is a strategy's verdict class.
type Action string

const (
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
	ActionSkip  Action = "skip"
)

// Verdict is one strategy's opinion on one symbol.
type Verdict struct {
	Strategy   string  `json:"strategy"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Input bundles everything a strategy may look at. Strategies are pure
// over this value; no state survives between calls.
type Input struct {
	Symbol     universe.Symbol
	Quote      marketdata.Quote
	Bars       []marketdata.Bar
	Indicators indicators.Set
	Sentiment  news.Assessment

	// SessionOpen is today's regular-hours open in the exchange
	// timezone, for opening-range strategies.
	SessionOpen time.Time
}

// Strategy is the uniform verdict interface.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, in Input) Verdict
}

// AgreementLevel grades how many strategies want in.
type AgreementLevel string

const (
	AgreementNone    AgreementLevel = "none"
	AgreementLow     AgreementLevel = "low"
	AgreementMedium  AgreementLevel = "medium"
	AgreementHigh    AgreementLevel = "high"
	AgreementMaximum AgreementLevel = "maximum"
)

// LevelFor maps an agreeing-strategy count to its level.
func LevelFor(agree int) AgreementLevel {
	switch {
	case agree >= 4:
		return AgreementMaximum
	case agree == 3:
		return AgreementHigh
	case agree == 2:
		return AgreementMedium
	case agree == 1:
		return AgreementLow
	}
	return AgreementNone
}

// Boost returns the multiplicative confidence boost for the level.
func (l AgreementLevel) Boost() float64 {
	switch l {
	case AgreementMedium:
		return 1.1
	case AgreementHigh:
		return 1.2
	case AgreementMaximum:
		return 1.3
	}
	return 1.0
}

// SizingBonus returns the additive position-size bonus for the level.
func (l AgreementLevel) SizingBonus() float64 {
	switch l {
	case AgreementMedium:
		return 0.25
	case AgreementHigh:
		return 0.50
	case AgreementMaximum:
		return 1.00
	}
	return 0
}

func (l AgreementLevel) rank() int {
	switch l {
	case AgreementLow:
		return 1
	case AgreementMedium:
		return 2
	case AgreementHigh:
		return 3
	case AgreementMaximum:
		return 4
	}
	return 0
}

// Composite is the aggregated decision for one symbol.
type Composite struct {
	Symbol         string         `json:"symbol"`
	Accepted       bool           `json:"accepted"`
	Confidence     float64        `json:"confidence"`
	Agree          int            `json:"agree"`
	AgreementLevel AgreementLevel `json:"agreement_level"`
	Vetoed         bool           `json:"vetoed"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	Verdicts       []Verdict      `json:"verdicts"`

	SentimentScore float64 `json:"sentiment_score"`
	VolumeRatio    float64 `json:"volume_ratio"`
}

// Less orders two accepted composites best-first: confidence, then
// agreement level, then sentiment, then volume ratio, then symbol.
func Less(a, b Composite) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.AgreementLevel != b.AgreementLevel {
		return a.AgreementLevel.rank() > b.AgreementLevel.rank()
	}
	if a.SentimentScore != b.SentimentScore {
		return a.SentimentScore > b.SentimentScore
	}
	if a.VolumeRatio != b.VolumeRatio {
		return a.VolumeRatio > b.VolumeRatio
	}
	return a.Symbol < b.Symbol
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
