package news

import "time"

// Item is one normalized news article from any source.
type Item struct {
	Source      string    `json:"source"`
	Headline    string    `json:"headline"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Age returns how old the item is.
func (i Item) Age() time.Duration {
	return time.Since(i.PublishedAt)
}

// Decision is the directional verdict for one symbol.
type Decision string

const (
	DecisionBlock   Decision = "block"
	DecisionBoost   Decision = "boost"
	DecisionNeutral Decision = "neutral"
)

// Sentiment is the aggregated per-underlying score before any
// direction awareness is applied.
type Sentiment struct {
	UnderlyingID string    `json:"underlying_id"`
	Score        float64   `json:"score"`      // [-1, 1]
	Confidence   float64   `json:"confidence"` // [0, 1]
	SourceCount  int       `json:"source_count"`
	ItemCount    int       `json:"item_count"`
	ComputedAt   time.Time `json:"computed_at"`
}

// Assessment is the direction-aware verdict handed to the signal
// engine for one symbol.
type Assessment struct {
	Decision   Decision `json:"decision"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Aligned    bool     `json:"aligned"`
}

// ConfidenceBoost is the additive confidence contribution of a Boost
// verdict.
const ConfidenceBoost = 0.2
