package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/news"
)

// Engine runs the strategy roster in parallel and folds the verdicts
// into one composite decision per symbol.
type Engine struct {
	strategies []Strategy
	cfg        config.SignalConfig
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewEngine creates the engine over the given roster. A nil roster gets
// the default strategies.
func NewEngine(cfg config.SignalConfig, strategies []Strategy) *Engine {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	timeout := time.Duration(cfg.StrategyTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Engine{
		strategies: strategies,
		cfg:        cfg,
		timeout:    timeout,
		logger:     config.NewLogger("signal"),
	}
}

func (e *Engine) weight(strategy string) float64 {
	if w, ok := e.cfg.StrategyWeights[strategy]; ok {
		return w
	}
	return 1.0
}

// Evaluate produces the composite decision for one symbol. Every
// strategy runs concurrently; one that overruns the per-strategy
// timeout counts as Skip with zero confidence.
func (e *Engine) Evaluate(ctx context.Context, in Input) Composite {
	verdicts := e.collect(ctx, in)

	c := Composite{
		Symbol:         in.Symbol.Ticker,
		Verdicts:       verdicts,
		SentimentScore: in.Sentiment.Score,
		VolumeRatio:    in.Indicators.VolumeRatio20,
	}

	var weightedSum, weightTotal float64
	for _, v := range verdicts {
		switch v.Action {
		case ActionExit:
			c.Vetoed = true
			c.RejectReason = fmt.Sprintf("%s vetoed: %s", v.Strategy, v.Reason)
		case ActionEnter:
			c.Agree++
			w := e.weight(v.Strategy)
			weightedSum += v.Confidence * w
			weightTotal += w
		}
	}

	if in.Sentiment.Decision == news.DecisionBlock && !c.Vetoed {
		c.Vetoed = true
		c.RejectReason = "sentiment filter blocked"
	}

	c.AgreementLevel = LevelFor(c.Agree)
	if weightTotal > 0 {
		c.Confidence = weightedSum / weightTotal * c.AgreementLevel.Boost()
	}
	if in.Sentiment.Decision == news.DecisionBoost {
		c.Confidence += news.ConfidenceBoost
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}

	switch {
	case c.Vetoed:
	case c.Agree < e.cfg.MinAgreeingStrategies:
		c.RejectReason = fmt.Sprintf("%d agreeing strategies, need %d", c.Agree, e.cfg.MinAgreeingStrategies)
	case c.Confidence < e.cfg.MinCompositeConfidence:
		c.RejectReason = fmt.Sprintf("confidence %.3f below %.3f", c.Confidence, e.cfg.MinCompositeConfidence)
	default:
		c.Accepted = true
	}

	e.logger.Debug().
		Str("symbol", c.Symbol).
		Bool("accepted", c.Accepted).
		Int("agree", c.Agree).
		Float64("confidence", c.Confidence).
		Str("reject_reason", c.RejectReason).
		Msg("composite signal evaluated")
	return c
}

func (e *Engine) collect(ctx context.Context, in Input) []Verdict {
	type slot struct {
		idx int
		v   Verdict
	}
	results := make(chan slot, len(e.strategies))

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	for i, s := range e.strategies {
		go func(i int, s Strategy) {
			results <- slot{idx: i, v: s.Evaluate(evalCtx, in)}
		}(i, s)
	}

	verdicts := make([]Verdict, len(e.strategies))
	received := make([]bool, len(e.strategies))
	for range e.strategies {
		select {
		case r := <-results:
			verdicts[r.idx] = r.v
			received[r.idx] = true
		case <-evalCtx.Done():
			for i, ok := range received {
				if !ok {
					verdicts[i] = Verdict{
						Strategy: e.strategies[i].Name(),
						Action:   ActionSkip,
						Reason:   "strategy timed out",
					}
					e.logger.Warn().Str("strategy", e.strategies[i].Name()).Str("symbol", in.Symbol.Ticker).Msg("strategy timed out")
				}
			}
			return verdicts
		}
	}
	return verdicts
}
