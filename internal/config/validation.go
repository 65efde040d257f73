package config

import (
	"fmt"
	"time"
)

// Validate checks the configuration for values that would make the
// trading loop unsafe to start.
func (c *Config) Validate() error {
	if c.App.Environment != "sandbox" && c.App.Environment != "production" {
		return fmt.Errorf("app.environment must be \"sandbox\" or \"production\", got %q", c.App.Environment)
	}

	if _, err := time.LoadLocation(c.Session.ExchangeTimezone); err != nil {
		return fmt.Errorf("session.exchange_timezone %q is not a valid IANA zone: %w", c.Session.ExchangeTimezone, err)
	}
	if c.Session.ScanIntervalSec < 10 {
		return fmt.Errorf("session.scan_interval_sec must be >= 10, got %d", c.Session.ScanIntervalSec)
	}
	if c.Session.PositionTickSec < 5 {
		return fmt.Errorf("session.position_tick_sec must be >= 5, got %d", c.Session.PositionTickSec)
	}
	if c.Session.UniversePath == "" {
		return fmt.Errorf("session.universe_path is required")
	}

	if len(c.Data.ProviderOrder) == 0 {
		return fmt.Errorf("data.provider_order must name at least one provider")
	}
	if c.Data.ProviderBatchSize < 1 || c.Data.ProviderBatchSize > 50 {
		return fmt.Errorf("data.provider_batch_size must be in [1,50], got %d", c.Data.ProviderBatchSize)
	}
	if c.Data.CacheSize < 1 {
		return fmt.Errorf("data.cache_size must be positive, got %d", c.Data.CacheSize)
	}

	if c.Signal.MinAgreeingStrategies < 1 {
		return fmt.Errorf("signal.min_agreeing_strategies must be >= 1, got %d", c.Signal.MinAgreeingStrategies)
	}
	if c.Signal.MinCompositeConfidence < 0 || c.Signal.MinCompositeConfidence > 1 {
		return fmt.Errorf("signal.min_composite_confidence must be in [0,1], got %f", c.Signal.MinCompositeConfidence)
	}
	for name, w := range c.Signal.StrategyWeights {
		if w < 0 {
			return fmt.Errorf("signal.strategy_weights.%s must be non-negative, got %f", name, w)
		}
	}

	if c.Sizing.MaxConcurrentPositions < 1 {
		return fmt.Errorf("sizing.max_concurrent_positions must be >= 1, got %d", c.Sizing.MaxConcurrentPositions)
	}
	if c.Sizing.ReserveFraction < 0 || c.Sizing.ReserveFraction >= 1 {
		return fmt.Errorf("sizing.reserve_fraction must be in [0,1), got %f", c.Sizing.ReserveFraction)
	}
	if c.Sizing.MaxPositionFraction <= 0 || c.Sizing.MaxPositionFraction > 1 {
		return fmt.Errorf("sizing.max_position_fraction must be in (0,1], got %f", c.Sizing.MaxPositionFraction)
	}

	if err := c.Trailing.validate(); err != nil {
		return err
	}

	if c.News.BlockThreshold < 0 || c.News.BlockThreshold > 1 {
		return fmt.Errorf("news.block_threshold must be in [0,1], got %f", c.News.BlockThreshold)
	}

	if c.Auth.ClockSkewToleranceSec < 1 {
		return fmt.Errorf("auth.clock_skew_tolerance_sec must be positive, got %d", c.Auth.ClockSkewToleranceSec)
	}

	return nil
}

func (c *TrailingConfig) validate() error {
	pcts := []struct {
		name  string
		value float64
	}{
		{"initial_stop_pct", c.InitialStopPct},
		{"breakeven_trigger_pct", c.BreakevenTriggerPct},
		{"breakeven_offset_pct", c.BreakevenOffsetPct},
		{"trailing_activate_pct", c.TrailingActivatePct},
		{"min_trail_pct", c.MinTrailPct},
		{"max_trail_pct", c.MaxTrailPct},
		{"explosive_trigger_pct", c.ExplosiveTriggerPct},
		{"moon_trigger_pct", c.MoonTriggerPct},
	}
	for _, p := range pcts {
		if p.value <= 0 || p.value >= 1 {
			return fmt.Errorf("trailing.%s must be in (0,1), got %f", p.name, p.value)
		}
	}
	if c.MinTrailPct > c.MaxTrailPct {
		return fmt.Errorf("trailing.min_trail_pct %f exceeds max_trail_pct %f", c.MinTrailPct, c.MaxTrailPct)
	}
	// Thresholds must preserve the escalation order of the state machine.
	if c.BreakevenTriggerPct >= c.TrailingActivatePct ||
		c.TrailingActivatePct >= c.ExplosiveTriggerPct ||
		c.ExplosiveTriggerPct >= c.MoonTriggerPct {
		return fmt.Errorf("trailing thresholds must satisfy breakeven < trailing < explosive < moon")
	}
	if c.MaxHoldingHours < 1 {
		return fmt.Errorf("trailing.max_holding_hours must be >= 1, got %d", c.MaxHoldingHours)
	}
	return nil
}
