package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Session    SessionConfig    `mapstructure:"session"`
	Data       DataConfig       `mapstructure:"data"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Signal     SignalConfig     `mapstructure:"signal"`
	Sizing     SizingConfig     `mapstructure:"sizing"`
	Trailing   TrailingConfig   `mapstructure:"trailing"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	News       NewsConfig       `mapstructure:"news"`
	Events     EventsConfig     `mapstructure:"events"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	State      StateConfig      `mapstructure:"state"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // sandbox or production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// SessionConfig drives the market-phase scheduler
type SessionConfig struct {
	ExchangeTimezone  string `mapstructure:"exchange_timezone"` // e.g. America/New_York
	ScanIntervalSec   int    `mapstructure:"scan_interval_sec"`
	PositionTickSec   int    `mapstructure:"position_tick_sec"`
	HolidayPath       string `mapstructure:"holiday_path"`
	UniversePath      string `mapstructure:"universe_path"`
	SentimentMapPath  string `mapstructure:"sentiment_map_path"`
	FlattenAtClose    bool   `mapstructure:"flatten_at_close"`
	ReconcileEveryMin int    `mapstructure:"reconcile_every_min"`
}

// DataConfig contains market-data fabric settings
type DataConfig struct {
	ProviderOrder     []string                  `mapstructure:"provider_order"`
	QuoteTTLSec       int                       `mapstructure:"quote_ttl_sec"`
	BarTTLSec         int                       `mapstructure:"bar_ttl_sec"`
	BarTTLDailySec    int                       `mapstructure:"bar_ttl_daily_sec"`
	SentimentTTLSec   int                       `mapstructure:"sentiment_ttl_sec"`
	CacheSize         int                       `mapstructure:"cache_size"`
	ProviderBatchSize int                       `mapstructure:"provider_batch_size"`
	RequestTimeoutSec int                       `mapstructure:"request_timeout_sec"`
	MaxWaitSec        int                       `mapstructure:"max_wait_sec"`
	Providers         map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig contains per-provider limits and credentials
type ProviderConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKeySecret   string `mapstructure:"api_key_secret"` // secret-store name, not the key itself
	CallsPerMinute int    `mapstructure:"calls_per_minute"`
	BurstCapacity  int    `mapstructure:"burst_capacity"`
	DailyBudget    int    `mapstructure:"daily_budget"`
}

// AuthConfig contains OAuth session settings for the broker
type AuthConfig struct {
	SandboxHost           string `mapstructure:"sandbox_host"`
	ProductionHost        string `mapstructure:"production_host"`
	ConsumerKeySecret     string `mapstructure:"consumer_key_secret"`
	ConsumerSecretSecret  string `mapstructure:"consumer_secret_secret"`
	TokenSecret           string `mapstructure:"token_secret"` // secret name holding token pair
	KeepAliveMin          int    `mapstructure:"keep_alive_min"`
	ClockSkewToleranceSec int    `mapstructure:"clock_skew_tolerance_sec"`
	GracePeriodMin        int    `mapstructure:"grace_period_min"`
	BrokerTimeoutSec      int    `mapstructure:"broker_timeout_sec"`
	AccountID             string `mapstructure:"account_id"`
}

// SignalConfig contains signal-engine gates and weights
type SignalConfig struct {
	MinAgreeingStrategies  int                `mapstructure:"min_agreeing_strategies"`
	MinCompositeConfidence float64            `mapstructure:"min_composite_confidence"`
	StrategyTimeoutSec     int                `mapstructure:"strategy_timeout_sec"`
	StrategyWeights        map[string]float64 `mapstructure:"strategy_weights"`
}

// SizingConfig contains position-sizer settings
type SizingConfig struct {
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	ReserveFraction        float64 `mapstructure:"reserve_fraction"`      // kept out of trading capital
	MaxPositionFraction    float64 `mapstructure:"max_position_fraction"` // of portfolio value
	MinPositionValue       float64 `mapstructure:"min_position_value"`
	SlippageBuffer         float64 `mapstructure:"slippage_buffer"`
}

// TrailingConfig contains stealth-trailing thresholds
type TrailingConfig struct {
	InitialStopPct         float64 `mapstructure:"initial_stop_pct"`
	BreakevenTriggerPct    float64 `mapstructure:"breakeven_trigger_pct"`
	BreakevenOffsetPct     float64 `mapstructure:"breakeven_offset_pct"`
	TrailingActivatePct    float64 `mapstructure:"trailing_activate_pct"`
	MinTrailPct            float64 `mapstructure:"min_trail_pct"`
	MaxTrailPct            float64 `mapstructure:"max_trail_pct"`
	ExplosiveTriggerPct    float64 `mapstructure:"explosive_trigger_pct"`
	ExplosiveTakeProfitPct float64 `mapstructure:"explosive_take_profit_pct"`
	MoonTriggerPct         float64 `mapstructure:"moon_trigger_pct"`
	MoonTakeProfitPct      float64 `mapstructure:"moon_take_profit_pct"`
	RSICloseThreshold      float64 `mapstructure:"rsi_close_threshold"`
	SellingSurgeThreshold  float64 `mapstructure:"selling_surge_threshold"`
	MaxHoldingHours        int     `mapstructure:"max_holding_hours"`
}

// ExecutorConfig contains order-executor settings
type ExecutorConfig struct {
	OrderPollIntervalSec int `mapstructure:"order_poll_interval_sec"`
	PreviewTimeoutSec    int `mapstructure:"preview_timeout_sec"`
	FillTimeoutSec       int `mapstructure:"fill_timeout_sec"`
}

// NewsConfig contains sentiment-filter settings
type NewsConfig struct {
	LookbackHours          int                       `mapstructure:"lookback_hours"`
	PremarketLookbackHours int                       `mapstructure:"premarket_lookback_hours"`
	BlockThreshold         float64                   `mapstructure:"block_threshold"`
	BoostThreshold         float64                   `mapstructure:"boost_threshold"`
	BoostMinConfidence     float64                   `mapstructure:"boost_min_confidence"`
	Sources                map[string]ProviderConfig `mapstructure:"sources"`
}

// EventsConfig contains event sink settings
type EventsConfig struct {
	NATSURL             string `mapstructure:"nats_url"`
	SubjectPrefix       string `mapstructure:"subject_prefix"`
	TelegramEnabled     bool   `mapstructure:"telegram_enabled"`
	TelegramChatID      int64  `mapstructure:"telegram_chat_id"`
	TelegramTokenSecret string `mapstructure:"telegram_token_secret"`
}

// RedisConfig contains the optional L2 cache tier settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ArchiveConfig contains the closed-trade archive settings
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// VaultConfig contains secret-store settings
type VaultConfig struct {
	Address      string `mapstructure:"address"`
	MountPath    string `mapstructure:"mount_path"`
	WatchPollSec int    `mapstructure:"watch_poll_sec"`
}

// MonitoringConfig contains ops server settings
type MonitoringConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// StateConfig contains durable-state settings
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("EES")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "ees")
	v.SetDefault("app.environment", "sandbox")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Session defaults
	v.SetDefault("session.exchange_timezone", "America/New_York")
	v.SetDefault("session.scan_interval_sec", 120)
	v.SetDefault("session.position_tick_sec", 60)
	v.SetDefault("session.holiday_path", "./configs/holidays.yaml")
	v.SetDefault("session.universe_path", "./configs/universe.yaml")
	v.SetDefault("session.sentiment_map_path", "./configs/sentiment_map.yaml")
	v.SetDefault("session.flatten_at_close", false)
	v.SetDefault("session.reconcile_every_min", 5)

	// Data fabric defaults
	v.SetDefault("data.provider_order", []string{"broker", "polygon", "alphavantage", "yahoo"})
	v.SetDefault("data.quote_ttl_sec", 60)
	v.SetDefault("data.bar_ttl_sec", 3600)
	v.SetDefault("data.bar_ttl_daily_sec", 86400)
	v.SetDefault("data.sentiment_ttl_sec", 900)
	v.SetDefault("data.cache_size", 1024)
	v.SetDefault("data.provider_batch_size", 50)
	v.SetDefault("data.request_timeout_sec", 5)
	v.SetDefault("data.max_wait_sec", 10)
	v.SetDefault("data.providers.broker.enabled", true)
	v.SetDefault("data.providers.broker.calls_per_minute", 120)
	v.SetDefault("data.providers.broker.burst_capacity", 20)
	v.SetDefault("data.providers.broker.daily_budget", 10000)
	v.SetDefault("data.providers.polygon.enabled", true)
	v.SetDefault("data.providers.polygon.base_url", "https://api.polygon.io")
	v.SetDefault("data.providers.polygon.api_key_secret", "polygon_api_key")
	v.SetDefault("data.providers.polygon.calls_per_minute", 5)
	v.SetDefault("data.providers.polygon.burst_capacity", 5)
	v.SetDefault("data.providers.polygon.daily_budget", 5000)
	v.SetDefault("data.providers.alphavantage.enabled", true)
	v.SetDefault("data.providers.alphavantage.base_url", "https://www.alphavantage.co")
	v.SetDefault("data.providers.alphavantage.api_key_secret", "alphavantage_api_key")
	v.SetDefault("data.providers.alphavantage.calls_per_minute", 5)
	v.SetDefault("data.providers.alphavantage.burst_capacity", 5)
	v.SetDefault("data.providers.alphavantage.daily_budget", 500)
	v.SetDefault("data.providers.yahoo.enabled", true)
	v.SetDefault("data.providers.yahoo.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("data.providers.yahoo.calls_per_minute", 30)
	v.SetDefault("data.providers.yahoo.burst_capacity", 10)
	v.SetDefault("data.providers.yahoo.daily_budget", 20000)

	// Auth defaults
	v.SetDefault("auth.sandbox_host", "https://apisb.etrade.com")
	v.SetDefault("auth.production_host", "https://api.etrade.com")
	v.SetDefault("auth.consumer_key_secret", "broker_consumer_key")
	v.SetDefault("auth.consumer_secret_secret", "broker_consumer_secret")
	v.SetDefault("auth.token_secret", "broker_tokens")
	v.SetDefault("auth.keep_alive_min", 90)
	v.SetDefault("auth.clock_skew_tolerance_sec", 120)
	v.SetDefault("auth.grace_period_min", 10)
	v.SetDefault("auth.broker_timeout_sec", 10)

	// Signal defaults
	v.SetDefault("signal.min_agreeing_strategies", 2)
	v.SetDefault("signal.min_composite_confidence", 0.90)
	v.SetDefault("signal.strategy_timeout_sec", 2)

	// Sizing defaults
	v.SetDefault("sizing.max_concurrent_positions", 20)
	v.SetDefault("sizing.reserve_fraction", 0.20)
	v.SetDefault("sizing.max_position_fraction", 0.35)
	v.SetDefault("sizing.min_position_value", 50.0)
	v.SetDefault("sizing.slippage_buffer", 0.002)

	// Trailing defaults
	v.SetDefault("trailing.initial_stop_pct", 0.02)
	v.SetDefault("trailing.breakeven_trigger_pct", 0.005)
	v.SetDefault("trailing.breakeven_offset_pct", 0.001)
	v.SetDefault("trailing.trailing_activate_pct", 0.01)
	v.SetDefault("trailing.min_trail_pct", 0.005)
	v.SetDefault("trailing.max_trail_pct", 0.05)
	v.SetDefault("trailing.explosive_trigger_pct", 0.10)
	v.SetDefault("trailing.explosive_take_profit_pct", 0.10)
	v.SetDefault("trailing.moon_trigger_pct", 0.25)
	v.SetDefault("trailing.moon_take_profit_pct", 0.25)
	v.SetDefault("trailing.rsi_close_threshold", 45.0)
	v.SetDefault("trailing.selling_surge_threshold", 1.4)
	v.SetDefault("trailing.max_holding_hours", 4)

	// Executor defaults
	v.SetDefault("executor.order_poll_interval_sec", 2)
	v.SetDefault("executor.preview_timeout_sec", 15)
	v.SetDefault("executor.fill_timeout_sec", 120)

	// News defaults
	v.SetDefault("news.lookback_hours", 24)
	v.SetDefault("news.premarket_lookback_hours", 30)
	v.SetDefault("news.block_threshold", 0.3)
	v.SetDefault("news.boost_threshold", 0.3)
	v.SetDefault("news.boost_min_confidence", 0.6)

	// Events defaults
	v.SetDefault("events.nats_url", "nats://localhost:4222")
	v.SetDefault("events.subject_prefix", "ees.events")
	v.SetDefault("events.telegram_enabled", false)
	v.SetDefault("events.telegram_token_secret", "telegram_bot_token")

	// Redis defaults (L2 cache tier disabled unless configured)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.host", "localhost")
	v.SetDefault("archive.port", 5432)
	v.SetDefault("archive.user", "postgres")
	v.SetDefault("archive.database", "ees")
	v.SetDefault("archive.ssl_mode", "disable")

	// Vault defaults
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.watch_poll_sec", 15)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.host", "0.0.0.0")
	v.SetDefault("monitoring.port", 9100)

	// State defaults
	v.SetDefault("state.path", "./data/state.json")
}

// ScanInterval returns the scan-tick cadence as a duration
func (c *SessionConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

// PositionTick returns the position-refresh cadence as a duration
func (c *SessionConfig) PositionTick() time.Duration {
	return time.Duration(c.PositionTickSec) * time.Second
}

// ReconcileInterval returns the reconciliation cadence as a duration
func (c *SessionConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileEveryMin) * time.Minute
}

// QuoteTTL returns the quote cache TTL as a duration
func (c *DataConfig) QuoteTTL() time.Duration {
	return time.Duration(c.QuoteTTLSec) * time.Second
}

// BarTTL returns the bar cache TTL for a given intraday flag
func (c *DataConfig) BarTTL(daily bool) time.Duration {
	if daily {
		return time.Duration(c.BarTTLDailySec) * time.Second
	}
	return time.Duration(c.BarTTLSec) * time.Second
}

// RequestTimeout returns the per-provider request timeout
func (c *DataConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// MaxWait returns the longest a caller will wait on a rate bucket
func (c *DataConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSec) * time.Second
}

// KeepAlive returns the OAuth keep-alive interval
func (c *AuthConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveMin) * time.Minute
}

// GracePeriod returns the auth grace period
func (c *AuthConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMin) * time.Minute
}

// BrokerTimeout returns the broker HTTP timeout
func (c *AuthConfig) BrokerTimeout() time.Duration {
	return time.Duration(c.BrokerTimeoutSec) * time.Second
}

// Host returns the broker host for the configured environment
func (c *AuthConfig) Host(environment string) string {
	if environment == "production" {
		return c.ProductionHost
	}
	return c.SandboxHost
}

// StrategyTimeout returns the per-strategy evaluation timeout
func (c *SignalConfig) StrategyTimeout() time.Duration {
	return time.Duration(c.StrategyTimeoutSec) * time.Second
}

// MaxHolding returns the time-stop duration
func (c *TrailingConfig) MaxHolding() time.Duration {
	return time.Duration(c.MaxHoldingHours) * time.Hour
}

// OrderPollInterval returns the order status polling cadence
func (c *ExecutorConfig) OrderPollInterval() time.Duration {
	return time.Duration(c.OrderPollIntervalSec) * time.Second
}

// FillTimeout returns how long a placed order may stay non-terminal
func (c *ExecutorConfig) FillTimeout() time.Duration {
	return time.Duration(c.FillTimeoutSec) * time.Second
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetDSN returns the PostgreSQL connection string for the archive
func (c *ArchiveConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
