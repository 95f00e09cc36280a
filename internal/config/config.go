package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	NATS       NATSConfig                `mapstructure:"nats"`
	Engine     EngineConfig              `mapstructure:"engine"`
	Trading    TradingConfig             `mapstructure:"trading"`
	Risk       RiskConfig                `mapstructure:"risk"`
	Regime     RegimeConfig              `mapstructure:"regime"`
	Consensus  ConsensusConfig           `mapstructure:"consensus"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Brokers    map[string]BrokerConfig   `mapstructure:"brokers"`
	Execution  ExecutionConfig           `mapstructure:"execution"`
	Queue      QueueConfig               `mapstructure:"queue"`
	API        APIConfig                 `mapstructure:"api"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
	Alerts     AlertsConfig              `mapstructure:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SignalSubject string `mapstructure:"signal_subject"` // prefix, e.g. "signals"
	TradeSubject  string `mapstructure:"trade_subject"`  // prefix, e.g. "trades"
}

// SymbolConfig describes one tradable symbol
type SymbolConfig struct {
	Symbol      string  `mapstructure:"symbol"`
	AssetClass  string  `mapstructure:"asset_class"` // "equity" or "crypto"
	MinNotional float64 `mapstructure:"min_notional"`
}

// EngineConfig contains signal-generation cycle settings
type EngineConfig struct {
	CycleIntervalMS   int            `mapstructure:"cycle_interval_ms"`
	CycleWorkers      int            `mapstructure:"cycle_workers"`
	MinPriceChangePct float64        `mapstructure:"min_price_change_pct"`
	MarketRaceMS      int            `mapstructure:"market_race_timeout_ms"`
	FanoutTimeoutMS   int            `mapstructure:"fanout_timeout_ms"`
	ShutdownGraceMS   int            `mapstructure:"shutdown_grace_ms"`
	Symbols           []SymbolConfig `mapstructure:"symbols"`
}

// TradingConfig contains trade construction settings
type TradingConfig struct {
	AutoExecute     bool    `mapstructure:"auto_execute"`
	AllowFlip       bool    `mapstructure:"allow_flip"`
	PaperMode       bool    `mapstructure:"paper_mode"`
	Broker          string  `mapstructure:"broker"` // key into Brokers map
	ProfitTargetPct float64 `mapstructure:"profit_target_pct"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
}

// RiskConfig contains risk management settings
type RiskConfig struct {
	PositionSizePct        float64             `mapstructure:"position_size_pct"`
	MaxPositionSizePct     float64             `mapstructure:"max_position_size_pct"`
	MarginBufferPct        float64             `mapstructure:"margin_buffer_pct"`
	MaxDrawdownPct         float64             `mapstructure:"max_drawdown_pct"`
	DailyLossLimitPct      float64             `mapstructure:"daily_loss_limit_pct"`
	MaxCorrelatedPositions int                 `mapstructure:"max_correlated_positions"`
	CorrelationBuckets     map[string][]string `mapstructure:"correlation_buckets"` // bucket -> symbols
	VolatilityCacheTTLMS   int                 `mapstructure:"volatility_cache_ttl_ms"`
	VolatilityCacheSize    int                 `mapstructure:"volatility_cache_size"`
	PropProfile            string              `mapstructure:"prop_profile"` // "", "standard", or "conservative"
}

// RegimeConfig contains regime classification settings
type RegimeConfig struct {
	Thresholds       map[string]float64 `mapstructure:"thresholds"`  // regime -> min confidence
	Calibration      map[string]float64 `mapstructure:"calibration"` // regime -> kappa
	DefaultThreshold float64            `mapstructure:"default_threshold"`
	Lookback         int                `mapstructure:"lookback"` // price points used for classification
}

// ConsensusConfig contains signal-fusion settings
type ConsensusConfig struct {
	CacheTTLMS      int     `mapstructure:"cache_ttl_ms"`
	CacheSize       int     `mapstructure:"cache_size"`
	MinConfidence   float64 `mapstructure:"min_confidence"`    // per-provider floor
	MaxStalenessMS  int     `mapstructure:"max_staleness_ms"`  // provider signals older than this are dropped
	PriceBucketPct  float64 `mapstructure:"price_bucket_pct"`  // quantization step for cache keys
	RegimeWeightMap bool    `mapstructure:"regime_weight_map"` // apply regime-specific weight adjustments
}

// ProviderConfig contains per-provider settings
type ProviderConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Weight       float64 `mapstructure:"weight"`
	RatePerSec   float64 `mapstructure:"rate_per_sec"`
	Burst        int     `mapstructure:"burst"`
	TimeoutMS    int     `mapstructure:"timeout_ms"`
	MaxWaitMS    int     `mapstructure:"max_wait_ms"` // rate-limiter acquire budget
	APIKey       string  `mapstructure:"api_key"`
	SecretKey    string  `mapstructure:"secret_key"`
	ConfFloorPct float64 `mapstructure:"confidence_floor"`
}

// BrokerConfig contains broker adapter settings
type BrokerConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	SecretKey   string  `mapstructure:"secret_key"`
	Testnet     bool    `mapstructure:"testnet"`
	FeeRate     float64 `mapstructure:"fee_rate"`
	InitialCash float64 `mapstructure:"initial_cash"` // paper broker starting equity
}

// ExecutionConfig contains order submission settings
type ExecutionConfig struct {
	MaxRetryAttempts     int `mapstructure:"max_retry_attempts"`
	BaseRetryDelayMS     int `mapstructure:"base_retry_delay_ms"`
	OrderDeadlineMS      int `mapstructure:"order_deadline_ms"`
	AccountCacheTTLMS    int `mapstructure:"account_cache_ttl_ms"`
	PositionsCacheTTLMS  int `mapstructure:"positions_cache_ttl_ms"`
	OrderPollIntervalMS  int `mapstructure:"order_poll_interval_ms"`
	BracketRetryAttempts int `mapstructure:"bracket_retry_attempts"`
}

// QueueConfig contains deferred-execution queue settings
type QueueConfig struct {
	MaxAgeMS          int     `mapstructure:"max_age_ms"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	BackoffBaseMS     int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMS      int     `mapstructure:"backoff_max_ms"`
	MaxPriceDriftPct  float64 `mapstructure:"max_price_drift_pct"`
	BatchSize         int     `mapstructure:"batch_size"`
	WakeIntervalMS    int     `mapstructure:"wake_interval_ms"`
	MonitorIntervalMS int     `mapstructure:"monitor_interval_ms"`
	MinBuyingPower    float64 `mapstructure:"min_buying_power"`
}

// APIConfig contains control-surface settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort        int  `mapstructure:"prometheus_port"`
	EnableMetrics         bool `mapstructure:"enable_metrics"`
	ChainVerifyIntervalMS int  `mapstructure:"chain_verify_interval_ms"`
}

// AlertsConfig contains critical alerting settings
type AlertsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
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

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("SIGNALFLUX")

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
	v.SetDefault("app.name", "signalflux")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "signalflux")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.signal_subject", "signals")
	v.SetDefault("nats.trade_subject", "trades")

	// Engine defaults
	v.SetDefault("engine.cycle_interval_ms", 5000)
	v.SetDefault("engine.cycle_workers", 6)
	v.SetDefault("engine.min_price_change_pct", 0.005)
	v.SetDefault("engine.market_race_timeout_ms", 30000)
	v.SetDefault("engine.fanout_timeout_ms", 30000)
	v.SetDefault("engine.shutdown_grace_ms", 10000)

	// Trading defaults
	v.SetDefault("trading.auto_execute", false)
	v.SetDefault("trading.allow_flip", false)
	v.SetDefault("trading.paper_mode", true)
	v.SetDefault("trading.broker", "paper")
	v.SetDefault("trading.profit_target_pct", 0.05)
	v.SetDefault("trading.stop_loss_pct", 0.03)

	// Risk defaults
	v.SetDefault("risk.position_size_pct", 0.10)
	v.SetDefault("risk.max_position_size_pct", 0.15)
	v.SetDefault("risk.margin_buffer_pct", 0.05)
	v.SetDefault("risk.max_drawdown_pct", 0.10)
	v.SetDefault("risk.daily_loss_limit_pct", 0.03)
	v.SetDefault("risk.max_correlated_positions", 3)
	v.SetDefault("risk.volatility_cache_ttl_ms", 3600000)
	v.SetDefault("risk.volatility_cache_size", 256)
	v.SetDefault("risk.prop_profile", "")

	// Regime defaults
	v.SetDefault("regime.thresholds", map[string]float64{
		"TRENDING":      85.0,
		"CONSOLIDATION": 90.0,
		"VOLATILE":      88.0,
	})
	v.SetDefault("regime.calibration", map[string]float64{
		"TRENDING":      1.2,
		"CONSOLIDATION": 1.0,
		"VOLATILE":      0.9,
	})
	v.SetDefault("regime.default_threshold", 75.0)
	v.SetDefault("regime.lookback", 30)

	// Consensus defaults
	v.SetDefault("consensus.cache_ttl_ms", 120000)
	v.SetDefault("consensus.cache_size", 512)
	v.SetDefault("consensus.min_confidence", 20.0)
	v.SetDefault("consensus.max_staleness_ms", 60000)
	v.SetDefault("consensus.price_bucket_pct", 0.001)
	v.SetDefault("consensus.regime_weight_map", true)

	// Execution defaults
	v.SetDefault("execution.max_retry_attempts", 3)
	v.SetDefault("execution.base_retry_delay_ms", 1000)
	v.SetDefault("execution.order_deadline_ms", 5000)
	v.SetDefault("execution.account_cache_ttl_ms", 30000)
	v.SetDefault("execution.positions_cache_ttl_ms", 10000)
	v.SetDefault("execution.order_poll_interval_ms", 250)
	v.SetDefault("execution.bracket_retry_attempts", 1)

	// Queue defaults
	v.SetDefault("queue.max_age_ms", 900000)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base_ms", 1000)
	v.SetDefault("queue.backoff_max_ms", 300000)
	v.SetDefault("queue.max_price_drift_pct", 0.005)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.wake_interval_ms", 30000)
	v.SetDefault("queue.monitor_interval_ms", 60000)
	v.SetDefault("queue.min_buying_power", 100.0)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.chain_verify_interval_ms", 3600000)

	// Alerts defaults
	v.SetDefault("alerts.enabled", false)

	// Broker defaults
	v.SetDefault("brokers.paper.fee_rate", 0.001)
	v.SetDefault("brokers.paper.initial_cash", 100000.0)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CycleInterval returns the cycle interval as a duration
func (c *EngineConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMS) * time.Millisecond
}

// CycleTimeout is the deadline for a full cycle (2x interval)
func (c *EngineConfig) CycleTimeout() time.Duration {
	return 2 * c.CycleInterval()
}

// MarketRaceTimeout returns the primary market race deadline
func (c *EngineConfig) MarketRaceTimeout() time.Duration {
	return time.Duration(c.MarketRaceMS) * time.Millisecond
}

// FanoutTimeout returns the full provider fan-out join deadline
func (c *EngineConfig) FanoutTimeout() time.Duration {
	return time.Duration(c.FanoutTimeoutMS) * time.Millisecond
}

// ShutdownGrace returns the shutdown grace period
func (c *EngineConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

// Timeout returns the per-provider fetch timeout
func (c *ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// MaxWait returns the rate-limiter acquire budget
func (c *ProviderConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMS) * time.Millisecond
}

// CacheTTL returns the consensus cache TTL
func (c *ConsensusConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMS) * time.Millisecond
}

// MaxStaleness returns the provider-signal staleness cutoff
func (c *ConsensusConfig) MaxStaleness() time.Duration {
	return time.Duration(c.MaxStalenessMS) * time.Millisecond
}

// OrderDeadline returns the main-order status polling deadline
func (c *ExecutionConfig) OrderDeadline() time.Duration {
	return time.Duration(c.OrderDeadlineMS) * time.Millisecond
}

// BaseRetryDelay returns the first retry backoff
func (c *ExecutionConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMS) * time.Millisecond
}

// OrderPollInterval returns the order status poll cadence
func (c *ExecutionConfig) OrderPollInterval() time.Duration {
	return time.Duration(c.OrderPollIntervalMS) * time.Millisecond
}

// AccountCacheTTL returns the broker account cache TTL
func (c *ExecutionConfig) AccountCacheTTL() time.Duration {
	return time.Duration(c.AccountCacheTTLMS) * time.Millisecond
}

// PositionsCacheTTL returns the broker positions cache TTL
func (c *ExecutionConfig) PositionsCacheTTL() time.Duration {
	return time.Duration(c.PositionsCacheTTLMS) * time.Millisecond
}

// ChainVerifyInterval returns the periodic hash-chain verification interval
func (c *MonitoringConfig) ChainVerifyInterval() time.Duration {
	return time.Duration(c.ChainVerifyIntervalMS) * time.Millisecond
}

// MaxAge returns the queue entry expiry age
func (c *QueueConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMS) * time.Millisecond
}

// BackoffBase returns the queue retry base backoff
func (c *QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the queue retry backoff cap
func (c *QueueConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// WakeInterval returns the queue processor timer cadence
func (c *QueueConfig) WakeInterval() time.Duration {
	return time.Duration(c.WakeIntervalMS) * time.Millisecond
}

// MonitorInterval returns the account monitor poll cadence
func (c *QueueConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMS) * time.Millisecond
}

// VolatilityCacheTTL returns the realized-volatility cache TTL
func (c *RiskConfig) VolatilityCacheTTL() time.Duration {
	return time.Duration(c.VolatilityCacheTTLMS) * time.Millisecond
}
