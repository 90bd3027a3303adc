package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Feed      FeedConfig      `yaml:"feed"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Fees      FeesConfig      `yaml:"fees"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type FeedConfig struct {
	SpotURL        string        `yaml:"spot_url"`
	FuturesURL     string        `yaml:"futures_url"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	HandshakeDelay time.Duration `yaml:"handshake_delay"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type StrategyConfig struct {
	Symbols             []string      `yaml:"symbols"`
	PositionSizeQuote   float64       `yaml:"position_size_quote"`
	MaxOpenPositions    int           `yaml:"max_open_positions"`
	MinProfitableAPR    float64       `yaml:"min_profitable_apr"`
	MinPositiveFunding  float64       `yaml:"min_positive_funding"`
	MaxSlippagePercent  float64       `yaml:"max_slippage_percent"`
	MinLiquidityQuote   float64       `yaml:"min_liquidity_quote"`
	MinSpotPrice        float64       `yaml:"min_spot_price"`
	MaxHoldDuration     time.Duration `yaml:"max_hold_duration"`
	FundingIntervalHrs  int           `yaml:"funding_interval_hours"`
	OpportunityCacheTTL time.Duration `yaml:"opportunity_cache_ttl"`
	ScanInterval        time.Duration `yaml:"scan_interval"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	TickInterval        time.Duration `yaml:"tick_interval"`
}

type FeesConfig struct {
	SpotMaker    float64 `yaml:"spot_maker"`
	SpotTaker    float64 `yaml:"spot_taker"`
	FuturesMaker float64 `yaml:"futures_maker"`
	FuturesTaker float64 `yaml:"futures_taker"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Feed.SpotURL == "" {
		cfg.Feed.SpotURL = "wss://ws.coinswitch.co/spot"
	}
	if cfg.Feed.FuturesURL == "" {
		cfg.Feed.FuturesURL = "wss://ws.coinswitch.co/futures"
	}
	if cfg.Feed.BackoffBase == 0 {
		cfg.Feed.BackoffBase = 5 * time.Second
	}
	if cfg.Feed.BackoffMax == 0 {
		cfg.Feed.BackoffMax = 60 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 20 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-arb-bot.db"
	}
	if len(cfg.Strategy.Symbols) == 0 {
		cfg.Strategy.Symbols = []string{"SOL/INR"}
	}
	if cfg.Strategy.PositionSizeQuote == 0 {
		cfg.Strategy.PositionSizeQuote = 10000
	}
	if cfg.Strategy.MaxOpenPositions == 0 {
		cfg.Strategy.MaxOpenPositions = 3
	}
	if cfg.Strategy.MinProfitableAPR == 0 {
		cfg.Strategy.MinProfitableAPR = 10.0
	}
	if cfg.Strategy.MinPositiveFunding == 0 {
		cfg.Strategy.MinPositiveFunding = 0.01
	}
	if cfg.Strategy.MaxSlippagePercent == 0 {
		cfg.Strategy.MaxSlippagePercent = 0.5
	}
	if cfg.Strategy.MinLiquidityQuote == 0 {
		cfg.Strategy.MinLiquidityQuote = 50000
	}
	if cfg.Strategy.MinSpotPrice == 0 {
		cfg.Strategy.MinSpotPrice = 100
	}
	if cfg.Strategy.MaxHoldDuration == 0 {
		cfg.Strategy.MaxHoldDuration = 24 * time.Hour
	}
	if cfg.Strategy.FundingIntervalHrs == 0 {
		cfg.Strategy.FundingIntervalHrs = 8
	}
	if cfg.Strategy.OpportunityCacheTTL == 0 {
		cfg.Strategy.OpportunityCacheTTL = 10 * time.Second
	}
	if cfg.Strategy.ScanInterval == 0 {
		cfg.Strategy.ScanInterval = 30 * time.Second
	}
	if cfg.Strategy.MonitorInterval == 0 {
		cfg.Strategy.MonitorInterval = 60 * time.Second
	}
	if cfg.Strategy.TickInterval == 0 {
		cfg.Strategy.TickInterval = 5 * time.Second
	}
	if cfg.Fees.SpotMaker == 0 {
		cfg.Fees.SpotMaker = 0.00017
	}
	if cfg.Fees.SpotTaker == 0 {
		cfg.Fees.SpotTaker = 0.00017
	}
	if cfg.Fees.FuturesMaker == 0 {
		cfg.Fees.FuturesMaker = 0.00017
	}
	if cfg.Fees.FuturesTaker == 0 {
		cfg.Fees.FuturesTaker = 0.00017
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Strategy.Symbols) == 0 {
		return errors.New("strategy.symbols is required")
	}
	if cfg.Strategy.PositionSizeQuote <= 0 {
		return errors.New("strategy.position_size_quote must be > 0")
	}
	if cfg.Strategy.MaxOpenPositions <= 0 {
		return errors.New("strategy.max_open_positions must be > 0")
	}
	if cfg.Strategy.MaxSlippagePercent <= 0 {
		return errors.New("strategy.max_slippage_percent must be > 0")
	}
	if cfg.Strategy.FundingIntervalHrs <= 0 || 24%cfg.Strategy.FundingIntervalHrs != 0 {
		return fmt.Errorf("strategy.funding_interval_hours must divide 24, got %d", cfg.Strategy.FundingIntervalHrs)
	}
	if cfg.Feed.BackoffBase > cfg.Feed.BackoffMax {
		return errors.New("feed.backoff_base exceeds feed.backoff_max")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

// Credentials are never read from the YAML file.
type Credentials struct {
	APIKey    string
	APISecret string
}

func LoadCredentials() (Credentials, error) {
	creds := Credentials{
		APIKey:    os.Getenv("COINSWITCH_API_KEY"),
		APISecret: os.Getenv("COINSWITCH_API_SECRET"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, errors.New("COINSWITCH_API_KEY and COINSWITCH_API_SECRET are required")
	}
	return creds, nil
}
