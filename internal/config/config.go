package config

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Strategy StrategyConfig  `mapstructure:"strategy"`
	Backtest BacktestConfig  `mapstructure:"backtest"`
	Venue    VenueConfig     `mapstructure:"venue"`
	Forecast ForecastConfig  `mapstructure:"forecast"`
	Stations []StationConfig `mapstructure:"stations" validate:"dive"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Telegram TelegramConfig  `mapstructure:"telegram"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Schedule ScheduleConfig  `mapstructure:"schedule"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// StrategyConfig holds the risk and modeling parameters consumed by the
// probability mapper and the edge sizer. It is passed by value into each
// component at construction and never read from global state.
type StrategyConfig struct {
	EdgeMin          float64 `mapstructure:"edge_min" default:"0.05" validate:"gte=0,lte=1"`
	FeeBP            float64 `mapstructure:"fee_bp" default:"0" validate:"gte=0,lte=10000"`
	SlippageBP       float64 `mapstructure:"slippage_bp" default:"50" validate:"gte=0,lte=10000"`
	KellyCap         float64 `mapstructure:"kelly_cap" default:"0.25" validate:"gt=0,lte=1"`
	PerMarketCap     float64 `mapstructure:"per_market_cap" default:"100" validate:"gt=0"`
	DailyBankrollCap float64 `mapstructure:"daily_bankroll_cap" default:"500" validate:"gte=0"`
	BankrollUSD      float64 `mapstructure:"bankroll_usd" default:"1000" validate:"gt=0"`
	LiquidityMinUSD  float64 `mapstructure:"liquidity_min_usd" default:"0" validate:"gte=0"`
	SigmaStrategy    string  `mapstructure:"sigma_strategy" default:"spread" validate:"oneof=spread bands"`
	SigmaDefault     float64 `mapstructure:"sigma_default" default:"3.0" validate:"gt=0"`
	SigmaMin         float64 `mapstructure:"sigma_min" default:"1.0" validate:"gt=0"`
	SigmaMax         float64 `mapstructure:"sigma_max" default:"8.0" validate:"gtfield=SigmaMin"`
	LikelyPct        float64 `mapstructure:"likely_pct" default:"0.80" validate:"gt=0.5,lt=1"`
	PossiblePct      float64 `mapstructure:"possible_pct" default:"0.95" validate:"gtfield=LikelyPct,lt=1"`
	AbsorbedMassWarn float64 `mapstructure:"absorbed_mass_warn" default:"0.05" validate:"gte=0,lte=1"`
}

// RetryConfig holds bounded-retry settings for network-bound calls
type RetryConfig struct {
	Attempts    int           `mapstructure:"attempts" validate:"gte=1,lte=10"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// BacktestConfig holds backtest run configuration
type BacktestConfig struct {
	StartDate string      `mapstructure:"start_date"`
	EndDate   string      `mapstructure:"end_date"`
	OutputDir string      `mapstructure:"output_dir" validate:"required"`
	Workers   int         `mapstructure:"workers" validate:"gte=1,lte=64"`
	Resume    bool        `mapstructure:"resume"`
	Retry     RetryConfig `mapstructure:"retry"`
}

// VenueConfig holds Polymarket API configuration
type VenueConfig struct {
	GammaAPIURL       string        `mapstructure:"gamma_api_url" validate:"required,url"`
	CLOBAPIURL        string        `mapstructure:"clob_api_url" validate:"required,url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	EventSlugTemplate string        `mapstructure:"event_slug_template" validate:"required"`
	PriceFidelity     int           `mapstructure:"price_fidelity_minutes" validate:"gte=1"`
	PriceLeadHours    int           `mapstructure:"price_lead_hours" validate:"gte=0"`
}

// ForecastConfig holds forecast provider configuration
type ForecastConfig struct {
	APIURL          string        `mapstructure:"api_url" validate:"required,url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	TemperatureUnit string        `mapstructure:"temperature_unit" validate:"oneof=fahrenheit celsius"`
}

// StationConfig describes one settlement station
type StationConfig struct {
	ID        string  `mapstructure:"id" validate:"required"`
	City      string  `mapstructure:"city" validate:"required"`
	SlugCity  string  `mapstructure:"slug_city"`
	Latitude  float64 `mapstructure:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `mapstructure:"longitude" validate:"gte=-180,lte=180"`
	Timezone  string  `mapstructure:"timezone" validate:"required"`
}

// RedisConfig holds Redis connection settings for the snapshot store
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=sqlite redis"`
	DBPath  string      `mapstructure:"db_path"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds Prometheus export configuration
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

// ScheduleConfig holds the nightly run schedule
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

var validate = validator.New()

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("POLYEDGE")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DefaultStrategy returns a StrategyConfig populated from its default tags.
func DefaultStrategy() StrategyConfig {
	var s StrategyConfig
	if err := defaults.Set(&s); err != nil {
		// default tags are static; a failure here is a programming error
		panic(fmt.Sprintf("strategy defaults: %v", err))
	}
	return s
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Strategy defaults mirror the struct tags so file-less runs behave the same
	s := DefaultStrategy()
	v.SetDefault("strategy.edge_min", s.EdgeMin)
	v.SetDefault("strategy.fee_bp", s.FeeBP)
	v.SetDefault("strategy.slippage_bp", s.SlippageBP)
	v.SetDefault("strategy.kelly_cap", s.KellyCap)
	v.SetDefault("strategy.per_market_cap", s.PerMarketCap)
	v.SetDefault("strategy.daily_bankroll_cap", s.DailyBankrollCap)
	v.SetDefault("strategy.bankroll_usd", s.BankrollUSD)
	v.SetDefault("strategy.liquidity_min_usd", s.LiquidityMinUSD)
	v.SetDefault("strategy.sigma_strategy", s.SigmaStrategy)
	v.SetDefault("strategy.sigma_default", s.SigmaDefault)
	v.SetDefault("strategy.sigma_min", s.SigmaMin)
	v.SetDefault("strategy.sigma_max", s.SigmaMax)
	v.SetDefault("strategy.likely_pct", s.LikelyPct)
	v.SetDefault("strategy.possible_pct", s.PossiblePct)
	v.SetDefault("strategy.absorbed_mass_warn", s.AbsorbedMassWarn)

	// Backtest defaults
	v.SetDefault("backtest.output_dir", "./data/backtest")
	v.SetDefault("backtest.workers", 4)
	v.SetDefault("backtest.resume", true)
	v.SetDefault("backtest.retry.attempts", 3)
	v.SetDefault("backtest.retry.base_delay", "500ms")
	v.SetDefault("backtest.retry.max_delay", "5s")
	v.SetDefault("backtest.retry.call_timeout", "20s")

	// Venue defaults
	v.SetDefault("venue.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("venue.clob_api_url", "https://clob.polymarket.com")
	v.SetDefault("venue.timeout", "30s")
	v.SetDefault("venue.event_slug_template", "highest-temperature-in-{city}-on-{month}-{day}")
	v.SetDefault("venue.price_fidelity_minutes", 60)
	v.SetDefault("venue.price_lead_hours", 24)

	// Forecast defaults
	v.SetDefault("forecast.api_url", "https://historical-forecast-api.open-meteo.com/v1/forecast")
	v.SetDefault("forecast.timeout", "30s")
	v.SetDefault("forecast.temperature_unit", "fahrenheit")

	// Storage defaults
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.db_path", "./data/polyedge.db")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.prefix", "polyedge")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Schedule defaults
	v.SetDefault("schedule.cron", "0 30 6 * * *")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if len(c.Stations) == 0 {
		return fmt.Errorf("stations must contain at least one station")
	}
	seen := make(map[string]bool, len(c.Stations))
	for _, s := range c.Stations {
		if seen[s.ID] {
			return fmt.Errorf("stations: duplicate station id %q", s.ID)
		}
		seen[s.ID] = true
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("stations: invalid timezone %q for %s: %w", s.Timezone, s.ID, err)
		}
	}

	if c.Strategy.SigmaDefault < c.Strategy.SigmaMin || c.Strategy.SigmaDefault > c.Strategy.SigmaMax {
		return fmt.Errorf("strategy.sigma_default must be within [sigma_min, sigma_max]")
	}

	// Validate Backtest config
	if c.Backtest.StartDate != "" {
		if _, err := time.Parse("2006-01-02", c.Backtest.StartDate); err != nil {
			return fmt.Errorf("backtest.start_date must be YYYY-MM-DD: %w", err)
		}
	}
	if c.Backtest.EndDate != "" {
		if _, err := time.Parse("2006-01-02", c.Backtest.EndDate); err != nil {
			return fmt.Errorf("backtest.end_date must be YYYY-MM-DD: %w", err)
		}
	}
	if c.Backtest.StartDate != "" && c.Backtest.EndDate != "" && c.Backtest.EndDate < c.Backtest.StartDate {
		return fmt.Errorf("backtest.end_date must not be before backtest.start_date")
	}
	if c.Backtest.Retry.MaxDelay < c.Backtest.Retry.BaseDelay {
		return fmt.Errorf("backtest.retry.max_delay must be at least backtest.retry.base_delay")
	}

	// Validate Storage config
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite backend")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
		// checkpoints still live in sqlite
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for checkpoints")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	return nil
}

// Station returns the station with the given id.
func (c *Config) Station(id string) (StationConfig, bool) {
	for _, s := range c.Stations {
		if s.ID == id {
			return s, true
		}
	}
	return StationConfig{}, false
}
