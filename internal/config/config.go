package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"peg-metrics/internal/logging"
	"peg-metrics/internal/market"
)

// Provider names selectable via providers.ohlc / providers.spot.
const (
	ProviderCoinGecko = "coingecko"
	ProviderCMC       = "coinmarketcap"
	ProviderChainlink = "chainlink"
	ProviderStream    = "stream"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Collector CollectorConfig `mapstructure:"collector"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs collection cadence for both pipelines.
type SchedulerConfig struct {
	VolatilityInterval time.Duration `mapstructure:"volatility_interval"`
	SpotInterval       time.Duration `mapstructure:"spot_interval"`
	AlignToBucket      bool          `mapstructure:"align_to_bucket"`
	RunOnStart         bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey    int64         `mapstructure:"advisory_lock_key"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
}

// CollectorConfig describes the tracked asset set and window shape.
type CollectorConfig struct {
	Assets      []AssetConfig `mapstructure:"assets"`
	Lookback    time.Duration `mapstructure:"lookback"`
	Concurrency int           `mapstructure:"concurrency"`
	Force       bool          `mapstructure:"force"`

	// PeriodsPerYear annualizes reported volatility when positive. Zero
	// keeps estimates in per-candle units.
	PeriodsPerYear int `mapstructure:"periods_per_year"`
}

// AssetConfig declares one tracked stablecoin.
type AssetConfig struct {
	ID           string  `mapstructure:"id"`
	Symbol       string  `mapstructure:"symbol"`
	Name         string  `mapstructure:"name"`
	Peg          float64 `mapstructure:"peg"`
	CoinGeckoID  string  `mapstructure:"coingecko_id"`
	CMCSymbol    string  `mapstructure:"cmc_symbol"`
	FeedAddress  string  `mapstructure:"feed_address"`
	StreamSymbol string  `mapstructure:"stream_symbol"`
}

// ResolvedID is the asset identifier, derived from the symbol when no
// explicit id is set.
func (a AssetConfig) ResolvedID() string {
	if a.ID != "" {
		return a.ID
	}
	return strings.ToLower(a.Symbol)
}

// ProvidersConfig selects and parameterises the upstream data providers.
type ProvidersConfig struct {
	OHLC      string          `mapstructure:"ohlc"`
	Spot      string          `mapstructure:"spot"`
	CoinGecko CoinGeckoConfig `mapstructure:"coingecko"`
	CMC       CMCConfig       `mapstructure:"cmc"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Stream    StreamConfig    `mapstructure:"stream"`
}

// RateLimitConfig bounds request pacing and retries per provider.
type RateLimitConfig struct {
	Spacing     time.Duration `mapstructure:"spacing"`
	Burst       int           `mapstructure:"burst"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// CoinGeckoConfig covers the CoinGecko REST API.
type CoinGeckoConfig struct {
	BaseURL        string          `mapstructure:"base_url"`
	APIKey         string          `mapstructure:"api_key"`
	VSCurrency     string          `mapstructure:"vs_currency"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// CMCConfig covers the CoinMarketCap Pro API.
type CMCConfig struct {
	BaseURL        string          `mapstructure:"base_url"`
	APIKey         string          `mapstructure:"api_key"`
	Convert        string          `mapstructure:"convert"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// EthereumConfig covers Chainlink feed access via RPC.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxFeedAge     time.Duration `mapstructure:"max_feed_age"`
}

// StreamConfig covers the exchange trade stream.
type StreamConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// OpsConfig exposes the operational HTTP surface.
type OpsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	// optional .env for local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PEGWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pegwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.volatility_interval", "1h")
	v.SetDefault("scheduler.spot_interval", "2m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70656757))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("collector.lookback", "720h")
	v.SetDefault("collector.concurrency", 4)
	v.SetDefault("collector.force", false)
	v.SetDefault("collector.periods_per_year", 0)

	v.SetDefault("providers.ohlc", ProviderCoinGecko)
	v.SetDefault("providers.spot", ProviderCoinGecko)

	v.SetDefault("providers.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("providers.coingecko.vs_currency", "usd")
	v.SetDefault("providers.coingecko.request_timeout", "10s")
	v.SetDefault("providers.coingecko.rate_limit.spacing", "2s")
	v.SetDefault("providers.coingecko.rate_limit.burst", 3)
	v.SetDefault("providers.coingecko.rate_limit.max_attempts", 3)
	v.SetDefault("providers.coingecko.rate_limit.backoff_base", "1s")
	v.SetDefault("providers.coingecko.rate_limit.backoff_cap", "30s")

	v.SetDefault("providers.cmc.base_url", "https://pro-api.coinmarketcap.com")
	v.SetDefault("providers.cmc.convert", "USD")
	v.SetDefault("providers.cmc.request_timeout", "10s")
	v.SetDefault("providers.cmc.rate_limit.spacing", "2s")
	v.SetDefault("providers.cmc.rate_limit.burst", 2)
	v.SetDefault("providers.cmc.rate_limit.max_attempts", 3)
	v.SetDefault("providers.cmc.rate_limit.backoff_base", "1s")
	v.SetDefault("providers.cmc.rate_limit.backoff_cap", "30s")

	v.SetDefault("providers.ethereum.request_timeout", "10s")
	v.SetDefault("providers.ethereum.max_feed_age", "0s")

	v.SetDefault("providers.stream.stale_after", "2m")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.listen_addr", ":8080")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.VolatilityInterval <= 0 {
		return fmt.Errorf("scheduler.volatility_interval must be greater than zero")
	}
	if c.Scheduler.SpotInterval <= 0 {
		return fmt.Errorf("scheduler.spot_interval must be greater than zero")
	}
	if c.Collector.Lookback <= 0 {
		return fmt.Errorf("collector.lookback must be greater than zero")
	}
	if c.Collector.Concurrency < 0 {
		return fmt.Errorf("collector.concurrency cannot be negative")
	}
	if c.Collector.PeriodsPerYear < 0 {
		return fmt.Errorf("collector.periods_per_year cannot be negative")
	}
	if c.Providers.OHLC != ProviderCoinGecko {
		return fmt.Errorf("providers.ohlc %q is not supported (want %q)", c.Providers.OHLC, ProviderCoinGecko)
	}
	switch c.Providers.Spot {
	case ProviderCMC, ProviderCoinGecko, ProviderChainlink, ProviderStream:
	default:
		return fmt.Errorf("providers.spot %q is not supported", c.Providers.Spot)
	}
	if c.Providers.Spot == ProviderCMC && c.Providers.CMC.APIKey == "" {
		return fmt.Errorf("providers.cmc.api_key must be configured when providers.spot is %q", ProviderCMC)
	}
	if c.Providers.Spot == ProviderChainlink && c.Providers.Ethereum.RPCURL == "" {
		return fmt.Errorf("providers.ethereum.rpc_url must be configured when providers.spot is %q", ProviderChainlink)
	}
	for _, asset := range c.Collector.Assets {
		if asset.ID == "" && asset.Symbol == "" {
			return fmt.Errorf("collector.assets entries need an id or a symbol")
		}
		if asset.Peg < 0 {
			return fmt.Errorf("collector.assets %s: peg cannot be negative", asset.Symbol)
		}
	}
	if c.Ops.Enabled && c.Ops.ListenAddr == "" {
		return fmt.Errorf("ops.listen_addr must be configured when ops.enabled is true")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// AssetList resolves the configured assets into domain values, falling back
// to the default stablecoin set when none are configured.
func (c CollectorConfig) AssetList() []market.Asset {
	cfgs := c.Assets
	if len(cfgs) == 0 {
		cfgs = DefaultAssets()
	}

	out := make([]market.Asset, 0, len(cfgs))
	for _, a := range cfgs {
		peg := a.Peg
		if peg <= 0 {
			peg = 1
		}
		out = append(out, market.Asset{
			ID:           a.ResolvedID(),
			Symbol:       a.Symbol,
			Name:         a.Name,
			Peg:          decimal.NewFromFloat(peg),
			CoinGeckoID:  a.CoinGeckoID,
			CMCSymbol:    a.CMCSymbol,
			FeedAddress:  a.FeedAddress,
			StreamSymbol: a.StreamSymbol,
		})
	}
	return out
}

// DefaultAssets is the stablecoin set tracked when none are configured.
func DefaultAssets() []AssetConfig {
	return []AssetConfig{
		{ID: "dai", Symbol: "DAI", Name: "Dai", CoinGeckoID: "dai", CMCSymbol: "DAI"},
		{ID: "usdc", Symbol: "USDC", Name: "USD Coin", CoinGeckoID: "usd-coin", CMCSymbol: "USDC"},
		{ID: "usdt", Symbol: "USDT", Name: "Tether", CoinGeckoID: "tether", CMCSymbol: "USDT"},
		{ID: "usdd", Symbol: "USDD", Name: "USDD", CoinGeckoID: "usdd", CMCSymbol: "USDD"},
		{ID: "fdusd", Symbol: "FDUSD", Name: "First Digital USD", CoinGeckoID: "first-digital-usd", CMCSymbol: "FDUSD"},
		{ID: "usdc.e", Symbol: "USDC.e", Name: "Bridged USDC (Polygon)", CoinGeckoID: "bridged-usdc-polygon-pos-bridge"},
		{ID: "usde", Symbol: "USDe", Name: "Ethena USDe", CoinGeckoID: "ethena-usde", CMCSymbol: "USDE"},
		{ID: "usdj", Symbol: "USDJ", Name: "JUST Stablecoin", CoinGeckoID: "just-stablecoin", CMCSymbol: "USDJ"},
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
