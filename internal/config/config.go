package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Upbit     VenueConfig     `yaml:"upbit"`
	Binance   VenueConfig     `yaml:"binance"`
	FX        FXConfig        `yaml:"fx"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Discord   DiscordConfig   `yaml:"discord"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Admin     AdminConfig     `yaml:"admin"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type EngineConfig struct {
	Symbols        []string      `yaml:"symbols"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	TickBudget     time.Duration `yaml:"tick_budget"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	FetchRetries   int           `yaml:"fetch_retries"`
	BalanceTimeout time.Duration `yaml:"balance_timeout"`
	OrderTimeout   time.Duration `yaml:"order_timeout"`
	Enabled        bool          `yaml:"enabled"`
	DryRun         *bool         `yaml:"dry_run"`
}

func (e EngineConfig) DryRunValue() bool {
	if e.DryRun == nil {
		return true
	}
	return *e.DryRun
}

type VenueConfig struct {
	BaseURL   string             `yaml:"base_url"`
	StreamURL string             `yaml:"stream_url"`
	Timeout   time.Duration      `yaml:"timeout"`
	RateLimit float64            `yaml:"rate_limit"`
	Burst     int                `yaml:"burst"`
	QtySteps  map[string]float64 `yaml:"qty_steps"`
}

type FXConfig struct {
	URL             string        `yaml:"url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type RiskConfig struct {
	MaxMarketAge time.Duration `yaml:"max_market_age"`
	MaxFXAge     time.Duration `yaml:"max_fx_age"`
}

type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	QueueSize  int    `yaml:"queue_size"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
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

var defaultSymbols = []string{"BTC", "ETH", "XRP"}

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
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
	if len(cfg.Engine.Symbols) == 0 {
		cfg.Engine.Symbols = append([]string(nil), defaultSymbols...)
	}
	for i, sym := range cfg.Engine.Symbols {
		cfg.Engine.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = 15 * time.Second
	}
	if cfg.Engine.TickBudget == 0 {
		cfg.Engine.TickBudget = 12 * time.Second
	}
	if cfg.Engine.FetchTimeout == 0 {
		cfg.Engine.FetchTimeout = 5 * time.Second
	}
	if cfg.Engine.FetchRetries == 0 {
		cfg.Engine.FetchRetries = 2
	}
	if cfg.Engine.BalanceTimeout == 0 {
		cfg.Engine.BalanceTimeout = 5 * time.Second
	}
	if cfg.Engine.OrderTimeout == 0 {
		cfg.Engine.OrderTimeout = 10 * time.Second
	}
	if cfg.Engine.DryRun == nil {
		dryRun := true
		cfg.Engine.DryRun = &dryRun
	}
	if cfg.Upbit.BaseURL == "" {
		cfg.Upbit.BaseURL = "https://api.upbit.com"
	}
	if cfg.Upbit.Timeout == 0 {
		cfg.Upbit.Timeout = 5 * time.Second
	}
	if cfg.Upbit.RateLimit == 0 {
		cfg.Upbit.RateLimit = 8
	}
	if cfg.Upbit.Burst == 0 {
		cfg.Upbit.Burst = 4
	}
	if cfg.Binance.BaseURL == "" {
		cfg.Binance.BaseURL = "https://api.binance.com"
	}
	if cfg.Binance.StreamURL == "" {
		cfg.Binance.StreamURL = "wss://stream.binance.com:9443/stream"
	}
	if cfg.Binance.Timeout == 0 {
		cfg.Binance.Timeout = 5 * time.Second
	}
	if cfg.Binance.RateLimit == 0 {
		cfg.Binance.RateLimit = 10
	}
	if cfg.Binance.Burst == 0 {
		cfg.Binance.Burst = 5
	}
	if cfg.FX.URL == "" {
		cfg.FX.URL = "https://api.exchangerate-api.com/v4/latest/USD"
	}
	if cfg.FX.RefreshInterval == 0 {
		cfg.FX.RefreshInterval = 5 * time.Minute
	}
	if cfg.FX.Timeout == 0 {
		cfg.FX.Timeout = 5 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/kimp-arb-bot.db"
	}
	if cfg.Risk.MaxMarketAge == 0 {
		cfg.Risk.MaxMarketAge = 30 * time.Second
	}
	if cfg.Risk.MaxFXAge == 0 {
		cfg.Risk.MaxFXAge = 30 * time.Minute
	}
	if cfg.Discord.QueueSize == 0 {
		cfg.Discord.QueueSize = 64
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = "127.0.0.1:8080"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	applyStrategyDefaults(&cfg.Strategy, cfg.Engine.Symbols)
}

// applyEnvOverrides honours the environment keys the bot was historically
// operated with. Values that fail to parse are reported instead of ignored.
func applyEnvOverrides(cfg *Config) error {
	if raw, ok := os.LookupEnv("DRY_RUN"); ok && strings.TrimSpace(raw) != "" {
		dryRun := !strings.EqualFold(strings.TrimSpace(raw), "false")
		cfg.Engine.DryRun = &dryRun
	}
	if raw := strings.TrimSpace(os.Getenv("POSITION_SIZE")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("POSITION_SIZE: %w", err)
		}
		cfg.Strategy.CapitalKRW = val
	}
	if raw := strings.TrimSpace(os.Getenv("Z_SCORE_THRESHOLD")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("Z_SCORE_THRESHOLD: %w", err)
		}
		cfg.Strategy.Tiers.Normal.EntryZ = val
	}
	if raw := strings.TrimSpace(os.Getenv("MIN_PROFIT_RATE")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("MIN_PROFIT_RATE: %w", err)
		}
		cfg.Strategy.Tiers.Normal.ProfitTarget = val
	}
	if url := strings.TrimSpace(os.Getenv("DISCORD_WEBHOOK_URL")); url != "" && cfg.Discord.WebhookURL == "" {
		cfg.Discord.WebhookURL = url
		cfg.Discord.Enabled = true
	}
	return nil
}

func validate(cfg *Config) error {
	if len(cfg.Engine.Symbols) == 0 {
		return errors.New("engine.symbols is required")
	}
	if cfg.Engine.TickBudget > cfg.Engine.TickInterval {
		return errors.New("engine.tick_budget must not exceed engine.tick_interval")
	}
	if cfg.Engine.FetchRetries < 0 {
		return errors.New("engine.fetch_retries must be >= 0")
	}
	if cfg.Risk.MaxMarketAge < 0 || cfg.Risk.MaxFXAge < 0 {
		return errors.New("risk ages must be >= 0")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Discord.Enabled && strings.TrimSpace(cfg.Discord.WebhookURL) == "" {
		return errors.New("discord.webhook_url is required when discord is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	for _, sym := range cfg.Engine.Symbols {
		if _, ok := cfg.Strategy.Symbols[sym]; !ok {
			return fmt.Errorf("strategy.symbols.%s is missing", sym)
		}
	}
	return ValidateStrategy(cfg.Strategy)
}
