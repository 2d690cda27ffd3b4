// Package config defines all configuration for the trading agent.
// Config is loaded from a YAML file (default: ./config.yaml) with
// sensitive fields overridable via SHORTBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venue     VenueConfig     `mapstructure:"binance"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Entry     EntryConfig     `mapstructure:"entry"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// VenueConfig holds venue credentials and endpoints. The section is named
// "binance" in the YAML for compatibility with configs of earlier versions.
type VenueConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	WSBaseURL string `mapstructure:"ws_base_url"`
}

// WSURL returns the user-stream base. If not set explicitly it is derived
// from the REST base: production REST implies the production stream host,
// anything else the testnet host.
func (v VenueConfig) WSURL() string {
	if v.WSBaseURL != "" {
		return v.WSBaseURL
	}
	if strings.Contains(v.BaseURL, "fapi.binance.com") {
		return "wss://fstream.binance.com"
	}
	return "wss://stream.binancefuture.com"
}

// StrategyConfig sizes positions and sets the exit levels.
//
//   - CapitalPerTrade: margin per trade in USDT; notional = capital × leverage.
//   - TPPct / SLPct: distances from entry as a percent of entry price.
//     For a short, TP is below entry and SL above.
//   - TimeoutHours: maximum holding time before a forced close.
//   - TopN / MinMomentumPct / MinVolRatio / MinTradesRatio / AllowedQuintiles:
//     admission filters applied to incoming signals.
type StrategyConfig struct {
	Mode             string  `mapstructure:"mode"`
	CapitalPerTrade  float64 `mapstructure:"capital_per_trade"`
	MaxOpenTrades    int     `mapstructure:"max_open_trades"`
	MaxTradesPerPair int     `mapstructure:"max_trades_per_pair"`
	TPPct            float64 `mapstructure:"tp_pct"`
	SLPct            float64 `mapstructure:"sl_pct"`
	TriggerOffsetPct float64 `mapstructure:"trigger_offset_pct"`
	TimeoutHours     float64 `mapstructure:"timeout_hours"`
	TopN             int     `mapstructure:"top_n"`
	Leverage         int     `mapstructure:"leverage"`
	MinMomentumPct   float64 `mapstructure:"min_momentum_pct"`
	MinVolRatio      float64 `mapstructure:"min_vol_ratio"`
	MinTradesRatio   float64 `mapstructure:"min_trades_ratio"`
	AllowedQuintiles []int   `mapstructure:"allowed_quintiles"`
}

// SignalsConfig points at the shared CSV the signal generator writes.
type SignalsConfig struct {
	FilePath        string        `mapstructure:"file_path"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxSignalAgeMin float64       `mapstructure:"max_signal_age_minutes"`
}

// EntryConfig tunes the passive entry chase.
//
//   - OrderType: BBO (venue-priced passive order) or LIMIT_GTX (post-only
//     limit at the best bid).
//   - ChaseInterval: pause between attempts.
//   - ChaseTimeout: how long each attempt rests before being cancelled.
//   - MaxChaseAttempts: attempts before giving up or falling back.
//   - MarketFallback: send a market order after the chase is exhausted.
type EntryConfig struct {
	OrderType        string        `mapstructure:"order_type"`
	ChaseInterval    time.Duration `mapstructure:"chase_interval"`
	ChaseTimeout     time.Duration `mapstructure:"chase_timeout"`
	MaxChaseAttempts int           `mapstructure:"max_chase_attempts"`
	MarketFallback   bool          `mapstructure:"market_fallback"`
}

// ExitConfig tunes the timeout close path. Timed-out positions are closed
// with the same chase machinery as entries, then optionally at market.
type ExitConfig struct {
	TimeoutOrderType      string        `mapstructure:"timeout_order_type"`
	TimeoutChaseTimeout   time.Duration `mapstructure:"timeout_chase_timeout"`
	TimeoutMarketFallback bool          `mapstructure:"timeout_market_fallback"`

	// Historical fields kept for config compatibility. The venue-resident
	// STOP_MARKET order replaces the old local mark-price poll loop, so a
	// non-default value here only produces a startup warning.
	SLPriceMatch       string  `mapstructure:"sl_price_match"`
	SLMarkPollInterval float64 `mapstructure:"sl_mark_poll_interval"`
}

// DatabaseConfig sets where trade state is persisted (SQLite file).
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the embedded monitoring server. With an empty
// AllowedOrigins list the WebSocket endpoint accepts only same-host and
// localhost origins.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SHORTBOT_API_KEY, SHORTBOT_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SHORTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SHORTBOT_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("SHORTBOT_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if dr := os.Getenv("SHORTBOT_DRY_RUN"); dr == "true" || dr == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.mode", "short")
	v.SetDefault("strategy.capital_per_trade", 10.0)
	v.SetDefault("strategy.max_open_trades", 10)
	v.SetDefault("strategy.max_trades_per_pair", 1)
	v.SetDefault("strategy.tp_pct", 15.0)
	v.SetDefault("strategy.sl_pct", 60.0)
	v.SetDefault("strategy.trigger_offset_pct", 10.0)
	v.SetDefault("strategy.timeout_hours", 24.0)
	v.SetDefault("strategy.top_n", 1)
	v.SetDefault("strategy.leverage", 1)
	v.SetDefault("strategy.allowed_quintiles", []int{1, 2, 3, 4, 5})

	v.SetDefault("signals.file_path", "fut_pares_short.csv")
	v.SetDefault("signals.poll_interval", "15s")
	v.SetDefault("signals.max_signal_age_minutes", 10.0)

	v.SetDefault("entry.order_type", "LIMIT_GTX")
	v.SetDefault("entry.chase_interval", "2s")
	v.SetDefault("entry.chase_timeout", "30s")
	v.SetDefault("entry.max_chase_attempts", 3)
	v.SetDefault("entry.market_fallback", false)

	v.SetDefault("exit.timeout_order_type", "LIMIT")
	v.SetDefault("exit.timeout_chase_timeout", "30s")
	v.SetDefault("exit.timeout_market_fallback", true)
	v.SetDefault("exit.sl_price_match", "OPPONENT")
	v.SetDefault("exit.sl_mark_poll_interval", 1.0)

	v.SetDefault("database.path", "data/trades.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "0.0.0.0")
	v.SetDefault("dashboard.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.APIKey == "" {
		return fmt.Errorf("binance.api_key is required (set SHORTBOT_API_KEY)")
	}
	if c.Venue.APISecret == "" {
		return fmt.Errorf("binance.api_secret is required (set SHORTBOT_API_SECRET)")
	}
	if c.Venue.BaseURL == "" {
		return fmt.Errorf("binance.base_url is required")
	}
	if c.Strategy.Mode != "short" {
		return fmt.Errorf("strategy.mode %q not supported, only \"short\"", c.Strategy.Mode)
	}
	if c.Strategy.CapitalPerTrade <= 0 {
		return fmt.Errorf("strategy.capital_per_trade must be > 0")
	}
	if c.Strategy.MaxOpenTrades <= 0 {
		return fmt.Errorf("strategy.max_open_trades must be > 0")
	}
	if c.Strategy.MaxTradesPerPair <= 0 {
		return fmt.Errorf("strategy.max_trades_per_pair must be > 0")
	}
	if c.Strategy.TPPct <= 0 {
		return fmt.Errorf("strategy.tp_pct must be > 0")
	}
	if c.Strategy.SLPct <= 0 {
		return fmt.Errorf("strategy.sl_pct must be > 0")
	}
	if c.Strategy.Leverage < 1 {
		return fmt.Errorf("strategy.leverage must be >= 1")
	}
	if c.Strategy.TimeoutHours <= 0 {
		return fmt.Errorf("strategy.timeout_hours must be > 0")
	}
	for _, q := range c.Strategy.AllowedQuintiles {
		if q < 1 || q > 5 {
			return fmt.Errorf("strategy.allowed_quintiles entries must be 1..5, got %d", q)
		}
	}
	switch c.Entry.OrderType {
	case "BBO", "LIMIT_GTX":
	default:
		return fmt.Errorf("entry.order_type must be BBO or LIMIT_GTX, got %q", c.Entry.OrderType)
	}
	if c.Entry.MaxChaseAttempts < 1 {
		return fmt.Errorf("entry.max_chase_attempts must be >= 1")
	}
	switch c.Exit.TimeoutOrderType {
	case "LIMIT", "BBO", "MARKET":
	default:
		return fmt.Errorf("exit.timeout_order_type must be LIMIT, BBO or MARKET, got %q", c.Exit.TimeoutOrderType)
	}
	if c.Signals.FilePath == "" {
		return fmt.Errorf("signals.file_path is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid port, got %d", c.Dashboard.Port)
	}
	return nil
}

// Warnings returns non-fatal notices about config fields that are accepted
// but no longer change behavior. Logged once at startup.
func (c *Config) Warnings() []string {
	var ws []string
	if c.Strategy.TriggerOffsetPct != 10.0 {
		ws = append(ws, "strategy.trigger_offset_pct is ignored: exits are venue-resident conditional orders")
	}
	if c.Exit.SLMarkPollInterval != 1.0 {
		ws = append(ws, "exit.sl_mark_poll_interval is ignored: the stop loss rests at the venue, mark price is not polled")
	}
	return ws
}

// Public returns the config as a map with credentials redacted, for the
// dashboard config endpoint.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"dry_run": c.DryRun,
		"binance": map[string]any{
			"base_url":    c.Venue.BaseURL,
			"ws_base_url": c.Venue.WSURL(),
		},
		"strategy": map[string]any{
			"mode":                c.Strategy.Mode,
			"capital_per_trade":   c.Strategy.CapitalPerTrade,
			"max_open_trades":     c.Strategy.MaxOpenTrades,
			"max_trades_per_pair": c.Strategy.MaxTradesPerPair,
			"tp_pct":              c.Strategy.TPPct,
			"sl_pct":              c.Strategy.SLPct,
			"timeout_hours":       c.Strategy.TimeoutHours,
			"top_n":               c.Strategy.TopN,
			"leverage":            c.Strategy.Leverage,
			"min_momentum_pct":    c.Strategy.MinMomentumPct,
			"min_vol_ratio":       c.Strategy.MinVolRatio,
			"min_trades_ratio":    c.Strategy.MinTradesRatio,
			"allowed_quintiles":   c.Strategy.AllowedQuintiles,
		},
		"signals": map[string]any{
			"file_path":              c.Signals.FilePath,
			"poll_interval":          c.Signals.PollInterval.String(),
			"max_signal_age_minutes": c.Signals.MaxSignalAgeMin,
		},
		"entry": map[string]any{
			"order_type":         c.Entry.OrderType,
			"chase_interval":     c.Entry.ChaseInterval.String(),
			"chase_timeout":      c.Entry.ChaseTimeout.String(),
			"max_chase_attempts": c.Entry.MaxChaseAttempts,
			"market_fallback":    c.Entry.MarketFallback,
		},
		"exit": map[string]any{
			"timeout_order_type":      c.Exit.TimeoutOrderType,
			"timeout_chase_timeout":   c.Exit.TimeoutChaseTimeout.String(),
			"timeout_market_fallback": c.Exit.TimeoutMarketFallback,
		},
		"database":  map[string]any{"path": c.Database.Path},
		"logging":   map[string]any{"level": c.Logging.Level, "format": c.Logging.Format},
		"dashboard": map[string]any{"enabled": c.Dashboard.Enabled, "host": c.Dashboard.Host, "port": c.Dashboard.Port},
	}
}
