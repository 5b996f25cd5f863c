// Package config loads config.yaml, then .env, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"whalescan/internal/market"
)

// ErrMissingAPIKey is returned when no provider credential is configured.
var ErrMissingAPIKey = errors.New("POLYGON_API_KEY is missing")

// Input errors for the watchlist, shared with the market package.
var (
	ErrEmptyWatchlist   = market.ErrEmptyWatchlist
	ErrInvalidThreshold = market.ErrInvalidThreshold
)

type Config struct {
	ServerPort int    `yaml:"server_port"`
	Timezone   string `yaml:"timezone"`
	Logging    struct {
		Level string `yaml:"level"`
		Env   string `yaml:"env"`
	} `yaml:"logging"`

	Watchlist struct {
		Tickers     []string        `yaml:"tickers"`
		MinNotional decimal.Decimal `yaml:"min_notional"`
	} `yaml:"watchlist"`

	Scan struct {
		Mode              string        `yaml:"mode"` // "trades" | "aggs"
		MaxContracts      int           `yaml:"max_contracts"`
		BucketWidth       time.Duration `yaml:"bucket_width"`
		Sort              string        `yaml:"sort"` // "time" | "notional"
		TradesPerContract int           `yaml:"trades_per_contract"`
		TickerParallelism int           `yaml:"ticker_parallelism"`
	} `yaml:"scan"`

	Gateway struct {
		CallTimeout       time.Duration `yaml:"call_timeout"`
		Retries           int           `yaml:"retries"`
		RequestsPerMinute int           `yaml:"requests_per_minute"`
		BaseURL           string        `yaml:"base_url"`
	} `yaml:"gateway"`

	Stream struct {
		Enabled bool     `yaml:"enabled"`
		URL     string   `yaml:"url"`
		Params  []string `yaml:"params"`
	} `yaml:"stream"`

	Buffer struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"buffer"`

	Refresh struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"refresh"`

	// APIKey never comes from yaml.
	APIKey string `yaml:"-"`
}

// Env holds the environment overrides.
type Env struct {
	APIKey      string   `envconfig:"POLYGON_API_KEY"`
	Port        int      `envconfig:"WHALE_PORT"`
	LogLevel    string   `envconfig:"WHALE_LOG_LEVEL"`
	LogEnv      string   `envconfig:"WHALE_ENV"`
	Tickers     []string `envconfig:"WHALE_TICKERS"`
	MinNotional string   `envconfig:"WHALE_MIN_NOTIONAL"`
	ScanMode    string   `envconfig:"WHALE_SCAN_MODE"`
	StreamURL   string   `envconfig:"WHALE_STREAM_URL"`
}

// Load reads path (missing file is fine), the .env file and the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	_ = godotenv.Load(".env")
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.apply(env); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects unusable values. An empty watchlist is
// allowed here; the dashboard can submit one later.
func (c *Config) Validate() error {
	c.Defaults()
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	if c.Watchlist.MinNotional.IsNegative() {
		return ErrInvalidThreshold
	}
	return nil
}

func (c *Config) apply(env Env) error {
	c.APIKey = strings.TrimSpace(env.APIKey)
	if env.Port > 0 {
		c.ServerPort = env.Port
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogEnv != "" {
		c.Logging.Env = env.LogEnv
	}
	if len(env.Tickers) > 0 {
		c.Watchlist.Tickers = env.Tickers
	}
	if env.MinNotional != "" {
		v, err := decimal.NewFromString(env.MinNotional)
		if err != nil {
			return fmt.Errorf("WHALE_MIN_NOTIONAL: %w", err)
		}
		c.Watchlist.MinNotional = v
	}
	if env.ScanMode != "" {
		c.Scan.Mode = env.ScanMode
	}
	if env.StreamURL != "" {
		c.Stream.URL = env.StreamURL
	}
	return nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.ServerPort == 0 {
		c.ServerPort = 8090
	}
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "America/New_York"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Scan.Mode != "aggs" {
		c.Scan.Mode = "trades"
	}
	c.Scan.Sort = string(market.ParseSortOrder(c.Scan.Sort))
	if c.Scan.MaxContracts <= 0 {
		c.Scan.MaxContracts = 20
	}
	if c.Scan.BucketWidth <= 0 {
		c.Scan.BucketWidth = time.Second
	}
	if c.Scan.TradesPerContract <= 0 {
		c.Scan.TradesPerContract = 1000
	}
	if c.Scan.TickerParallelism <= 0 {
		c.Scan.TickerParallelism = 4
	}
	if c.Gateway.CallTimeout <= 0 {
		c.Gateway.CallTimeout = 8 * time.Second
	}
	if c.Gateway.Retries < 0 {
		c.Gateway.Retries = 0
	}
	if c.Gateway.RequestsPerMinute <= 0 {
		c.Gateway.RequestsPerMinute = 300
	}
	if len(c.Stream.Params) == 0 {
		c.Stream.Params = []string{"T.*"}
	}
	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = 5000
	}
	if c.Refresh.Interval <= 0 {
		c.Refresh.Interval = 15 * time.Second
	}
}

// Location loads the configured timezone, falling back to New York.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc, _ = time.LoadLocation("America/New_York")
	}
	if loc == nil {
		return time.UTC
	}
	return loc
}

// DefaultWatchlist returns the configured watchlist, normalized.
func (c *Config) DefaultWatchlist() market.WatchlistConfig {
	return market.WatchlistConfig{
		Tickers:     c.Watchlist.Tickers,
		MinNotional: c.Watchlist.MinNotional,
	}.Normalize()
}

// RequireAPIKey is the credential check done before any gateway call.
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}
