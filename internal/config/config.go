// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTP     HTTP
	Postgres Postgres
	Redis    Redis
	Engine   Engine
	Market   MarketData
	Jobs     Jobs
	// JournalDir enables the trade journal when set.
	JournalDir string `env:"JOURNAL_DIR"`
	SeedFile   string `env:"SEED_FILE"`
}

type HTTP struct {
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

type Postgres struct {
	// URL selects the PostgreSQL store; empty means in-memory.
	URL string `env:"DATABASE_URL"`
}

type Redis struct {
	URL      string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`
}

type Engine struct {
	LockTimeout      time.Duration   `env:"LOCK_TIMEOUT" envDefault:"5s"`
	PriceImpactK     decimal.Decimal `env:"PRICE_IMPACT_K" envDefault:"0.05"`
	PriceFloor       decimal.Decimal `env:"PRICE_FLOOR" envDefault:"0.01"`
	SweepMaxAttempts int             `env:"SWEEP_MAX_ATTEMPTS" envDefault:"5"`
}

type MarketData struct {
	URL     string        `env:"MARKETDATA_URL"`
	Token   string        `env:"MARKETDATA_TOKEN"`
	Timeout time.Duration `env:"MARKETDATA_TIMEOUT" envDefault:"5s"`
	Debug   bool          `env:"MARKETDATA_DEBUG"`
}

type Jobs struct {
	// PriceRefreshInterval of zero disables the refresh job.
	PriceRefreshInterval time.Duration `env:"PRICE_REFRESH_INTERVAL" envDefault:"60s"`
}

// Load reads an optional .env file and parses the environment.
func Load(dotenv ...string) (*Config, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	// A missing .env is not an error.
	_ = godotenv.Load(dotenv...)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Engine.PriceImpactK.IsPositive() {
		return fmt.Errorf("PRICE_IMPACT_K must be positive, got %s", c.Engine.PriceImpactK)
	}
	if !c.Engine.PriceFloor.IsPositive() {
		return fmt.Errorf("PRICE_FLOOR must be positive, got %s", c.Engine.PriceFloor)
	}
	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.Engine.LockTimeout)
	}
	if c.Engine.SweepMaxAttempts < 1 {
		return fmt.Errorf("SWEEP_MAX_ATTEMPTS must be at least 1, got %d", c.Engine.SweepMaxAttempts)
	}
	if c.Market.URL != "" && c.Market.Token == "" {
		return fmt.Errorf("MARKETDATA_TOKEN is required when MARKETDATA_URL is set")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
