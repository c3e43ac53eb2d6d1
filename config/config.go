/*
config.go - Service configuration

LAYERS (each overrides the previous):
  1. Defaults()
  2. TOML file (optional, path from --config)
  3. .env in the working directory (optional, values only fill unset vars)
  4. Environment variables

ENVIRONMENT:
  PORT                 server.port
  ALLOWED_ORIGINS      server.allowed_origins (comma separated)
  REFERRAL_STORE       store.driver (sqlite | postgres)
  REFERRAL_DB          store.path for sqlite
  DATABASE_URL         store.dsn for postgres
  REWARD_AMOUNT        reward.amount
  SWEEP_INTERVAL       sweep.interval (Go duration)
  BOT_TOKEN            telegram.bot_token
  BOT_NAME             telegram.bot_name
  LOG_LEVEL            log.level
  LOG_FORMAT           log.format
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/warp/referral-engine/referral"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// MinSweepInterval bounds how hard the sweep may poll the store.
	MinSweepInterval = 100 * time.Millisecond
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Reward   RewardConfig   `toml:"reward"`
	Sweep    SweepConfig    `toml:"sweep"`
	Telegram TelegramConfig `toml:"telegram"`
	Welcome  WelcomeConfig  `toml:"welcome"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type StoreConfig struct {
	Driver  string        `toml:"driver"`
	Path    string        `toml:"path"`
	DSN     string        `toml:"dsn"`
	Timeout time.Duration `toml:"timeout"`
}

type RewardConfig struct {
	Amount        int64         `toml:"amount"`
	Currency      string        `toml:"currency"`
	Message       string        `toml:"message"`
	NotifyTimeout time.Duration `toml:"notify_timeout"`
}

type SweepConfig struct {
	Enabled   bool          `toml:"enabled"`
	Interval  time.Duration `toml:"interval"`
	BatchSize int           `toml:"batch_size"`
}

type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
	BotName  string `toml:"bot_name"`
	APIURL   string `toml:"api_url"`
}

type WelcomeConfig struct {
	Text     string `toml:"text"`
	ImageURL string `toml:"image_url"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Defaults() Config {
	engine := referral.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Store: StoreConfig{
			Driver:  DriverSQLite,
			Path:    "referral.db",
			Timeout: engine.StoreTimeout,
		},
		Reward: RewardConfig{
			Amount:        engine.RewardAmount,
			Currency:      engine.CurrencyName,
			Message:       engine.RewardMessage,
			NotifyTimeout: engine.NotifyTimeout,
		},
		Sweep: SweepConfig{
			Enabled:   true,
			Interval:  5 * time.Second,
			BatchSize: engine.SweepBatchSize,
		},
		Telegram: TelegramConfig{
			APIURL: "https://api.telegram.org",
		},
		Welcome: WelcomeConfig{
			Text: "👋 Welcome, {name}! Open the app to start earning.",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, .env and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.AllowedOrigins = origins
	}

	str("REFERRAL_STORE", &c.Store.Driver)
	str("REFERRAL_DB", &c.Store.Path)
	str("DATABASE_URL", &c.Store.DSN)

	if v, ok := lookup("REWARD_AMOUNT"); ok && v != "" {
		amount, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: REWARD_AMOUNT: %w", err)
		}
		c.Reward.Amount = amount
	}
	if v, ok := lookup("SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: SWEEP_INTERVAL: %w", err)
		}
		c.Sweep.Interval = d
	}

	str("BOT_TOKEN", &c.Telegram.BotToken)
	str("BOT_NAME", &c.Telegram.BotName)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres", c.Store.Driver))
	}
	if c.Sweep.Interval < MinSweepInterval {
		errs = append(errs, fmt.Errorf("sweep.interval %s is below %s", c.Sweep.Interval, MinSweepInterval))
	}
	if err := c.EngineConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// EngineConfig is the immutable value handed to the referral engine.
func (c Config) EngineConfig() referral.Config {
	engine := referral.DefaultConfig()
	engine.RewardAmount = c.Reward.Amount
	engine.CurrencyName = c.Reward.Currency
	engine.StoreTimeout = c.Store.Timeout
	engine.NotifyTimeout = c.Reward.NotifyTimeout
	engine.SweepBatchSize = c.Sweep.BatchSize
	if c.Reward.Message != "" {
		engine.RewardMessage = c.Reward.Message
	}
	return engine
}

// WelcomeText renders the join greeting for name.
func (c Config) WelcomeText(name string) string {
	if name == "" {
		name = referral.DefaultConfig().DefaultDisplayName
	}
	return strings.ReplaceAll(c.Welcome.Text, "{name}", name)
}
