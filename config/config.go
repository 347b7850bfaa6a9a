/*
Package config loads service configuration.

SOURCES (later wins):
 1. Built-in defaults (Default)
 2. YAML file passed to Load
 3. .env file in the working directory, if present
 4. Process environment, via env tags

EXAMPLE (meals.yaml):

	server:
	  port: 8080
	  allowed_origins: ["http://localhost:5173"]
	database:
	  path: ./data/meals.db
	log:
	  level: info
	  format: json
	policy:
	  base_rates: {breakfast: "30", lunch: "60", dinner: "70"}
	  off_weekdays: [friday]
	  holidays_off: true
	  low_balance_threshold: "100"
	eligibility:
	  tie_break: scope_then_recency
	ledger:
	  max_retries: 3
	closing:
	  enabled: true
	  schedules:
	    lunch: "30 14 * * *"
	    dinner: "30 21 * * *"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         LogConfig         `yaml:"log"`
	Policy      PolicyConfig      `yaml:"policy"`
	Eligibility EligibilityConfig `yaml:"eligibility"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Closing     ClosingConfig     `yaml:"closing"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"MEAL_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"MEAL_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"MEAL_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MEAL_SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"MEAL_ALLOWED_ORIGINS"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"MEAL_DB_PATH"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"MEAL_LOG_LEVEL"`
	Format string `yaml:"format" env:"MEAL_LOG_FORMAT"` // text or json
}

// PolicyConfig is the global policy: default meal rates, off days and the
// low-balance threshold. Amounts are decimal strings.
type PolicyConfig struct {
	BaseRates           map[string]string `yaml:"base_rates"`
	OffWeekdays         []string          `yaml:"off_weekdays" env:"MEAL_OFF_WEEKDAYS"`
	HolidaysOff         bool              `yaml:"holidays_off" env:"MEAL_HOLIDAYS_OFF"`
	LowBalanceThreshold string            `yaml:"low_balance_threshold" env:"MEAL_LOW_BALANCE_THRESHOLD"`
}

type EligibilityConfig struct {
	TieBreak string `yaml:"tie_break" env:"MEAL_TIE_BREAK"`
}

type LedgerConfig struct {
	MaxRetries int `yaml:"max_retries" env:"MEAL_LEDGER_MAX_RETRIES"`
}

// ClosingConfig schedules the nightly closing run. Schedules maps a meal to
// a standard five-field cron expression.
type ClosingConfig struct {
	Enabled   bool              `yaml:"enabled" env:"MEAL_CLOSING_ENABLED"`
	Schedules map[string]string `yaml:"schedules"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Path: "meals.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Policy: PolicyConfig{
			BaseRates:   map[string]string{},
			OffWeekdays: []string{"friday"},
			HolidaysOff: true,
		},
		Eligibility: EligibilityConfig{TieBreak: string(eligibility.TieBreakScopeThenRecency)},
		Ledger:      LedgerConfig{MaxRetries: 3},
		Closing:     ClosingConfig{Schedules: map[string]string{}},
	}
}

// Load builds the configuration from defaults, the YAML file at path (may be
// empty), a local .env file and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &generic.ValidationError{Field: "server.port", Reason: fmt.Sprintf("out of range: %d", c.Server.Port)}
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return &generic.ValidationError{Field: "database.path", Reason: "required"}
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return &generic.ValidationError{Field: "log.level", Reason: err.Error()}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return &generic.ValidationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	if _, err := c.BaseRates(); err != nil {
		return err
	}
	if _, err := c.OffWeekdays(); err != nil {
		return err
	}
	if _, err := c.LowBalanceThreshold(); err != nil {
		return err
	}
	if _, err := eligibility.ParseTieBreak(c.Eligibility.TieBreak); err != nil {
		return err
	}
	if c.Ledger.MaxRetries < 0 {
		return &generic.ValidationError{Field: "ledger.max_retries", Reason: "must not be negative"}
	}
	if _, err := c.ClosingSchedules(); err != nil {
		return err
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Server.Port) }

// BaseRates parses the configured per-meal base rates.
func (c Config) BaseRates() (map[generic.MealType]decimal.Decimal, error) {
	out := make(map[generic.MealType]decimal.Decimal, len(c.Policy.BaseRates))
	for name, raw := range c.Policy.BaseRates {
		meal, err := generic.ParseMealType(name)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, &generic.ValidationError{Field: "policy.base_rates." + name, Reason: fmt.Sprintf("not a decimal: %q", raw)}
		}
		if rate.IsNegative() {
			return nil, &generic.ValidationError{Field: "policy.base_rates." + name, Reason: "must not be negative"}
		}
		out[meal] = rate
	}
	return out, nil
}

func (c Config) OffWeekdays() ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(c.Policy.OffWeekdays))
	for _, s := range c.Policy.OffWeekdays {
		wd, err := generic.ParseWeekday(s)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, nil
}

// LowBalanceThreshold returns nil when no threshold is configured.
func (c Config) LowBalanceThreshold() (*decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Policy.LowBalanceThreshold)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, &generic.ValidationError{Field: "policy.low_balance_threshold", Reason: fmt.Sprintf("not a decimal: %q", raw)}
	}
	return &d, nil
}

func (c Config) TieBreak() eligibility.TieBreak {
	t, err := eligibility.ParseTieBreak(c.Eligibility.TieBreak)
	if err != nil {
		return eligibility.TieBreakScopeThenRecency
	}
	return t
}

// ClosingSchedules parses the cron expression of every scheduled meal.
func (c Config) ClosingSchedules() (map[generic.MealType]cron.Schedule, error) {
	out := make(map[generic.MealType]cron.Schedule, len(c.Closing.Schedules))
	for name, spec := range c.Closing.Schedules {
		meal, err := generic.ParseMealType(name)
		if err != nil {
			return nil, err
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, &generic.ValidationError{Field: "closing.schedules." + name, Reason: err.Error()}
		}
		out[meal] = sched
	}
	return out, nil
}

// SetupLogging applies the log section to the standard logrus logger.
func (c Config) SetupLogging() {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)
}
