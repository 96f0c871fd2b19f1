package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable consulted when no --config flag is given.
const EnvPath = "AUTOBID_CONFIG"

const (
	defaultPath          = "config.yaml"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultSQLitePath    = "autobid.db"
)

// ConfigError reports a missing or invalid setting. It is fatal at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Config is the root configuration for the auto-bid engine.
type Config struct {
	Marketplace  MarketplaceConfig
	AI           AIConfig
	Bidding      BiddingConfig
	Schedule     ScheduleConfig
	RateLimit    RateLimitConfig
	Locks        LocksConfig
	Workers      int
	Storage      StorageConfig
	Notification NotificationConfig
}

// MarketplaceConfig points at the marketplace API and the bidding account.
type MarketplaceConfig struct {
	BaseURL     string
	Token       string // expanded from env var by Load
	AccountID   string
	BidCurrency string
	Timeout     time.Duration // per-request timeout
	MinDelay    time.Duration // minimum gap between marketplace calls
	Retries     int           // extra attempts on transient read failures
}

// AIConfig controls the OpenAI-compatible bid writer. When disabled a
// static proposal template is used.
type AIConfig struct {
	Enabled bool
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// RecencyConfig is the optional job-age filter.
type RecencyConfig struct {
	Enabled bool
	MaxAge  time.Duration
}

// BiddingConfig holds the pricing and eligibility policy values.
type BiddingConfig struct {
	Recency          RecencyConfig
	DefaultMinBudget float64
	CapMultiplier    float64
	// ExchangeRates are units of each currency per one unit of BidCurrency.
	ExchangeRates map[string]float64
	StaticProposal string
}

// ScheduleConfig shapes the polling curve and the daemon ticks.
type ScheduleConfig struct {
	MinInterval       time.Duration
	MaxInterval       time.Duration
	DiscoveryInterval time.Duration
	Tick              time.Duration
}

// RateLimitConfig controls the shared cooldown window.
type RateLimitConfig struct {
	Cooldown time.Duration
}

// LocksConfig controls the single-flight guard.
type LocksConfig struct {
	SafetyTimeout time.Duration
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres" or "memory"
	Path   string `yaml:"path"`   // sqlite file; always used for the bid ledger and leases
	DSN    string `yaml:"dsn"`    // postgres connection string for the shared KV
}

// NotificationConfig controls which notifier is used and its settings.
type NotificationConfig struct {
	Type       string `yaml:"type"`        // "log" or "slack"
	WebhookURL string `yaml:"webhook_url"` // required if type is "slack"
}

// rawConfig is used for YAML unmarshaling (snake_case fields and durations as strings).
type rawConfig struct {
	Marketplace  rawMarketplaceConfig `yaml:"marketplace"`
	AI           rawAIConfig          `yaml:"ai"`
	Bidding      rawBiddingConfig     `yaml:"bidding"`
	Schedule     rawScheduleConfig    `yaml:"schedule"`
	RateLimit    rawRateLimitConfig   `yaml:"rate_limit"`
	Locks        rawLocksConfig       `yaml:"locks"`
	Workers      int                  `yaml:"workers"`
	Storage      StorageConfig        `yaml:"storage"`
	Notification NotificationConfig   `yaml:"notification"`
}

type rawMarketplaceConfig struct {
	BaseURL     string `yaml:"base_url"`
	Token       string `yaml:"token"`
	AccountID   string `yaml:"account_id"`
	BidCurrency string `yaml:"bid_currency"`
	Timeout     string `yaml:"timeout"`
	MinDelay    string `yaml:"min_delay"`
	Retries     *int   `yaml:"retries"`
}

type rawAIConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

type rawRecencyConfig struct {
	Enabled *bool  `yaml:"enabled"`
	MaxAge  string `yaml:"max_age"`
}

type rawBiddingConfig struct {
	Recency          rawRecencyConfig   `yaml:"recency"`
	DefaultMinBudget float64            `yaml:"default_min_budget"`
	CapMultiplier    float64            `yaml:"cap_multiplier"`
	ExchangeRates    map[string]float64 `yaml:"exchange_rates"`
	StaticProposal   string             `yaml:"static_proposal"`
}

type rawScheduleConfig struct {
	MinInterval       string `yaml:"min_interval"`
	MaxInterval       string `yaml:"max_interval"`
	DiscoveryInterval string `yaml:"discovery_interval"`
	Tick              string `yaml:"tick"`
}

type rawRateLimitConfig struct {
	Cooldown string `yaml:"cooldown"`
}

type rawLocksConfig struct {
	SafetyTimeout string `yaml:"safety_timeout"`
}

// ResolvePath picks the config file: the flag value, then $AUTOBID_CONFIG,
// then ./config.yaml.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return defaultPath
}

// Load reads and parses the YAML config file at path, validates it, and returns Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("read config: %w", err)}
	}
	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse config: %w", err)}
	}

	d := durations{}
	cfg := &Config{
		Marketplace: MarketplaceConfig{
			BaseURL:     strings.TrimRight(raw.Marketplace.BaseURL, "/"),
			Token:       raw.Marketplace.Token,
			AccountID:   raw.Marketplace.AccountID,
			BidCurrency: strings.ToUpper(raw.Marketplace.BidCurrency),
			Timeout:     d.parse("marketplace.timeout", raw.Marketplace.Timeout, 10*time.Second),
			MinDelay:    d.parse("marketplace.min_delay", raw.Marketplace.MinDelay, 250*time.Millisecond),
			Retries:     1,
		},
		AI: AIConfig{
			Enabled: raw.AI.Enabled,
			BaseURL: raw.AI.BaseURL,
			Model:   raw.AI.Model,
			APIKey:  raw.AI.APIKey,
			Timeout: d.parse("ai.timeout", raw.AI.Timeout, 30*time.Second),
		},
		Bidding: BiddingConfig{
			Recency: RecencyConfig{
				Enabled: true,
				MaxAge:  d.parse("bidding.recency.max_age", raw.Bidding.Recency.MaxAge, 60*time.Minute),
			},
			DefaultMinBudget: raw.Bidding.DefaultMinBudget,
			CapMultiplier:    raw.Bidding.CapMultiplier,
			ExchangeRates:    raw.Bidding.ExchangeRates,
			StaticProposal:   raw.Bidding.StaticProposal,
		},
		Schedule: ScheduleConfig{
			MinInterval:       d.parse("schedule.min_interval", raw.Schedule.MinInterval, 20*time.Second),
			MaxInterval:       d.parse("schedule.max_interval", raw.Schedule.MaxInterval, 2*time.Hour),
			DiscoveryInterval: d.parse("schedule.discovery_interval", raw.Schedule.DiscoveryInterval, time.Minute),
			Tick:              d.parse("schedule.tick", raw.Schedule.Tick, time.Second),
		},
		RateLimit: RateLimitConfig{
			Cooldown: d.parse("rate_limit.cooldown", raw.RateLimit.Cooldown, 30*time.Minute),
		},
		Locks: LocksConfig{
			SafetyTimeout: d.parse("locks.safety_timeout", raw.Locks.SafetyTimeout, 2*time.Minute),
		},
		Workers:      raw.Workers,
		Storage:      raw.Storage,
		Notification: raw.Notification,
	}
	if d.err != nil {
		return nil, d.err
	}

	if raw.Marketplace.Retries != nil {
		cfg.Marketplace.Retries = *raw.Marketplace.Retries
	}
	if raw.Bidding.Recency.Enabled != nil {
		cfg.Bidding.Recency.Enabled = *raw.Bidding.Recency.Enabled
	}
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durations parses duration strings, keeping the first error.
type durations struct {
	err error
}

func (d *durations) parse(field, raw string, def time.Duration) time.Duration {
	if raw == "" || d.err != nil {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		d.err = &ConfigError{Field: field, Err: err}
		return def
	}
	return v
}

func applyDefaults(cfg *Config) {
	if cfg.Marketplace.BidCurrency == "" {
		cfg.Marketplace.BidCurrency = "USD"
	}
	if cfg.AI.BaseURL == "" {
		cfg.AI.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Bidding.DefaultMinBudget == 0 {
		cfg.Bidding.DefaultMinBudget = 100
	}
	if cfg.Bidding.CapMultiplier == 0 {
		cfg.Bidding.CapMultiplier = 1.8
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultSQLitePath
	}
	if cfg.Notification.Type == "" {
		cfg.Notification.Type = "log"
	}
}

func validate(cfg *Config) error {
	m := cfg.Marketplace
	if m.BaseURL == "" {
		return invalid("marketplace.base_url", "is required")
	}
	if u, err := url.Parse(m.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("marketplace.base_url", "must be an absolute http(s) URL, got %q", m.BaseURL)
	}
	if m.Token == "" {
		return invalid("marketplace.token", "is required")
	}
	if m.AccountID == "" {
		return invalid("marketplace.account_id", "is required")
	}
	if _, err := currency.ParseISO(m.BidCurrency); err != nil {
		return invalid("marketplace.bid_currency", "unknown currency %q", m.BidCurrency)
	}
	if m.Timeout <= 0 {
		return invalid("marketplace.timeout", "must be positive, got %v", m.Timeout)
	}
	if m.MinDelay < 0 {
		return invalid("marketplace.min_delay", "must not be negative, got %v", m.MinDelay)
	}
	if m.Retries < 0 {
		return invalid("marketplace.retries", "must not be negative, got %d", m.Retries)
	}

	if cfg.AI.Enabled {
		if cfg.AI.APIKey == "" {
			return invalid("ai.api_key", "is required when ai.enabled is true")
		}
		if cfg.AI.Model == "" {
			return invalid("ai.model", "is required when ai.enabled is true")
		}
	}
	if cfg.AI.Timeout <= 0 {
		return invalid("ai.timeout", "must be positive, got %v", cfg.AI.Timeout)
	}

	b := cfg.Bidding
	if b.Recency.Enabled && b.Recency.MaxAge <= 0 {
		return invalid("bidding.recency.max_age", "must be positive, got %v", b.Recency.MaxAge)
	}
	if b.DefaultMinBudget < 0 {
		return invalid("bidding.default_min_budget", "must not be negative, got %v", b.DefaultMinBudget)
	}
	if b.CapMultiplier < 1 {
		return invalid("bidding.cap_multiplier", "must be at least 1, got %v", b.CapMultiplier)
	}
	for cur, rate := range b.ExchangeRates {
		if _, err := currency.ParseISO(strings.ToUpper(cur)); err != nil {
			return invalid("bidding.exchange_rates", "unknown currency %q", cur)
		}
		if rate <= 0 {
			return invalid("bidding.exchange_rates", "rate for %s must be positive, got %v", cur, rate)
		}
	}

	s := cfg.Schedule
	if s.MinInterval <= 0 {
		return invalid("schedule.min_interval", "must be positive, got %v", s.MinInterval)
	}
	if s.MaxInterval < s.MinInterval {
		return invalid("schedule.max_interval", "must be at least min_interval (%v), got %v", s.MinInterval, s.MaxInterval)
	}
	if s.DiscoveryInterval <= 0 {
		return invalid("schedule.discovery_interval", "must be positive, got %v", s.DiscoveryInterval)
	}
	if s.Tick <= 0 {
		return invalid("schedule.tick", "must be positive, got %v", s.Tick)
	}

	if cfg.RateLimit.Cooldown <= 0 {
		return invalid("rate_limit.cooldown", "must be positive, got %v", cfg.RateLimit.Cooldown)
	}
	if cfg.Locks.SafetyTimeout <= 0 {
		return invalid("locks.safety_timeout", "must be positive, got %v", cfg.Locks.SafetyTimeout)
	}
	if cfg.Workers < 1 {
		return invalid("workers", "must be at least 1, got %d", cfg.Workers)
	}

	switch cfg.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.Storage.DSN == "" {
			return invalid("storage.dsn", "is required when driver is \"postgres\"")
		}
	default:
		return invalid("storage.driver", "must be \"sqlite\", \"postgres\" or \"memory\", got %q", cfg.Storage.Driver)
	}

	switch cfg.Notification.Type {
	case "log":
	case "slack":
		if cfg.Notification.WebhookURL == "" {
			return invalid("notification.webhook_url", "is required when type is \"slack\"")
		}
		if !strings.HasPrefix(cfg.Notification.WebhookURL, "https://hooks.slack.com/") {
			return invalid("notification.webhook_url", "must start with https://hooks.slack.com/")
		}
	default:
		return invalid("notification.type", "must be \"log\" or \"slack\", got %q", cfg.Notification.Type)
	}

	return nil
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
