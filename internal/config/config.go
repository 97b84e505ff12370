// Package config provides configuration management for the connector.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"kite-connector/internal/broker"
	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/logging"
	"kite-connector/internal/models"
	"kite-connector/internal/orders"
	"kite-connector/internal/resilience"
	"kite-connector/internal/session"
	"kite-connector/internal/stream"
)

// Config holds all connector configuration.
type Config struct {
	Mode        string            `mapstructure:"mode"` // "live", "paper"
	Broker      BrokerConfig      `mapstructure:"broker"`
	Session     SessionConfig     `mapstructure:"session"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Orders      OrdersConfig      `mapstructure:"orders"`
	Health      HealthConfig      `mapstructure:"health"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Paper       PaperConfig       `mapstructure:"paper"`
	Logging     logging.LogConfig `mapstructure:"logging"`
	Credentials Credentials       `mapstructure:"-"` // Loaded separately
}

// BrokerConfig holds Kite Connect transport settings.
type BrokerConfig struct {
	BaseURI         string        `mapstructure:"base_uri"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	DefaultExchange string        `mapstructure:"default_exchange"`
	RequestRate     float64       `mapstructure:"request_rate"`
	OrderRate       float64       `mapstructure:"order_rate"`
	SearchLimit     int           `mapstructure:"search_limit"`
}

// SessionConfig holds session manager settings.
type SessionConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	ProbeTTL      time.Duration `mapstructure:"probe_ttl"`
	WarmupSymbols []string      `mapstructure:"warmup_symbols"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// StreamConfig holds streaming subscription settings.
type StreamConfig struct {
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap         time.Duration `mapstructure:"reconnect_cap"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReplayRetries        int           `mapstructure:"replay_retries"`
	ReplayBase           time.Duration `mapstructure:"replay_base"`
	ReplayCap            time.Duration `mapstructure:"replay_cap"`
	OpenTimeout          time.Duration `mapstructure:"open_timeout"`
}

// OrdersConfig holds order pipeline settings.
type OrdersConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	RetryPause  time.Duration `mapstructure:"retry_pause"`
}

// HealthConfig holds periodic health check settings. A zero interval
// disables the monitor.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// JournalConfig holds order journal settings.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PaperConfig holds in-memory paper service settings.
type PaperConfig struct {
	InitialBalance float64       `mapstructure:"initial_balance"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
}

// Credentials holds API credentials.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Kite Connect credentials. Any one login path is
// enough: an access token, a request token, or user id + password + TOTP.
type KiteCredentials struct {
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	UserID       string `mapstructure:"user_id"`
	Password     string `mapstructure:"password"`    // For auto-login
	TOTPSecret   string `mapstructure:"totp_secret"` // For auto-login with 2FA
	RequestToken string `mapstructure:"request_token"`
	AccessToken  string `mapstructure:"access_token"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	sess := session.DefaultConfig()
	cb := resilience.DefaultCircuitBreakerConfig()
	st := stream.DefaultConfig()
	ord := orders.DefaultConfig()
	kite := broker.DefaultKiteConfig()
	hm := resilience.DefaultHealthMonitorConfig()

	return &Config{
		Mode: "live",
		Broker: BrokerConfig{
			HTTPTimeout:     kite.HTTPTimeout,
			DefaultExchange: string(kite.DefaultExchange),
			RequestRate:     kite.RequestRate,
			OrderRate:       kite.OrderRate,
			SearchLimit:     kite.SearchLimit,
		},
		Session: SessionConfig{
			MaxRetries:    sess.MaxRetries,
			BackoffBase:   sess.Backoff.Base,
			BackoffCap:    sess.Backoff.Cap,
			CallTimeout:   sess.CallTimeout,
			ProbeTTL:      sess.ProbeTTL,
			WarmupSymbols: sess.WarmupSymbols,
		},
		Breaker: BreakerConfig{Threshold: cb.Threshold, Cooldown: cb.Cooldown},
		Stream: StreamConfig{
			ReconnectBase:        st.Reconnect.Base,
			ReconnectCap:         st.Reconnect.Cap,
			MaxReconnectAttempts: st.MaxReconnectAttempts,
			ReplayRetries:        st.ReplayRetries,
			ReplayBase:           st.ReplayBackoff.Base,
			ReplayCap:            st.ReplayBackoff.Cap,
			OpenTimeout:          st.OpenTimeout,
		},
		Orders:  OrdersConfig{DedupWindow: ord.DedupWindow, RetryPause: ord.RetryPause},
		Health:  HealthConfig{Interval: hm.CheckInterval, Timeout: hm.CheckTimeout},
		Journal: JournalConfig{Enabled: true, Path: "journal.db"},
		Paper:   PaperConfig{InitialBalance: 1000000, TickInterval: time.Second},
		Logging: logging.DefaultLogConfig(),
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/kite-connector"
	}
	return filepath.Join(home, ".config", "kite-connector")
}

// Load loads configuration from the specified directory. If configDir is
// empty, uses the default config directory. Missing files are created from
// templates and then read like any other.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	// Relative paths live next to the config files.
	if cfg.Journal.Path != "" && !filepath.IsAbs(cfg.Journal.Path) {
		cfg.Journal.Path = filepath.Join(configDir, cfg.Journal.Path)
	}
	if cfg.Logging.FilePath != "" && !filepath.IsAbs(cfg.Logging.FilePath) {
		cfg.Logging.FilePath = filepath.Join(configDir, cfg.Logging.FilePath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, cfg)

	if err := readOrCreate(v, configDir, "config.toml", configTemplate, 0644); err != nil {
		return err
	}
	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	// Use restricted permissions for credentials file
	if err := readOrCreate(v, configDir, "credentials.toml", credentialsTemplate, 0600); err != nil {
		return err
	}
	return v.Unmarshal(creds)
}

func readOrCreate(v *viper.Viper, configDir, name, template string, perm os.FileMode) error {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return err
	}
	if err := writeTemplate(configDir, name, template, perm); err != nil {
		return err
	}
	return v.ReadInConfig()
}

// setDefaults registers every key so that a partial file and environment
// lookups still see the documented values.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("mode", cfg.Mode)

	v.SetDefault("broker.base_uri", cfg.Broker.BaseURI)
	v.SetDefault("broker.http_timeout", cfg.Broker.HTTPTimeout)
	v.SetDefault("broker.default_exchange", cfg.Broker.DefaultExchange)
	v.SetDefault("broker.request_rate", cfg.Broker.RequestRate)
	v.SetDefault("broker.order_rate", cfg.Broker.OrderRate)
	v.SetDefault("broker.search_limit", cfg.Broker.SearchLimit)

	v.SetDefault("session.max_retries", cfg.Session.MaxRetries)
	v.SetDefault("session.backoff_base", cfg.Session.BackoffBase)
	v.SetDefault("session.backoff_cap", cfg.Session.BackoffCap)
	v.SetDefault("session.call_timeout", cfg.Session.CallTimeout)
	v.SetDefault("session.probe_ttl", cfg.Session.ProbeTTL)
	v.SetDefault("session.warmup_symbols", cfg.Session.WarmupSymbols)

	v.SetDefault("breaker.threshold", cfg.Breaker.Threshold)
	v.SetDefault("breaker.cooldown", cfg.Breaker.Cooldown)

	v.SetDefault("stream.reconnect_base", cfg.Stream.ReconnectBase)
	v.SetDefault("stream.reconnect_cap", cfg.Stream.ReconnectCap)
	v.SetDefault("stream.max_reconnect_attempts", cfg.Stream.MaxReconnectAttempts)
	v.SetDefault("stream.replay_retries", cfg.Stream.ReplayRetries)
	v.SetDefault("stream.replay_base", cfg.Stream.ReplayBase)
	v.SetDefault("stream.replay_cap", cfg.Stream.ReplayCap)
	v.SetDefault("stream.open_timeout", cfg.Stream.OpenTimeout)

	v.SetDefault("orders.dedup_window", cfg.Orders.DedupWindow)
	v.SetDefault("orders.retry_pause", cfg.Orders.RetryPause)

	v.SetDefault("health.interval", cfg.Health.Interval)
	v.SetDefault("health.timeout", cfg.Health.Timeout)

	v.SetDefault("journal.enabled", cfg.Journal.Enabled)
	v.SetDefault("journal.path", cfg.Journal.Path)

	v.SetDefault("paper.initial_balance", cfg.Paper.InitialBalance)
	v.SetDefault("paper.tick_interval", cfg.Paper.TickInterval)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.file_path", cfg.Logging.FilePath)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
}

func applyEnvOverrides(cfg *Config) {
	kite := &cfg.Credentials.Kite
	for env, field := range map[string]*string{
		"KITE_API_KEY":      &kite.APIKey,
		"KITE_API_SECRET":   &kite.APISecret,
		"KITE_USER_ID":      &kite.UserID,
		"KITE_PASSWORD":     &kite.Password,
		"KITE_TOTP_SECRET":  &kite.TOTPSecret,
		"KITE_ACCESS_TOKEN": &kite.AccessToken,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("CONNECTOR_MODE"); v != "" {
		cfg.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if c.Mode != "live" && c.Mode != "paper" {
		return invalid("mode %q must be 'live' or 'paper'", c.Mode)
	}
	if c.Breaker.Threshold < 1 {
		return invalid("breaker.threshold must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		return invalid("breaker.cooldown must be positive")
	}
	if c.Session.MaxRetries < 1 {
		return invalid("session.max_retries must be at least 1")
	}
	if c.Session.BackoffBase <= 0 || c.Session.BackoffCap < c.Session.BackoffBase {
		return invalid("session backoff needs 0 < backoff_base <= backoff_cap")
	}
	if c.Session.CallTimeout <= 0 {
		return invalid("session.call_timeout must be positive")
	}
	if c.Stream.ReconnectBase <= 0 || c.Stream.ReconnectCap < c.Stream.ReconnectBase {
		return invalid("stream reconnect needs 0 < reconnect_base <= reconnect_cap")
	}
	if c.Stream.ReplayBase <= 0 || c.Stream.ReplayCap < c.Stream.ReplayBase {
		return invalid("stream replay needs 0 < replay_base <= replay_cap")
	}
	if c.Stream.ReplayRetries < 0 || c.Stream.MaxReconnectAttempts < 0 {
		return invalid("stream retry counts must not be negative")
	}
	if c.Orders.DedupWindow <= 0 {
		return invalid("orders.dedup_window must be positive")
	}
	if c.Orders.RetryPause < 0 {
		return invalid("orders.retry_pause must not be negative")
	}
	if c.Health.Interval < 0 {
		return invalid("health.interval must not be negative")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return invalid("journal.path is required when the journal is enabled")
	}
	if c.Broker.RequestRate <= 0 || c.Broker.OrderRate <= 0 {
		return invalid("broker rate limits must be positive")
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Mode == "paper"
}

// SessionOptions converts the session section.
func (c *Config) SessionOptions() session.Config {
	return session.Config{
		MaxRetries:    c.Session.MaxRetries,
		Backoff:       resilience.Backoff{Base: c.Session.BackoffBase, Cap: c.Session.BackoffCap},
		CallTimeout:   c.Session.CallTimeout,
		ProbeTTL:      c.Session.ProbeTTL,
		WarmupSymbols: c.Session.WarmupSymbols,
	}
}

// BreakerOptions converts the breaker section.
func (c *Config) BreakerOptions() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{Threshold: c.Breaker.Threshold, Cooldown: c.Breaker.Cooldown}
}

// StreamOptions converts the stream section.
func (c *Config) StreamOptions() stream.Config {
	return stream.Config{
		Reconnect:            resilience.Backoff{Base: c.Stream.ReconnectBase, Cap: c.Stream.ReconnectCap},
		MaxReconnectAttempts: c.Stream.MaxReconnectAttempts,
		ReplayRetries:        c.Stream.ReplayRetries,
		ReplayBackoff:        resilience.Backoff{Base: c.Stream.ReplayBase, Cap: c.Stream.ReplayCap},
		OpenTimeout:          c.Stream.OpenTimeout,
	}
}

// OrdersOptions converts the orders section.
func (c *Config) OrdersOptions() orders.Config {
	return orders.Config{DedupWindow: c.Orders.DedupWindow, RetryPause: c.Orders.RetryPause}
}

// HealthOptions converts the health section.
func (c *Config) HealthOptions() resilience.HealthMonitorConfig {
	return resilience.HealthMonitorConfig{CheckInterval: c.Health.Interval, CheckTimeout: c.Health.Timeout}
}

// KiteOptions converts the broker section.
func (c *Config) KiteOptions() broker.KiteConfig {
	return broker.KiteConfig{
		BaseURI:         c.Broker.BaseURI,
		HTTPTimeout:     c.Broker.HTTPTimeout,
		DefaultExchange: models.Exchange(c.Broker.DefaultExchange),
		RequestRate:     c.Broker.RequestRate,
		OrderRate:       c.Broker.OrderRate,
		SearchLimit:     c.Broker.SearchLimit,
	}
}

// PaperOptions converts the paper section.
func (c *Config) PaperOptions() broker.PaperConfig {
	return broker.PaperConfig{InitialBalance: c.Paper.InitialBalance, TickInterval: c.Paper.TickInterval}
}

// Credential converts the Kite credentials.
func (c *Config) Credential() broker.Credential {
	k := c.Credentials.Kite
	return broker.Credential{
		APIKey:       k.APIKey,
		APISecret:    k.APISecret,
		UserID:       k.UserID,
		Password:     k.Password,
		TOTPSecret:   k.TOTPSecret,
		RequestToken: k.RequestToken,
		AccessToken:  k.AccessToken,
	}
}
