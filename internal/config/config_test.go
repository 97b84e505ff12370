package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
)

func TestLoad_CreatesTemplatesMatchingDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	info, err := os.Stat(filepath.Join(dir, "credentials.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	def := Default()
	assert.True(t, cfg.IsPaperMode(), "the template starts in paper mode")
	assert.Equal(t, def.Session, cfg.Session)
	assert.Equal(t, def.Breaker, cfg.Breaker)
	assert.Equal(t, def.Stream, cfg.Stream)
	assert.Equal(t, def.Orders, cfg.Orders)
	assert.Equal(t, def.Health, cfg.Health)
	assert.Equal(t, def.Broker, cfg.Broker)
	assert.Equal(t, filepath.Join(dir, "journal.db"), cfg.Journal.Path)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
mode = "live"

[breaker]
threshold = 3
cooldown = "5s"

[orders]
dedup_window = "750ms"
`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.False(t, cfg.IsPaperMode())
	assert.Equal(t, BreakerConfig{Threshold: 3, Cooldown: 5 * time.Second}, cfg.Breaker)
	assert.Equal(t, 750*time.Millisecond, cfg.Orders.DedupWindow)
	assert.Equal(t, time.Second, cfg.Orders.RetryPause)
	assert.Equal(t, 5, cfg.Session.MaxRetries)
	assert.Equal(t, []string{"NSE:RELIANCE"}, cfg.Session.WarmupSymbols)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KITE_API_KEY", "key-from-env")
	t.Setenv("KITE_TOTP_SECRET", "JBSWY3DPEHPK3PXP")
	t.Setenv("CONNECTOR_MODE", "live")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.Credentials.Kite.APIKey)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", cfg.Credential().TOTPSecret)
	assert.Equal(t, "live", cfg.Mode)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[breaker]
threshold = 0
`), 0644))

	_, err := Load(dir)
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "demo" }},
		{"zero threshold", func(c *Config) { c.Breaker.Threshold = 0 }},
		{"zero cooldown", func(c *Config) { c.Breaker.Cooldown = 0 }},
		{"session cap below base", func(c *Config) { c.Session.BackoffCap = time.Second }},
		{"stream cap below base", func(c *Config) { c.Stream.ReconnectCap = time.Second }},
		{"replay cap below base", func(c *Config) { c.Stream.ReplayCap = 100 * time.Millisecond }},
		{"zero dedup window", func(c *Config) { c.Orders.DedupWindow = 0 }},
		{"negative retry pause", func(c *Config) { c.Orders.RetryPause = -time.Second }},
		{"journal without path", func(c *Config) { c.Journal.Path = "" }},
		{"zero retries", func(c *Config) { c.Session.MaxRetries = 0 }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), apperrors.ErrConfigInvalid)
		})
	}
}

func TestOptions(t *testing.T) {
	cfg := Default()
	cfg.Broker.DefaultExchange = "BSE"
	cfg.Stream.ReconnectBase = 3 * time.Second

	sess := cfg.SessionOptions()
	assert.Equal(t, 2*time.Second, sess.Backoff.Base)
	assert.Equal(t, 30*time.Second, sess.Backoff.Cap)

	st := cfg.StreamOptions()
	assert.Equal(t, 3*time.Second, st.Reconnect.Base)
	assert.Equal(t, 500*time.Millisecond, st.ReplayBackoff.Base)

	assert.Equal(t, models.BSE, cfg.KiteOptions().DefaultExchange)
	assert.Equal(t, 10, cfg.BreakerOptions().Threshold)
	assert.Equal(t, 2*time.Second, cfg.OrdersOptions().DedupWindow)
	assert.Equal(t, 30*time.Second, cfg.HealthOptions().CheckInterval)
}
