// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 1, cfg.Browser().Hosts)
	assert.Equal(t, 3, cfg.Browser().SessionsPerHost)
	assert.Equal(t, 3, cfg.Browser().Capacity())
	assert.Equal(t, []string{"es-CL", "es", "en"}, cfg.Browser().Languages)
	assert.Equal(t, int64(1280), cfg.Browser().Viewport.Width)

	assert.Equal(t, "https://redeem.hype.games", cfg.Redeem().BaseURL)
	assert.Equal(t, SubmitField, cfg.Redeem().SubmitMode)
	assert.Equal(t, 15*time.Second, cfg.Redeem().CardFlipTimeout)
	assert.Equal(t, 10*time.Second, cfg.Redeem().RecycleTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.Redeem().ResultSettleDelay)
	assert.Equal(t, 3, cfg.Redeem().VerifyAttempts)

	assert.Contains(t, cfg.Traffic().AllowPatterns, "hype.games")
	assert.Contains(t, cfg.Traffic().BlockPatterns, "goadopt.io")
	assert.Equal(t, []string{"Image", "Font", "Media"}, cfg.Traffic().BlockResourceTypes)

	assert.Equal(t, ":8000", cfg.Server().Addr)
	assert.Equal(t, 10*time.Second, cfg.Webhook().Timeout)
	assert.Equal(t, "memory", cfg.Store().Driver)

	require.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())

		noHosts := *cfg
		noHosts.BrowserCfg.Hosts = 0
		err := noHosts.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.hosts must be a positive integer")

		noSessions := *cfg
		noSessions.BrowserCfg.SessionsPerHost = -1
		err = noSessions.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.sessions_per_host")

		badDriver := *cfg
		badDriver.StoreCfg.Driver = "sqlite"
		err = badDriver.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.driver")

		pgNoURL := *cfg
		pgNoURL.StoreCfg.Driver = "postgres"
		err = pgNoURL.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.url is required")
	})

	t.Run("Redeem Validation", func(t *testing.T) {
		valid := NewDefaultConfig().RedeemCfg
		assert.NoError(t, valid.Validate())

		badMode := valid
		badMode.SubmitMode = "keyboard"
		assert.ErrorContains(t, badMode.Validate(), "submit_mode")

		relative := valid
		relative.BaseURL = "/redeem"
		assert.ErrorContains(t, relative.Validate(), "base_url")

		anonymous := valid
		anonymous.Name = ""
		assert.ErrorContains(t, anonymous.Validate(), "name, born_at, and nationality are required")

		noAttempts := valid
		noAttempts.VerifyAttempts = 0
		assert.ErrorContains(t, noAttempts.Validate(), "verify_attempts")
	})
}

// -- Viper Loading Tests --

func TestNewConfigFromViper_YAML(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	yaml := []byte(`
browser:
  hosts: 2
  sessions_per_host: 4
redeem:
  submit_mode: url
  verify_timeout: 45s
server:
  api_key: secret
`)
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yaml)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Browser().Capacity())
	assert.Equal(t, SubmitURL, cfg.Redeem().SubmitMode)
	assert.Equal(t, 45*time.Second, cfg.Redeem().VerifyTimeout)
	assert.Equal(t, "secret", cfg.Server().APIKey)
}

func TestNewConfigFromViper_LegacyEnv(t *testing.T) {
	t.Setenv("API_SECRET_KEY", "legacy-key")
	t.Setenv("BROWSER_COUNT", "2")
	t.Setenv("MAX_CONCURRENT", "5")
	t.Setenv("HEADLESS", "false")
	t.Setenv("PORT", "9100")
	t.Setenv("REDEEM_TIMEOUT", "90")
	t.Setenv("REDEEM_NAME", "Maria Soto")

	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "legacy-key", cfg.Server().APIKey)
	assert.Equal(t, 2, cfg.Browser().Hosts)
	assert.Equal(t, 5, cfg.Browser().SessionsPerHost)
	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, ":9100", cfg.Server().Addr)
	assert.Equal(t, 90*time.Second, cfg.Redeem().DefaultTimeout)
	assert.Equal(t, "Maria Soto", cfg.Redeem().Name)
}

func TestNewConfigFromViper_PrefixedEnvWins(t *testing.T) {
	t.Setenv("HYPEAUTO_BROWSER_HOSTS", "3")
	t.Setenv("BROWSER_COUNT", "7")

	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Browser().Hosts)
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("browser.hosts", 0)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetBrowserHeadless(false)
	iface.SetBrowserHosts(4)
	iface.SetBrowserSessionsPerHost(2)
	iface.SetServerAddr("127.0.0.1:9000")

	assert.False(t, iface.Browser().Headless)
	assert.Equal(t, 8, iface.Browser().Capacity())
	assert.Equal(t, "127.0.0.1:9000", iface.Server().Addr)
}

func TestServerConfig_CheckAuth(t *testing.T) {
	assert.Error(t, NewDefaultConfig().Server().CheckAuth(), "the default config has no key")
	assert.NoError(t, ServerConfig{APIKey: "k"}.CheckAuth())
	assert.NoError(t, ServerConfig{AllowUnauthenticated: true}.CheckAuth())
}
