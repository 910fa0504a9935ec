// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Redeem() RedeemConfig
	Traffic() TrafficConfig
	Server() ServerConfig
	Webhook() WebhookConfig
	Store() StoreConfig

	// Setters used by CLI flag overrides.
	SetBrowserHeadless(bool)
	SetBrowserHosts(int)
	SetBrowserSessionsPerHost(int)
	SetServerAddr(string)
}

// Config holds the entire application configuration.
// Sections are exported so viper can populate them; callers read through the Interface getters.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	RedeemCfg  RedeemConfig  `mapstructure:"redeem" yaml:"redeem"`
	TrafficCfg TrafficConfig `mapstructure:"traffic" yaml:"traffic"`
	ServerCfg  ServerConfig  `mapstructure:"server" yaml:"server"`
	WebhookCfg WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	StoreCfg   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Redeem() RedeemConfig   { return c.RedeemCfg }
func (c *Config) Traffic() TrafficConfig { return c.TrafficCfg }
func (c *Config) Server() ServerConfig   { return c.ServerCfg }
func (c *Config) Webhook() WebhookConfig { return c.WebhookCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)       { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserHosts(n int)           { c.BrowserCfg.Hosts = n }
func (c *Config) SetBrowserSessionsPerHost(n int) { c.BrowserCfg.SessionsPerHost = n }
func (c *Config) SetServerAddr(addr string)       { c.ServerCfg.Addr = addr }

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the Chrome hosts and the sessions carved out of them.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// Hosts is the number of Chrome processes launched at startup.
	Hosts int `mapstructure:"hosts" yaml:"hosts"`
	// SessionsPerHost multiplied by Hosts gives the pool capacity.
	SessionsPerHost int            `mapstructure:"sessions_per_host" yaml:"sessions_per_host"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	UserAgent       string         `mapstructure:"user_agent" yaml:"user_agent"`
	Locale          string         `mapstructure:"locale" yaml:"locale"`
	Languages       []string       `mapstructure:"languages" yaml:"languages"`
	LaunchTimeout   time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// Capacity is the total number of sessions the pool may hold.
func (b BrowserConfig) Capacity() int {
	return b.Hosts * b.SessionsPerHost
}

// ViewportConfig is the emulated window size of every session.
type ViewportConfig struct {
	Width  int64 `mapstructure:"width" yaml:"width"`
	Height int64 `mapstructure:"height" yaml:"height"`
}

// SubmitMode selects how the PIN reaches the merchant site.
type SubmitMode string

const (
	// SubmitField types the PIN into the landing page's PIN field.
	SubmitField SubmitMode = "field"
	// SubmitURL navigates straight to <base>/<PIN>.
	SubmitURL SubmitMode = "url"
)

// RedeemConfig holds the redemption protocol settings and the fixed redeemer identity.
type RedeemConfig struct {
	BaseURL     string     `mapstructure:"base_url" yaml:"base_url"`
	SubmitMode  SubmitMode `mapstructure:"submit_mode" yaml:"submit_mode"`
	Name        string     `mapstructure:"name" yaml:"name"`
	BornAt      string     `mapstructure:"born_at" yaml:"born_at"`
	Nationality string     `mapstructure:"nationality" yaml:"nationality"`

	// DefaultTimeout bounds any page action that has no dedicated timeout.
	DefaultTimeout    time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	WarmupTimeout     time.Duration `mapstructure:"warmup_timeout" yaml:"warmup_timeout"`
	RecycleTimeout    time.Duration `mapstructure:"recycle_timeout" yaml:"recycle_timeout"`
	PINFieldTimeout   time.Duration `mapstructure:"pin_field_timeout" yaml:"pin_field_timeout"`
	PINSubmitTimeout  time.Duration `mapstructure:"pin_submit_timeout" yaml:"pin_submit_timeout"`
	CardFlipTimeout   time.Duration `mapstructure:"card_flip_timeout" yaml:"card_flip_timeout"`
	AccountTimeout    time.Duration `mapstructure:"account_field_timeout" yaml:"account_field_timeout"`
	VerifyTimeout     time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	VerifyAttempts    int           `mapstructure:"verify_attempts" yaml:"verify_attempts"`
	VerifyRetryDelay  time.Duration `mapstructure:"verify_retry_delay" yaml:"verify_retry_delay"`
	RedeemBtnTimeout  time.Duration `mapstructure:"redeem_button_timeout" yaml:"redeem_button_timeout"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	ResultSettleDelay time.Duration `mapstructure:"result_settle_delay" yaml:"result_settle_delay"`
	ScreenshotDir     string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// TrafficConfig is the per-session request filter policy.
type TrafficConfig struct {
	AllowPatterns      []string `mapstructure:"allow_patterns" yaml:"allow_patterns"`
	BlockPatterns      []string `mapstructure:"block_patterns" yaml:"block_patterns"`
	BlockResourceTypes []string `mapstructure:"block_resource_types" yaml:"block_resource_types"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	// AllowUnauthenticated serves the redemption routes without a key when APIKey is empty.
	AllowUnauthenticated bool `mapstructure:"allow_unauthenticated" yaml:"allow_unauthenticated"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimit is requests per second per API key; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
	MaxBatch  int     `mapstructure:"max_batch" yaml:"max_batch"`
}

// CheckAuth fails when no API key is set and unauthenticated access was not requested.
func (s ServerConfig) CheckAuth() error {
	if s.APIKey == "" && !s.AllowUnauthenticated {
		return errors.New("server.api_key is required (set server.allow_unauthenticated to serve without one)")
	}
	return nil
}

// WebhookConfig configures outcome notifications.
type WebhookConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// StoreConfig selects where tasks are kept.
type StoreConfig struct {
	Driver  string        `mapstructure:"driver" yaml:"driver"`
	URL     string        `mapstructure:"url" yaml:"url"`
	TaskTTL time.Duration `mapstructure:"task_ttl" yaml:"task_ttl"`
}

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "hypeauto")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.hosts", 1)
	v.SetDefault("browser.sessions_per_host", 3)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.args", []string{
		"disable-images",
		"disable-extensions",
		"disable-default-apps",
		"no-first-run",
	})
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	v.SetDefault("browser.locale", "es-CL")
	v.SetDefault("browser.languages", []string{"es-CL", "es", "en"})
	v.SetDefault("browser.launch_timeout", "30s")

	// -- Redeem --
	v.SetDefault("redeem.base_url", "https://redeem.hype.games")
	v.SetDefault("redeem.submit_mode", string(SubmitField))
	v.SetDefault("redeem.name", "Juan Perez")
	v.SetDefault("redeem.born_at", "15/03/1995")
	v.SetDefault("redeem.nationality", "CL")
	v.SetDefault("redeem.default_timeout", "60s")
	v.SetDefault("redeem.warmup_timeout", "15s")
	v.SetDefault("redeem.recycle_timeout", "10s")
	v.SetDefault("redeem.pin_field_timeout", "10s")
	v.SetDefault("redeem.pin_submit_timeout", "10s")
	v.SetDefault("redeem.card_flip_timeout", "15s")
	v.SetDefault("redeem.account_field_timeout", "5s")
	v.SetDefault("redeem.verify_timeout", "30s")
	v.SetDefault("redeem.verify_attempts", 3)
	v.SetDefault("redeem.verify_retry_delay", "1s")
	v.SetDefault("redeem.redeem_button_timeout", "5s")
	v.SetDefault("redeem.confirm_timeout", "30s")
	v.SetDefault("redeem.result_settle_delay", "300ms")
	v.SetDefault("redeem.screenshot_dir", ".")

	// -- Traffic --
	v.SetDefault("traffic.allow_patterns", []string{
		"recaptcha",
		"gstatic.com",
		"google.com/recaptcha",
		"hype.games",
	})
	v.SetDefault("traffic.block_patterns", []string{
		"clarity.ms",
		"google-analytics",
		"googletagmanager",
		"/Content/images/covers/",
		"/Content/favicon/",
		".woff",
		".woff2",
		".ttf",
		"ubistatic2-a.akamaihd.net",
		"goadopt.io",
	})
	v.SetDefault("traffic.block_resource_types", []string{"Image", "Font", "Media"})

	// -- Server --
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.allow_unauthenticated", false)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "3m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.max_batch", 50)

	// -- Webhook --
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.max_attempts", 3)

	// -- Store --
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.url", "")
	v.SetDefault("store.task_ttl", "24h")
}

// legacyEnv maps the environment variable names used by earlier deployments onto config keys.
var legacyEnv = map[string]string{
	"API_SECRET_KEY":     "server.api_key",
	"WEBHOOK_URL":        "webhook.url",
	"HEADLESS":           "browser.headless",
	"BROWSER_COUNT":      "browser.hosts",
	"MAX_CONCURRENT":     "browser.sessions_per_host",
	"REDEEM_BASE_URL":    "redeem.base_url",
	"REDEEM_NAME":        "redeem.name",
	"REDEEM_BORN_AT":     "redeem.born_at",
	"REDEEM_NATIONALITY": "redeem.nationality",
	"DATABASE_URL":       "store.url",
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	for env, key := range legacyEnv {
		if err := v.BindEnv(key, envName(key), env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}
	applySecondsEnv(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dir, err := homedir.Expand(cfg.RedeemCfg.ScreenshotDir)
	if err != nil {
		return nil, fmt.Errorf("invalid redeem.screenshot_dir: %w", err)
	}
	cfg.RedeemCfg.ScreenshotDir = dir
	if cfg.LoggerCfg.LogFile != "" {
		if cfg.LoggerCfg.LogFile, err = homedir.Expand(cfg.LoggerCfg.LogFile); err != nil {
			return nil, fmt.Errorf("invalid logger.log_file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// envName is the prefixed variable viper's AutomaticEnv would look up for key.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applySecondsEnv handles the legacy PORT and REDEEM_TIMEOUT variables, which are bare numbers
// rather than an address and a duration.
func applySecondsEnv(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			v.Set("server.addr", ":"+port)
		}
	}
	if secs := os.Getenv("REDEEM_TIMEOUT"); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil && n > 0 {
			v.Set("redeem.default_timeout", time.Duration(n)*time.Second)
		}
	}
}

// EnvPrefix is the prefix for environment overrides, e.g. HYPEAUTO_BROWSER_HOSTS.
const EnvPrefix = "HYPEAUTO"

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.Hosts <= 0 {
		return fmt.Errorf("browser.hosts must be a positive integer")
	}
	if c.BrowserCfg.SessionsPerHost <= 0 {
		return fmt.Errorf("browser.sessions_per_host must be a positive integer")
	}
	if err := c.RedeemCfg.Validate(); err != nil {
		return fmt.Errorf("redeem configuration invalid: %w", err)
	}
	switch c.StoreCfg.Driver {
	case "memory":
	case "postgres":
		if c.StoreCfg.URL == "" {
			return fmt.Errorf("store.url is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver must be 'memory' or 'postgres', got %q", c.StoreCfg.Driver)
	}
	if c.WebhookCfg.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.max_attempts must be a positive integer")
	}
	if c.ServerCfg.MaxBatch <= 0 {
		return fmt.Errorf("server.max_batch must be a positive integer")
	}
	return nil
}

// Validate checks the redemption protocol settings.
func (r *RedeemConfig) Validate() error {
	u, err := url.Parse(r.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", r.BaseURL)
	}
	if r.SubmitMode != SubmitField && r.SubmitMode != SubmitURL {
		return fmt.Errorf("submit_mode must be 'field' or 'url', got %q", r.SubmitMode)
	}
	if r.Name == "" || r.BornAt == "" || r.Nationality == "" {
		return fmt.Errorf("name, born_at, and nationality are required")
	}
	if r.VerifyAttempts <= 0 {
		return fmt.Errorf("verify_attempts must be greater than 0")
	}
	return nil
}
