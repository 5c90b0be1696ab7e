// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig                       `mapstructure:"logger" yaml:"logger"`
	Browser      BrowserConfig                      `mapstructure:"browser" yaml:"browser"`
	Network      NetworkConfig                      `mapstructure:"network" yaml:"network"`
	Platform     PlatformConfig                     `mapstructure:"platform" yaml:"platform"`
	Session      SessionConfig                      `mapstructure:"session" yaml:"session"`
	Locator      LocatorConfig                      `mapstructure:"locator" yaml:"locator"`
	Locators     map[string][]LocatorStrategyConfig `mapstructure:"locators" yaml:"locators"`
	Actions      map[string]ActionConfig            `mapstructure:"actions" yaml:"actions"`
	Confirmation ConfirmationConfig                 `mapstructure:"confirmation" yaml:"confirmation"`
	Batch        BatchConfig                        `mapstructure:"batch" yaml:"batch"`
	Store        StoreConfig                        `mapstructure:"store" yaml:"store"`
}

// LoggerConfig holds all the configuration for the logger.
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

// ColorConfig names the console color of each level. Levels above error use
// the error color; an empty or unknown name prints the level uncolored.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless           bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache       bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors    bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent          string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args               []string       `mapstructure:"args" yaml:"args"`
	Viewport           map[string]int `mapstructure:"viewport" yaml:"viewport"`
	InteractionTimeout time.Duration  `mapstructure:"interaction_timeout" yaml:"interaction_timeout"`
	ShutdownTimeout    time.Duration  `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NetworkConfig tunes navigation and egress.
type NetworkConfig struct {
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	// Proxies are leased round-robin, one per browsing context. Rotation advances to the next.
	Proxies []string `mapstructure:"proxies" yaml:"proxies"`
}

// PlatformConfig describes the target web surface.
type PlatformConfig struct {
	Host             string   `mapstructure:"host" yaml:"host"`
	Domains          []string `mapstructure:"domains" yaml:"domains"`
	RequiredCookies  []string `mapstructure:"required_cookies" yaml:"required_cookies"`
	LoginPathMarkers []string `mapstructure:"login_path_markers" yaml:"login_path_markers"`
	LoginPrompts     []string `mapstructure:"login_prompts" yaml:"login_prompts"`
}

// ProbeConfig is one reachability destination. URL may contain {host} and {self}.
type ProbeConfig struct {
	Name    string        `mapstructure:"name" yaml:"name"`
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SessionConfig configures session establishment.
type SessionConfig struct {
	// Probes are tried in order, most diagnostic first.
	Probes []ProbeConfig `mapstructure:"probes" yaml:"probes"`
}

// LocatorConfig tunes the locator chain resolver.
type LocatorConfig struct {
	MaxTextLength int           `mapstructure:"max_text_length" yaml:"max_text_length"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	// ScanLimit caps the elements a document-wide scan describes.
	ScanLimit int `mapstructure:"scan_limit" yaml:"scan_limit"`
	// RenderWait is how long the dispatcher keeps re-resolving a control that
	// has not rendered yet. Zero means a single pass.
	RenderWait time.Duration `mapstructure:"render_wait" yaml:"render_wait"`
}

// LocatorStrategyConfig is one candidate identification strategy for an affordance.
type LocatorStrategyConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// By is "css" or "xpath".
	By   string `mapstructure:"by" yaml:"by"`
	Expr string `mapstructure:"expr" yaml:"expr"`
	// Text optionally restricts candidates to those whose text or label matches this regexp.
	Text string `mapstructure:"text" yaml:"text"`
}

// CrossReferenceConfig points at an authoritative listing view for an action.
type CrossReferenceConfig struct {
	URL  string `mapstructure:"url" yaml:"url"`
	By   string `mapstructure:"by" yaml:"by"`
	Expr string `mapstructure:"expr" yaml:"expr"`
}

// ActionConfig describes how one action type is dispatched and confirmed.
// Templates accept {host}, {target}, {self} and {payload}.
type ActionConfig struct {
	TargetURL      string               `mapstructure:"target_url" yaml:"target_url"`
	Control        string               `mapstructure:"control" yaml:"control"`
	ConfirmControl string               `mapstructure:"confirm_control" yaml:"confirm_control"`
	Input          string               `mapstructure:"input" yaml:"input"`
	Submit         string               `mapstructure:"submit" yaml:"submit"`
	Positive       []string             `mapstructure:"positive" yaml:"positive"`
	CrossReference CrossReferenceConfig `mapstructure:"cross_reference" yaml:"cross_reference"`
}

// ConfirmationConfig holds the wait policy of the confirmation strategies.
type ConfirmationConfig struct {
	DelayedWait           time.Duration `mapstructure:"delayed_wait" yaml:"delayed_wait"`
	StrategyTimeout       time.Duration `mapstructure:"strategy_timeout" yaml:"strategy_timeout"`
	ReloadTimeout         time.Duration `mapstructure:"reload_timeout" yaml:"reload_timeout"`
	CrossReferenceTimeout time.Duration `mapstructure:"cross_reference_timeout" yaml:"cross_reference_timeout"`
}

// BatchConfig configures the batch runner.
type BatchConfig struct {
	InterActionDelay  time.Duration `mapstructure:"inter_action_delay" yaml:"inter_action_delay"`
	Jitter            time.Duration `mapstructure:"jitter" yaml:"jitter"`
	MaxActionsPerHour int           `mapstructure:"max_actions_per_hour" yaml:"max_actions_per_hour"`
	Workers           int           `mapstructure:"workers" yaml:"workers"`
}

// StoreConfig selects the optional outcome persistence backend.
type StoreConfig struct {
	// Driver is "none", "postgres" or "sqlite".
	Driver string `mapstructure:"driver" yaml:"driver"`
	URL    string `mapstructure:"url" yaml:"url"`
	Path   string `mapstructure:"path" yaml:"path"`
}

var validStoreDrivers = map[string]bool{"none": true, "postgres": true, "sqlite": true}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.applyBuiltinDefaults()
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
// Locator chains and action profiles are merged in after unmarshaling, see defaults.go.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "socialdriver")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})
	v.SetDefault("browser.interaction_timeout", "10s")
	v.SetDefault("browser.shutdown_timeout", "10s")

	// -- Network --
	v.SetDefault("network.navigation_timeout", "30s")

	// -- Platform --
	v.SetDefault("platform.host", "x.com")
	v.SetDefault("platform.domains", []string{"x.com", "twitter.com"})
	v.SetDefault("platform.required_cookies", []string{"auth_token", "ct0"})
	v.SetDefault("platform.login_path_markers", []string{"/login", "/i/flow/login", "/account/access", "/verify"})
	v.SetDefault("platform.login_prompts", []string{"Sign in to X", "Log in to X", "Sign up now"})

	// -- Session --
	v.SetDefault("session.probes", []map[string]interface{}{
		{"name": "home", "url": "https://{host}/home", "timeout": "20s"},
		{"name": "settings", "url": "https://{host}/settings/account", "timeout": "15s"},
		{"name": "root", "url": "https://{host}/", "timeout": "30s"},
	})

	// -- Locator --
	v.SetDefault("locator.max_text_length", 80)
	v.SetDefault("locator.query_timeout", "3s")
	v.SetDefault("locator.scan_limit", 50)
	v.SetDefault("locator.render_wait", "5s")

	// -- Confirmation --
	v.SetDefault("confirmation.delayed_wait", "3s")
	v.SetDefault("confirmation.strategy_timeout", "10s")
	v.SetDefault("confirmation.reload_timeout", "20s")
	v.SetDefault("confirmation.cross_reference_timeout", "30s")

	// -- Batch --
	v.SetDefault("batch.inter_action_delay", "30s")
	v.SetDefault("batch.jitter", "10s")
	v.SetDefault("batch.max_actions_per_hour", 0)
	v.SetDefault("batch.workers", 1)

	// -- Store --
	v.SetDefault("store.driver", "none")
	v.SetDefault("store.path", "~/.socialdriver/outcomes.db")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("store.url", "SOCIALDRIVER_STORE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Store.Driver == "postgres" && cfg.Store.URL == "" {
		cfg.Store.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Store.Path != "" {
		expanded, err := homedir.Expand(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("could not expand store.path: %w", err)
		}
		cfg.Store.Path = expanded
	}
	if cfg.Logger.LogFile != "" {
		expanded, err := homedir.Expand(cfg.Logger.LogFile)
		if err != nil {
			return nil, fmt.Errorf("could not expand logger.log_file: %w", err)
		}
		cfg.Logger.LogFile = expanded
	}

	cfg.applyBuiltinDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Platform.Host) == "" {
		return fmt.Errorf("platform.host is required")
	}
	if len(c.Platform.Domains) == 0 {
		return fmt.Errorf("platform.domains must list at least one domain")
	}
	if len(c.Session.Probes) == 0 {
		return fmt.Errorf("session.probes must list at least one destination")
	}
	for i, p := range c.Session.Probes {
		if p.URL == "" {
			return fmt.Errorf("session.probes[%d].url is required", i)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("session.probes[%d].timeout must be a positive duration", i)
		}
	}
	if c.Locator.MaxTextLength <= 0 {
		return fmt.Errorf("locator.max_text_length must be a positive integer")
	}
	if c.Locator.QueryTimeout <= 0 {
		return fmt.Errorf("locator.query_timeout must be a positive duration")
	}
	if c.Locator.ScanLimit <= 0 {
		return fmt.Errorf("locator.scan_limit must be a positive integer")
	}
	if c.Locator.RenderWait < 0 {
		return fmt.Errorf("locator.render_wait must not be negative")
	}
	for name, chain := range c.Locators {
		if err := validateChain(name, chain); err != nil {
			return err
		}
	}
	for name, a := range c.Actions {
		if err := a.validate(name, c.Locators); err != nil {
			return err
		}
	}
	if err := c.Confirmation.Validate(); err != nil {
		return fmt.Errorf("confirmation configuration invalid: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch configuration invalid: %w", err)
	}
	if !validStoreDrivers[c.Store.Driver] {
		return fmt.Errorf("store.driver must be one of none, postgres, sqlite (got %q)", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.URL == "" {
		return fmt.Errorf("store.url is required for the postgres driver. Ensure SOCIALDRIVER_STORE_URL is set")
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite driver")
	}
	return nil
}

// Validate checks the ConfirmationConfig settings.
func (c *ConfirmationConfig) Validate() error {
	if c.DelayedWait < 0 {
		return fmt.Errorf("delayed_wait must not be negative")
	}
	if c.StrategyTimeout <= 0 || c.ReloadTimeout <= 0 || c.CrossReferenceTimeout <= 0 {
		return fmt.Errorf("strategy_timeout, reload_timeout and cross_reference_timeout must be positive durations")
	}
	return nil
}

// Validate checks the BatchConfig settings.
func (b *BatchConfig) Validate() error {
	if b.InterActionDelay < 0 || b.Jitter < 0 {
		return fmt.Errorf("inter_action_delay and jitter must not be negative")
	}
	if b.MaxActionsPerHour < 0 {
		return fmt.Errorf("max_actions_per_hour must not be negative")
	}
	if b.Workers <= 0 {
		return fmt.Errorf("workers must be a positive integer")
	}
	return nil
}

func validateChain(name string, chain []LocatorStrategyConfig) error {
	if len(chain) == 0 {
		return fmt.Errorf("locators.%s must list at least one strategy", name)
	}
	for i, s := range chain {
		if s.Expr == "" {
			return fmt.Errorf("locators.%s[%d].expr is required", name, i)
		}
		switch strings.ToLower(s.By) {
		case "", "css", "xpath":
		default:
			return fmt.Errorf("locators.%s[%d].by must be css or xpath (got %q)", name, i, s.By)
		}
		if s.Text != "" {
			if _, err := regexp.Compile(s.Text); err != nil {
				return fmt.Errorf("locators.%s[%d].text: %w", name, i, err)
			}
		}
	}
	return nil
}

func (a ActionConfig) validate(name string, locators map[string][]LocatorStrategyConfig) error {
	if a.TargetURL == "" {
		return fmt.Errorf("actions.%s.target_url is required", name)
	}
	if a.Control == "" {
		return fmt.Errorf("actions.%s.control is required", name)
	}
	for _, aff := range []string{a.Control, a.ConfirmControl, a.Input, a.Submit} {
		if aff == "" {
			continue
		}
		if _, ok := locators[aff]; !ok {
			return fmt.Errorf("actions.%s references unknown locator %q", name, aff)
		}
	}
	if len(a.Positive) == 0 {
		return fmt.Errorf("actions.%s.positive must list at least one pattern", name)
	}
	for i, p := range a.Positive {
		// Patterns may reference {payload}/{target}; validate with placeholder values.
		sample := strings.NewReplacer("{payload}", "payload", "{target}", "target").Replace(p)
		if _, err := regexp.Compile(sample); err != nil {
			return fmt.Errorf("actions.%s.positive[%d]: %w", name, i, err)
		}
	}
	return nil
}
