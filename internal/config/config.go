// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Portal  PortalConfig  `mapstructure:"portal"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PortalConfig describes the session-authenticated portal.
type PortalConfig struct {
	LoginURL     string `mapstructure:"login_url"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	UserField    string `mapstructure:"user_field"`
	PassField    string `mapstructure:"pass_field"`
	FormSelector string `mapstructure:"form_selector"`
	UserAgent    string `mapstructure:"user_agent"`
}

// CrawlerConfig governs traversal behavior.
type CrawlerConfig struct {
	Concurrency    int      `mapstructure:"concurrency"`
	MaxDepth       int      `mapstructure:"max_depth"`
	QueueDepth     int      `mapstructure:"queue_depth"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	FileExtensions []string `mapstructure:"file_extensions"`
}

// OutputConfig sets where downloads and session state land.
type OutputConfig struct {
	Dir        string `mapstructure:"dir"`
	CookieFile string `mapstructure:"cookie_file"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Verbose bool `mapstructure:"verbose"`
}

// DefaultPath returns the default config file location under the XDG config
// home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "kursfetch", "config.yaml")
}

// Load builds a Config from disk/environment. path may be empty, in which
// case only defaults and KURSFETCH_* environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KURSFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.user_field", "username")
	v.SetDefault("portal.pass_field", "password")
	v.SetDefault("portal.form_selector", "form")
	v.SetDefault("portal.user_agent", "kursfetch/0.1")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.timeout_seconds", 30)
	v.SetDefault("output.dir", "kursfetch-out")
	v.SetDefault("output.cookie_file", ".cookies")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if c.Portal.LoginURL != "" && c.Portal.Username == "" {
		return fmt.Errorf("portal.username must be set when portal.login_url is set")
	}
	return nil
}
