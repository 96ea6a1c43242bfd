package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "KHOBOR"

// Config is the process-level configuration. Source definitions live in their own file.
type Config struct {
	SourcesFile    string `mapstructure:"sources_file"`
	PublishersFile string `mapstructure:"publishers_file"`
	DatabasePath   string `mapstructure:"database_path"`
	SeenPath       string `mapstructure:"seen_path"`
	MetricsAddr    string `mapstructure:"metrics_addr"`

	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Browser BrowserConfig `mapstructure:"browser"`
	Feed    FeedConfig    `mapstructure:"feed"`
}

// LogConfig selects zap level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig tunes the plain HTTP fetch strategy.
type HTTPConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MinDelay   time.Duration `mapstructure:"min_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
	// MinUsableBody is the selector-level body length below which an HTTP result counts as blocked.
	MinUsableBody int `mapstructure:"min_usable_body"`
}

// BrowserConfig tunes the headless browser strategy.
type BrowserConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Headless   bool          `mapstructure:"headless"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MinDelay   time.Duration `mapstructure:"min_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
	Scroll     bool          `mapstructure:"scroll"`
	ExecPath   string        `mapstructure:"exec_path"`
	StatePath  string        `mapstructure:"state_path"`
}

// FeedConfig tunes the feed collector.
type FeedConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources_file", "sources.yaml")
	v.SetDefault("publishers_file", "")
	v.SetDefault("database_path", "data/articles.db")
	v.SetDefault("seen_path", "data/seen.db")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.timeout", 10*time.Second)
	v.SetDefault("http.min_delay", 1500*time.Millisecond)
	v.SetDefault("http.max_delay", 4*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.min_usable_body", 300)

	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.timeout", 15*time.Second)
	v.SetDefault("browser.min_delay", 3*time.Second)
	v.SetDefault("browser.max_delay", 6*time.Second)
	v.SetDefault("browser.max_retries", 2)
	v.SetDefault("browser.scroll", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.state_path", "data/browser_state.json")

	v.SetDefault("feed.timeout", 15*time.Second)
	v.SetDefault("feed.user_agent", "KhoborIngest/1.0 (+https://github.com/Adda-Baaj/khobor-ingest)")
}

// Load reads .env (if present), environment variables prefixed with KHOBOR_ and the optional
// config file at path. Environment wins over the file, the file wins over defaults.
func Load(path string) (Config, error) {
	// .env is optional; a missing file is the common case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise surface as odd runtime behaviour.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SourcesFile) == "" {
		errs = append(errs, errors.New("sources_file is required"))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if strings.TrimSpace(c.SeenPath) == "" {
		errs = append(errs, errors.New("seen_path is required"))
	}
	if c.HTTP.MaxRetries < 1 {
		errs = append(errs, errors.New("http.max_retries must be >= 1"))
	}
	if c.HTTP.MinDelay > c.HTTP.MaxDelay {
		errs = append(errs, errors.New("http.min_delay must not exceed http.max_delay"))
	}
	if c.Browser.MaxRetries < 1 {
		errs = append(errs, errors.New("browser.max_retries must be >= 1"))
	}
	if c.Browser.MinDelay > c.Browser.MaxDelay {
		errs = append(errs, errors.New("browser.min_delay must not exceed browser.max_delay"))
	}
	if c.HTTP.Timeout <= 0 || c.Browser.Timeout <= 0 || c.Feed.Timeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	return errors.Join(errs...)
}
