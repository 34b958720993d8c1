// Package config loads harness settings from defaults, an optional config
// file, a local .env file, environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Environment is where the harness runs.
type Environment string

const (
	EnvLocal      Environment = "local"
	EnvCI         Environment = "ci"
	EnvTest       Environment = "test"
	EnvProduction Environment = "production"
)

// DetectEnvironment classifies the process: CI=true wins, then APP_ENV (or
// NODE_ENV) of test or production, otherwise local.
func DetectEnvironment(getenv func(string) string) Environment {
	if getenv("CI") == "true" {
		return EnvCI
	}
	appEnv := getenv("APP_ENV")
	if appEnv == "" {
		appEnv = getenv("NODE_ENV")
	}
	switch appEnv {
	case "test":
		return EnvTest
	case "production":
		return EnvProduction
	}
	return EnvLocal
}

// Auth holds the call credentials and channel.
type Auth struct {
	AppID   string `mapstructure:"app_id"`
	Token   string `mapstructure:"token"`
	Channel string `mapstructure:"channel"`
}

// Paths are the directories the harness reads media from and writes
// reports and snapshot baselines to.
type Paths struct {
	Videos    string `mapstructure:"videos"`
	Reports   string `mapstructure:"reports"`
	Snapshots string `mapstructure:"snapshots"`
}

// Browser configures the Chrome launch.
type Browser struct {
	Headless  bool          `mapstructure:"headless"`
	NoSandbox bool          `mapstructure:"no_sandbox"`
	Bin       string        `mapstructure:"bin"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// UI selects the page markup preset and snapshot mode.
type UI struct {
	Markup string `mapstructure:"markup"`
	// MinReadyState overrides the markup's readiness threshold when > 0.
	MinReadyState int `mapstructure:"min_ready_state"`
	// UpdateSnapshots rewrites baselines instead of comparing.
	UpdateSnapshots bool `mapstructure:"update_snapshots"`
}

// Phase is one load arrival phase.
type Phase struct {
	Name        string        `mapstructure:"name"`
	Duration    time.Duration `mapstructure:"duration"`
	ArrivalRate int           `mapstructure:"arrival_rate"`
}

// Thresholds are the load pass criteria as ratios of launched users.
type Thresholds struct {
	MinJoinedRatio     float64 `mapstructure:"min_joined_ratio"`
	MinLocalVideoRatio float64 `mapstructure:"min_local_video_ratio"`
	MaxErrorRatio      float64 `mapstructure:"max_error_ratio"`
}

// LoadSettings configures the load runner.
type LoadSettings struct {
	// Phases is empty unless configured; the runner then uses its defaults.
	Phases      []Phase       `mapstructure:"phases"`
	Concurrency int           `mapstructure:"concurrency"`
	Hold        time.Duration `mapstructure:"hold"`
	Thresholds  Thresholds    `mapstructure:"thresholds"`
}

// Config is the full harness configuration.
type Config struct {
	Env      Environment       `mapstructure:"-"`
	LogLevel string            `mapstructure:"log_level"`
	BaseURL  string            `mapstructure:"base_url"`
	BaseURLs map[string]string `mapstructure:"base_urls"`
	Auth     Auth              `mapstructure:"auth"`
	Paths    Paths             `mapstructure:"paths"`
	Browser  Browser           `mapstructure:"browser"`
	UI       UI                `mapstructure:"ui"`
	Load     LoadSettings      `mapstructure:"load"`
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"auth.app_id":         "AGORA_APP_ID",
	"auth.token":          "AGORA_TOKEN",
	"auth.channel":        "AGORA_CHANNEL",
	"base_url":            "BASE_URL",
	"log_level":           "LOG_LEVEL",
	"browser.headless":    "HEADLESS",
	"browser.no_sandbox":  "CHROME_NO_SANDBOX",
	"browser.bin":         "CHROME_BIN",
	"browser.timeout":     "BROWSER_TIMEOUT",
	"ui.markup":           "UI_MARKUP",
	"ui.min_ready_state":  "UI_MIN_READY_STATE",
	"ui.update_snapshots": "UPDATE_SNAPSHOTS",
	"paths.videos":        "VIDEOS_DIR",
	"paths.reports":       "REPORTS_DIR",
	"paths.snapshots":     "SNAPSHOTS_DIR",
	"load.concurrency":    "LOAD_CONCURRENCY",
	"load.hold":           "LOAD_HOLD",
}

// Options control where Load looks.
type Options struct {
	// Dir is the project root holding .env, config.yaml, videos and reports.
	// Default: working directory.
	Dir string
	// Flags, when set, override every other source for keys with the same name.
	Flags *pflag.FlagSet
}

// Load reads the configuration. It does not require credentials; call
// Validate before joining calls.
func Load(opts Options) (*Config, error) {
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}

	env := DetectEnvironment(os.Getenv)
	v := viper.New()
	setDefaults(v, dir, env)

	v.SetConfigType("yaml")
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		log.Debug().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("Loaded config file")
	}

	if env == EnvLocal {
		if err := loadDotEnv(v, filepath.Join(dir, ".env")); err != nil {
			return nil, err
		}
	}

	for key, name := range envBindings {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	if opts.Flags != nil {
		if err := v.BindPFlags(opts.Flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Env = env
	if cfg.BaseURL == "" {
		cfg.BaseURL = cfg.BaseURLs[string(env)]
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, dir string, env Environment) {
	snapshotEnv := "local"
	if env == EnvCI {
		snapshotEnv = "ci"
	}

	v.SetDefault("log_level", "info")
	v.SetDefault("base_urls", map[string]string{
		string(EnvLocal):      "http://localhost:3000",
		string(EnvCI):         "http://ci-app.example.com",
		string(EnvTest):       "http://test-app.example.com",
		string(EnvProduction): "https://app.example.com",
	})
	v.SetDefault("paths.videos", filepath.Join(dir, "videos"))
	v.SetDefault("paths.reports", filepath.Join(dir, "reports"))
	v.SetDefault("paths.snapshots", filepath.Join(dir, "snapshots", snapshotEnv))
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", env == EnvCI)
	v.SetDefault("browser.timeout", "30s")
	v.SetDefault("ui.markup", "basic")
	v.SetDefault("ui.min_ready_state", 0)
	v.SetDefault("load.concurrency", 10)
	v.SetDefault("load.hold", "2s")
	v.SetDefault("load.thresholds.min_joined_ratio", 0.95)
	v.SetDefault("load.thresholds.min_local_video_ratio", 0.95)
	v.SetDefault("load.thresholds.max_error_ratio", 0.05)
}

// loadDotEnv feeds KEY=value pairs from path into v as defaults for the
// bound keys, so real environment variables still win.
func loadDotEnv(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	d := viper.New()
	d.SetConfigFile(path)
	d.SetConfigType("env")
	if err := d.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	for key, name := range envBindings {
		if d.IsSet(name) {
			v.SetDefault(key, d.Get(name))
		}
	}
	log.Debug().Str("module", "config").Str("file", path).Msg("Loaded .env")
	return nil
}

// Validate checks that call credentials are present.
func (c *Config) Validate() error {
	var missing []string
	if c.Auth.AppID == "" {
		missing = append(missing, "AGORA_APP_ID")
	}
	if c.Auth.Token == "" {
		missing = append(missing, "AGORA_TOKEN")
	}
	if c.Auth.Channel == "" {
		missing = append(missing, "AGORA_CHANNEL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env var(s): %s", strings.Join(missing, ", "))
	}
	if c.BaseURL == "" {
		return fmt.Errorf("no base URL for environment %q", c.Env)
	}
	return nil
}

// IsCI reports whether the harness runs in CI.
func (c *Config) IsCI() bool { return c.Env == EnvCI }
