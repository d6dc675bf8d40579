// Package config resolves the runtime settings: built-in defaults, then an optional
// YAML settings file, then THUNDERSPEAR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the settings file.
const (
	APIURLEnvKey           = "THUNDERSPEAR_API_URL"
	CatalogEnvKey          = "THUNDERSPEAR_CATALOG"
	TokenEnvKey            = "THUNDERSPEAR_TOKEN"
	ChannelEnvKey          = "THUNDERSPEAR_CHANNEL"
	DebugEnvKey            = "THUNDERSPEAR_DEBUG"
	MaxRateLimitWaitEnvKey = "THUNDERSPEAR_MAX_RATE_LIMIT_WAIT"
)

const defaultAPIBaseURL = "https://discord.com/api/v9"

// Secret is a string that is masked when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// DownloadConfig ...
type DownloadConfig struct {
	Retries   uint          `yaml:"retries"`
	RetryWait time.Duration `yaml:"retry_wait"`
}

// Config is the resolved settings.
type Config struct {
	APIBaseURL       string         `yaml:"api_url"`
	CatalogPath      string         `yaml:"catalog"`
	Token            Secret         `yaml:"token"`
	Channel          string         `yaml:"channel"`
	Debug            bool           `yaml:"debug"`
	MaxRateLimitWait time.Duration  `yaml:"max_rate_limit_wait"`
	Download         DownloadConfig `yaml:"download"`
}

// Default returns the built-in settings for the running platform.
func Default(envRepo env.Repository) Config {
	return Config{
		APIBaseURL:       defaultAPIBaseURL,
		CatalogPath:      DefaultCatalogPath(runtime.GOOS, envRepo),
		MaxRateLimitWait: 10 * time.Minute,
		Download: DownloadConfig{
			Retries:   3,
			RetryWait: 2 * time.Second,
		},
	}
}

// DefaultCatalogPath is where the catalog lives unless configured otherwise.
func DefaultCatalogPath(goos string, envRepo env.Repository) string {
	switch goos {
	case "linux":
		return filepath.Join(envRepo.Get("HOME"), ".thunderspear")
	case "windows":
		return filepath.Join(envRepo.Get("APPDATA"), "thunderspear.json")
	default:
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = envRepo.Get("HOME")
		}
		return filepath.Join(dir, "thunderspear.json")
	}
}

// DefaultSettingsPath returns the settings file location. It may not exist.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "thunderspear", "settings.yml")
}

// Load resolves the settings. A missing settings file is not an error.
func Load(envRepo env.Repository, settingsPath string) (Config, error) {
	cfg := Default(envRepo)

	if settingsPath != "" {
		if err := cfg.readFile(settingsPath); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(envRepo); err != nil {
		return Config{}, err
	}

	if cfg.CatalogPath == "" {
		return Config{}, fmt.Errorf("catalog path is empty")
	}
	absPath, err := pathutil.NewPathModifier().AbsPath(cfg.CatalogPath)
	if err != nil {
		return Config{}, fmt.Errorf("resolve catalog path: %w", err)
	}
	cfg.CatalogPath = absPath

	return cfg, nil
}

func (c *Config) readFile(pth string) error {
	data, err := os.ReadFile(pth)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse settings %s: %w", pth, err)
	}
	return nil
}

func (c *Config) applyEnv(envRepo env.Repository) error {
	if v := envRepo.Get(APIURLEnvKey); v != "" {
		c.APIBaseURL = v
	}
	if v := envRepo.Get(CatalogEnvKey); v != "" {
		c.CatalogPath = v
	}
	if v := envRepo.Get(TokenEnvKey); v != "" {
		c.Token = Secret(v)
	}
	if v := envRepo.Get(ChannelEnvKey); v != "" {
		c.Channel = v
	}
	if v := envRepo.Get(DebugEnvKey); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", DebugEnvKey, err)
		}
		c.Debug = debug
	}
	if v := envRepo.Get(MaxRateLimitWaitEnvKey); v != "" {
		wait, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", MaxRateLimitWaitEnvKey, err)
		}
		if wait < 0 {
			return fmt.Errorf("invalid %s: negative duration", MaxRateLimitWaitEnvKey)
		}
		c.MaxRateLimitWait = wait
	}
	return nil
}

// Print logs the settings with the token masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- api_url: %s", c.APIBaseURL)
	logger.Printf("- catalog: %s", c.CatalogPath)
	logger.Printf("- token: %s", valueOrUnset(c.Token.String()))
	logger.Printf("- channel: %s", valueOrUnset(c.Channel))
	logger.Printf("- debug: %t", c.Debug)
	logger.Printf("- max_rate_limit_wait: %s", c.MaxRateLimitWait)
	logger.Printf("- download.retries: %d", c.Download.Retries)
	logger.Printf("- download.retry_wait: %s", c.Download.RetryWait)
}

func valueOrUnset(s string) string {
	if s == "" {
		return "<unset>"
	}
	return s
}
