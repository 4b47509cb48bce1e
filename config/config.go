// Package config loads the application configuration: a YAML file merged
// over built-in defaults. The core never reads configuration globally; values
// are passed to components at construction time.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// GatewayConfig configures the connection to the multi-model gateway API.
type GatewayConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`  // bearer token; PARLEY_API_KEY overrides
	BaseURL string `yaml:"base_url,omitempty"` // gateway endpoint, blank for the provider default
	Model   string `yaml:"model,omitempty"`    // default model id
	Timeout int    `yaml:"timeout,omitempty"`  // blocking request timeout, seconds
}

// LimitsConfig configures client-side rate limiting and retries.
type LimitsConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
	RequestsPerHour   int `yaml:"requests_per_hour,omitempty"`
	MaxAttempts       int `yaml:"max_attempts,omitempty"` // transport calls per request, incl. the first
	MaxInFlight       int `yaml:"max_in_flight,omitempty"`
}

// ChatConfig configures request shaping.
type ChatConfig struct {
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	TokenBudget int      `yaml:"token_budget,omitempty"` // history window sent to the provider
}

// StorageConfig configures conversation persistence and retention.
type StorageConfig struct {
	DataDir       string `yaml:"data_dir,omitempty"`
	ArchiveDir    string `yaml:"archive_dir,omitempty"`
	ArchiveAfter  int    `yaml:"archive_after_days,omitempty"` // age threshold, days; 0 disables
	ArchiveSizeKB int    `yaml:"archive_size_kb,omitempty"`    // size threshold; 0 disables
	SweepSchedule string `yaml:"sweep_schedule,omitempty"`     // cron spec
}

// Config is the full application configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Limits  LimitsConfig  `yaml:"limits,omitempty"`
	Chat    ChatConfig    `yaml:"chat,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Model:   "gpt-4o-mini",
			Timeout: 30,
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 50,
			RequestsPerHour:   1000,
			MaxAttempts:       3,
			MaxInFlight:       3,
		},
		Chat: ChatConfig{
			MaxTokens:   1024,
			TokenBudget: 4096,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			ArchiveAfter:  90,
			SweepSchedule: "@every 1h",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "conversations"
	}
	return filepath.Join(home, ".parley", "conversations")
}

// Load reads a YAML config file and merges it over the defaults. A missing
// path (empty string) returns the defaults. The PARLEY_API_KEY environment
// variable overrides the file's api key.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // G304: user-specified config path is intentional
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var user Config
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	}

	if key := os.Getenv("PARLEY_API_KEY"); key != "" {
		cfg.Gateway.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.APIKey == "" {
		return fmt.Errorf("gateway.api_key is required (or set PARLEY_API_KEY)")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	if c.Limits.RequestsPerMinute <= 0 || c.Limits.RequestsPerHour <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Limits.MaxAttempts <= 0 {
		return fmt.Errorf("limits.max_attempts must be positive")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	return nil
}
