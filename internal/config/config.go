package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the bridge configuration, loaded from bridge.yaml.
type Config struct {
	DefaultProvider string                    `mapstructure:"provider"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
	Serve           ServeConfig               `mapstructure:"serve"`
	Limits          LimitsConfig              `mapstructure:"limits"`
	Restart         RestartConfig             `mapstructure:"restart"`
	BackendsFile    string                    `mapstructure:"backends_file"`
	Usage           UsageConfig               `mapstructure:"usage"`
}

// ProviderConfig describes one model runtime the bridge can drive.
type ProviderConfig struct {
	Type    string `mapstructure:"type"` // "openai-compat", "openai", "anthropic"
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"` // openai-compat only
}

// ServeConfig holds the HTTP surface settings.
type ServeConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LimitsConfig bounds per-request and global behavior.
type LimitsConfig struct {
	MaxRounds       int           `mapstructure:"max_rounds"`        // tool-call rounds per request
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`      // per tool call
	GlobalInFlight  int           `mapstructure:"global_in_flight"`  // tool calls across all requests
	RequestInFlight int           `mapstructure:"request_in_flight"` // tool calls within one request
}

// RestartConfig tunes the supervisor's crash/restart loop.
type RestartConfig struct {
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	StabilityWindow time.Duration `mapstructure:"stability_window"` // ready this long resets the counter
	MaxFailures     int           `mapstructure:"max_failures"`     // consecutive failures before permanent stop
}

// UsageConfig controls request accounting.
type UsageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// ProviderTypeOpenAICompat etc. identify built-in provider implementations.
const (
	ProviderTypeOpenAICompat = "openai-compat"
	ProviderTypeOpenAI       = "openai"
	ProviderTypeAnthropic    = "anthropic"
)

// InferProviderType resolves the effective provider type for a named entry.
// An explicit type wins; otherwise well-known names map to built-in types and
// anything else defaults to openai-compat (local runtimes are the common case).
func InferProviderType(name, explicit string) string {
	if explicit != "" {
		return explicit
	}
	switch strings.ToLower(name) {
	case "openai":
		return ProviderTypeOpenAI
	case "anthropic", "claude":
		return ProviderTypeAnthropic
	default:
		return ProviderTypeOpenAICompat
	}
}

// ConfigDir returns the directory holding bridge.yaml and backends.json.
func ConfigDir() (string, error) {
	if dir := os.Getenv("MASTERSTACK_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "masterstack"), nil
}

// DataDir returns the directory for runtime data (usage database).
func DataDir() (string, error) {
	if dir := os.Getenv("MASTERSTACK_DATA_DIR"); dir != "" {
		return dir, nil
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "masterstack"), nil
}

// Load reads bridge.yaml from the config directory, applies environment
// overrides and fills defaults. A missing file yields the default config.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("bridge")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read bridge config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse bridge config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	setKeyFromEnv(cfg, "openai", "OPENAI_API_KEY")
	setKeyFromEnv(cfg, "anthropic", "ANTHROPIC_API_KEY")
}

func setKeyFromEnv(cfg *Config, name, envVar string) {
	key := os.Getenv(envVar)
	if key == "" {
		return
	}
	p := cfg.Providers[name]
	if p.APIKey == "" {
		p.APIKey = key
		cfg.Providers[name] = p
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "ollama"
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	if _, ok := cfg.Providers["ollama"]; !ok {
		cfg.Providers["ollama"] = ProviderConfig{
			Type:    ProviderTypeOpenAICompat,
			BaseURL: "http://127.0.0.1:11434/v1",
		}
	}
	if cfg.Serve.Host == "" {
		cfg.Serve.Host = "127.0.0.1"
	}
	if cfg.Serve.Port == 0 {
		cfg.Serve.Port = 8900
	}
	if cfg.Serve.RequestTimeout <= 0 {
		cfg.Serve.RequestTimeout = 5 * time.Minute
	}
	if cfg.Limits.MaxRounds <= 0 {
		cfg.Limits.MaxRounds = 8
	}
	if cfg.Limits.ToolTimeout <= 0 {
		cfg.Limits.ToolTimeout = 30 * time.Second
	}
	if cfg.Limits.GlobalInFlight <= 0 {
		cfg.Limits.GlobalInFlight = 32
	}
	if cfg.Limits.RequestInFlight <= 0 {
		cfg.Limits.RequestInFlight = 8
	}
	if cfg.Restart.BackoffBase <= 0 {
		cfg.Restart.BackoffBase = time.Second
	}
	if cfg.Restart.BackoffMax <= 0 {
		cfg.Restart.BackoffMax = 30 * time.Second
	}
	if cfg.Restart.StabilityWindow <= 0 {
		cfg.Restart.StabilityWindow = time.Minute
	}
	if cfg.Restart.MaxFailures <= 0 {
		cfg.Restart.MaxFailures = 5
	}
}

// GetActiveProviderConfig returns the default provider's config, or nil.
func (c *Config) GetActiveProviderConfig() *ProviderConfig {
	if p, ok := c.Providers[c.DefaultProvider]; ok {
		return &p
	}
	return nil
}
