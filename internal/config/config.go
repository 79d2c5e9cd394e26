// Package config handles configuration loading for Conductor.
// It supports XDG config paths, project-level overrides, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Conductor.
type Config struct {
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Store       StoreConfig       `mapstructure:"store"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
}

// AnthropicConfig holds reasoning provider settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. ${VAR} references are expanded.
	APIKey string `mapstructure:"api_key"`
	// Model names the Claude model to use.
	Model string `mapstructure:"model"`
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// AWSRegion is the Bedrock region (e.g., "us-west-2").
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS profile name.
	AWSProfile string `mapstructure:"aws_profile"`
}

// EngineConfig holds execution limits and intervals.
type EngineConfig struct {
	// Workers is the worker pool size.
	Workers int `mapstructure:"workers"`
	// RecursionDepth is the subtask nesting ceiling.
	RecursionDepth int `mapstructure:"recursion_depth"`
	// ProviderRetries bounds decision attempts before a task blocks.
	ProviderRetries int `mapstructure:"provider_retries"`
	// RetryBaseDelay is the first provider backoff interval.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// WatchdogInterval is how often the watchdog sweeps.
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	// BlockedAttempts bounds blocked-task resolution attempts before
	// escalation to failed.
	BlockedAttempts int `mapstructure:"blocked_attempts"`
	// MaxExecutionTime is the default per-task execution bound.
	// Zero disables the bound for tasks that do not set their own.
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
	// WaitTimeout bounds one subtask wait before the parent re-awaits.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// StoreConfig holds entity store settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty uses the XDG data path.
	Path string `mapstructure:"path"`
}

// DefinitionsConfig holds agent/tool definition settings.
type DefinitionsConfig struct {
	// Dir is the YAML definitions directory.
	Dir string `mapstructure:"dir"`
	// Watch enables hot reload of the definitions directory.
	Watch bool `mapstructure:"watch"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("engine.workers", cfg.Engine.Workers)
	v.Set("engine.recursion_depth", cfg.Engine.RecursionDepth)
	v.Set("engine.provider_retries", cfg.Engine.ProviderRetries)
	v.Set("engine.retry_base_delay", cfg.Engine.RetryBaseDelay.String())
	v.Set("engine.watchdog_interval", cfg.Engine.WatchdogInterval.String())
	v.Set("engine.blocked_attempts", cfg.Engine.BlockedAttempts)
	v.Set("engine.max_execution_time", cfg.Engine.MaxExecutionTime.String())
	v.Set("engine.wait_timeout", cfg.Engine.WaitTimeout.String())
	v.Set("store.path", cfg.Store.Path)
	v.Set("definitions.dir", cfg.Definitions.Dir)
	v.Set("definitions.watch", cfg.Definitions.Watch)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config file if one exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:          4,
			RecursionDepth:   5,
			ProviderRetries:  3,
			RetryBaseDelay:   time.Second,
			WatchdogInterval: 10 * time.Second,
			BlockedAttempts:  3,
			MaxExecutionTime: 15 * time.Minute,
			WaitTimeout:      30 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			Dir:   "definitions",
			Watch: true,
		},
	}
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.recursion_depth", 5)
	v.SetDefault("engine.provider_retries", 3)
	v.SetDefault("engine.retry_base_delay", "1s")
	v.SetDefault("engine.watchdog_interval", "10s")
	v.SetDefault("engine.blocked_attempts", 3)
	v.SetDefault("engine.max_execution_time", "15m")
	v.SetDefault("engine.wait_timeout", "30m")

	v.SetDefault("store.path", "")
	v.SetDefault("definitions.dir", "definitions")
	v.SetDefault("definitions.watch", true)
}

// getUserConfigDir returns the XDG config directory for Conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current
// directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}
