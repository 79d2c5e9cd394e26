package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmoretti/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Conductor configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/conductor/config.yaml
Project-specific overrides can be placed in .conductor.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	// Mask API key if set
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("engine.workers: %d\n", cfg.Engine.Workers)
	fmt.Printf("engine.recursion_depth: %d\n", cfg.Engine.RecursionDepth)
	fmt.Printf("engine.provider_retries: %d\n", cfg.Engine.ProviderRetries)
	fmt.Printf("engine.retry_base_delay: %s\n", cfg.Engine.RetryBaseDelay)
	fmt.Printf("engine.watchdog_interval: %s\n", cfg.Engine.WatchdogInterval)
	fmt.Printf("engine.blocked_attempts: %d\n", cfg.Engine.BlockedAttempts)
	fmt.Printf("engine.max_execution_time: %s\n", cfg.Engine.MaxExecutionTime)
	fmt.Printf("engine.wait_timeout: %s\n", cfg.Engine.WaitTimeout)
	fmt.Printf("store.path: %s\n", cfg.Store.Path)
	fmt.Printf("definitions.dir: %s\n", cfg.Definitions.Dir)
	fmt.Printf("definitions.watch: %t\n", cfg.Definitions.Watch)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return "****", nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return cfg.Anthropic.AWSRegion, nil
	case "anthropic.aws_profile":
		return cfg.Anthropic.AWSProfile, nil
	case "engine.workers":
		return strconv.Itoa(cfg.Engine.Workers), nil
	case "engine.recursion_depth":
		return strconv.Itoa(cfg.Engine.RecursionDepth), nil
	case "engine.provider_retries":
		return strconv.Itoa(cfg.Engine.ProviderRetries), nil
	case "engine.retry_base_delay":
		return cfg.Engine.RetryBaseDelay.String(), nil
	case "engine.watchdog_interval":
		return cfg.Engine.WatchdogInterval.String(), nil
	case "engine.blocked_attempts":
		return strconv.Itoa(cfg.Engine.BlockedAttempts), nil
	case "engine.max_execution_time":
		return cfg.Engine.MaxExecutionTime.String(), nil
	case "engine.wait_timeout":
		return cfg.Engine.WaitTimeout.String(), nil
	case "store.path":
		return cfg.Store.Path, nil
	case "definitions.dir":
		return cfg.Definitions.Dir, nil
	case "definitions.watch":
		return strconv.FormatBool(cfg.Definitions.Watch), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "anthropic.aws_region":
		cfg.Anthropic.AWSRegion = value
	case "anthropic.aws_profile":
		cfg.Anthropic.AWSProfile = value
	case "engine.workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for workers: %w", err)
		}
		cfg.Engine.Workers = n
	case "engine.recursion_depth":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for recursion_depth: %w", err)
		}
		cfg.Engine.RecursionDepth = n
	case "engine.provider_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for provider_retries: %w", err)
		}
		cfg.Engine.ProviderRetries = n
	case "engine.retry_base_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for retry_base_delay: %w", err)
		}
		cfg.Engine.RetryBaseDelay = d
	case "engine.watchdog_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for watchdog_interval: %w", err)
		}
		cfg.Engine.WatchdogInterval = d
	case "engine.blocked_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for blocked_attempts: %w", err)
		}
		cfg.Engine.BlockedAttempts = n
	case "engine.max_execution_time":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for max_execution_time: %w", err)
		}
		cfg.Engine.MaxExecutionTime = d
	case "engine.wait_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for wait_timeout: %w", err)
		}
		cfg.Engine.WaitTimeout = d
	case "store.path":
		cfg.Store.Path = value
	case "definitions.dir":
		cfg.Definitions.Dir = value
	case "definitions.watch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for definitions.watch: %w", err)
		}
		cfg.Definitions.Watch = b
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
