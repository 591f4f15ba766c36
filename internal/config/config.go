package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return load(viper.GetViper(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	// Configure viper
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/pii-gateway/")
	v.AddConfigPath("$HOME/.pii-gateway/")

	// Environment variable overrides
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read configuration
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Privacy.MinConfidence < 0 || config.Privacy.MinConfidence > 1 {
		return fmt.Errorf("invalid min confidence: %v (must be within [0,1])", config.Privacy.MinConfidence)
	}

	if config.Privacy.MaxMatches < 0 {
		return fmt.Errorf("invalid max matches: %d", config.Privacy.MaxMatches)
	}

	if config.Policy.DefaultMode != "local" && config.Policy.DefaultMode != "external" {
		return fmt.Errorf("invalid policy default mode: %s (must be local or external)", config.Policy.DefaultMode)
	}

	switch config.Policy.AuditLevel {
	case "none", "basic", "full":
	default:
		return fmt.Errorf("invalid audit level: %s (must be none, basic, or full)", config.Policy.AuditLevel)
	}

	if config.Policy.FailMode != "open" && config.Policy.FailMode != "closed" {
		return fmt.Errorf("invalid fail mode: %s (must be open or closed)", config.Policy.FailMode)
	}

	if config.Database.Enabled && config.Database.DatabaseURL == "" {
		return fmt.Errorf("database enabled but database_url is empty")
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache enabled but redis_url is empty")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes.
// Invalid reloads are reported through onError and the previous configuration stays active.
func Watch(callback func(*Config), onError func(error)) {
	watch(viper.GetViper(), callback, onError)
}

func watch(v *viper.Viper, callback func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal reloaded config %s: %w", e.Name, err))
			}
			return
		}

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("reloaded config %s rejected: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()
}
