package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from files and environment variables.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// Load loads configuration from files and environment variables.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()
	l.setupConfigPaths()
	l.setupEnvVars()

	// Try to read config file (it's optional)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults + env vars
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SetConfigFile forces loading from an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.v.SetConfigFile(path)
}

// setDefaults sets default configuration values resolvable before unmarshal.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "json")
	l.v.SetDefault("db.path", "./data/fleet.db")
	l.v.SetDefault("remote.config_folder", "/root")
	l.v.SetDefault("remote.params_path", "/etc/wireguard/params")
	l.v.SetDefault("reconciler.config_interval", "10m")
	l.v.SetDefault("reconciler.lifecycle_interval", "10m")
	l.v.SetDefault("reconciler.payment_interval", "10s")
	l.v.SetDefault("reconciler.grace_window", "120h")
	l.v.SetDefault("gateway.currency", "RUB")
	l.v.SetDefault("notify.daily_at", "13:00")
}

// setupConfigPaths configures where to search for config files.
func (l *Loader) setupConfigPaths() {
	l.v.SetConfigName("fleetd")
	l.v.SetConfigType("yaml")

	// Search paths in priority order
	l.v.AddConfigPath("/etc/axo-vpn")
	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(home)
	}
	l.v.AddConfigPath(".")
}

// setupEnvVars configures environment variable handling.
func (l *Loader) setupEnvVars() {
	l.v.SetEnvPrefix("AXO_VPN")
	l.v.AutomaticEnv()
	l.v.BindEnv("gateway.token", "AXO_VPN_GATEWAY_TOKEN")
	l.v.BindEnv("gateway.base_url", "AXO_VPN_GATEWAY_BASE_URL")
}
